// Package obs provides component-scoped structured logging on top of
// logrus, used throughout the bridge in place of the bare log package.
package obs

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("BRIDGE_LOG_LEVEL")))); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// For returns a logger scoped to one component, e.g. For("dispatcher").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel overrides the process-wide log level.
func SetLevel(lvl logrus.Level) {
	base.SetLevel(lvl)
}
