// Package role implements the one-shot startup Bridge Role Selector (spec
// §4.5): exactly one bridge instance per machine binds the WebSocket port
// and becomes the server; every later instance becomes a peer-client that
// forwards everything to the winner. The decision never changes after
// startup.
package role

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pagebridge/bridge/internal/obs"
)

type Kind int

const (
	Server Kind = iota
	PeerClient
)

func (k Kind) String() string {
	if k == Server {
		return "server"
	}
	return "peer-client"
}

const (
	maxReconnectAttempts = 10
	maxBackoff           = 30 * time.Second
	baseBackoff          = 500 * time.Millisecond
)

// Decision is the result of the one-shot startup race.
type Decision struct {
	Kind Kind
	// Listener is set when Kind == Server: the bound listener the WebSocket
	// server uses.
	Listener net.Listener
}

// Decide attempts to bind addr. Success means this process is the server;
// EADDRINUSE (or any bind failure judged to mean "someone is already
// listening") means this process becomes a peer-client.
func Decide(addr string) (Decision, error) {
	log := obs.For("role")
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		log.WithField("addr", addr).Info("bound bridge port; acting as server")
		return Decision{Kind: Server, Listener: ln}, nil
	}
	if isAddrInUse(err) {
		log.WithField("addr", addr).Info("bridge port already bound; acting as peer-client")
		return Decision{Kind: PeerClient}, nil
	}
	return Decision{}, err
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// PeerClient maintains the single upstream connection a peer-client bridge
// instance keeps to the winning server, reconnecting with capped backoff.
type PeerClient struct {
	serverURL string
	log       *logrus.Entry
	dialer    *websocket.Dialer
}

func NewPeerClient(serverURL string) *PeerClient {
	return &PeerClient{
		serverURL: serverURL,
		log:       obs.For("peer-client"),
		dialer:    websocket.DefaultDialer,
	}
}

// ConnectFunc is invoked once per successful dial; it should block for the
// lifetime of the connection and return when it drops.
type ConnectFunc func(ctx context.Context, conn *websocket.Conn) error

// Run dials the server and invokes onConnect for each successful connection,
// reconnecting with exponential backoff (capped at 30s) for up to
// maxReconnectAttempts consecutive failures before giving up. A successful
// connection that later drops resets the attempt counter (spec §4.5).
func (p *PeerClient) Run(ctx context.Context, onConnect ConnectFunc) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := p.dialer.DialContext(ctx, p.serverURL, nil)
		if err != nil {
			attempt++
			if attempt > maxReconnectAttempts {
				return errors.New("peer-client: exceeded max reconnect attempts")
			}
			wait := backoff(attempt)
			p.log.WithError(err).WithField("attempt", attempt).WithField("wait", wait).Warn("dial failed; retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		p.log.Info("connected to bridge server")
		if err := onConnect(ctx, conn); err != nil {
			p.log.WithError(err).Warn("upstream connection ended")
		}
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func backoff(attempt int) time.Duration {
	d := baseBackoff << uint(attempt-1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
