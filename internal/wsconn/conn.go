// Package wsconn implements the single-reader/single-writer WebSocket pump
// shared by controller, page-agent, and peer-bridge connections (spec §5):
// one outbound channel per peer, drained by a dedicated writer goroutine,
// plus the 10s ping / 5s pong liveness check (spec §5 Cancellation &
// timeouts).
package wsconn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pagebridge/bridge/internal/obs"
)

const (
	PingInterval = 10 * time.Second
	PongTimeout  = 5 * time.Second
	writeWait    = 5 * time.Second
	sendQueueLen = 64
)

// Conn wraps a gorilla websocket connection with a bounded outbound queue
// and liveness tracking. Construct with New, then call Run (blocking)
// from the owning goroutine.
type Conn struct {
	ID  string
	raw *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	log *logrus.Entry
}

// Handler receives each inbound message and a disconnect callback.
type Handler interface {
	// OnMessage is invoked for every inbound text frame.
	OnMessage(raw []byte)
	// OnDisconnect is invoked exactly once when the connection dies, for
	// any reason (read error, write error, or missed pong).
	OnDisconnect()
}

func New(id string, raw *websocket.Conn) *Conn {
	c := &Conn{
		ID:   id,
		raw:  raw,
		send: make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
		log:  obs.For("wsconn").WithField("peer", id),
	}
	return c
}

// Send enqueues an outbound frame without blocking. Returns false (the
// caller should treat this as back-pressure, spec §5) if the queue is full
// or the connection is already closed.
func (c *Conn) Send(raw []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// Close sends a best-effort close frame, then tears down the connection
// idempotently.
func (c *Conn) Close() {
	c.once.Do(func() {
		_ = c.raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		close(c.done)
		_ = c.raw.Close()
	})
}

// Run drives the read and write pumps until the connection dies. It blocks
// until OnDisconnect would fire, then returns.
func (c *Conn) Run(h Handler) {
	go c.writePump()
	c.readPump(h)
}

func (c *Conn) readPump(h Handler) {
	defer func() {
		c.Close()
		h.OnDisconnect()
	}()

	_ = c.raw.SetReadDeadline(time.Now().Add(PingInterval + PongTimeout))
	c.raw.SetPongHandler(func(string) error {
		_ = c.raw.SetReadDeadline(time.Now().Add(PingInterval + PongTimeout))
		return nil
	})

	for {
		_, msg, err := c.raw.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("read loop ended")
			return
		}
		h.OnMessage(msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.raw.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.raw.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Debug("ping failed")
				c.Close()
				return
			}
		}
	}
}
