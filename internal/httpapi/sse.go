// Package httpapi is the HTTP/SSE front-end drivers speak to (spec §4.8):
// one SSE stream per driver, a companion POST endpoint for tool calls, and
// read-only diagnostics.
package httpapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagebridge/bridge/internal/obs"
)

// event is one JSON-RPC-shaped notification pushed down a driver's SSE
// stream (spec §6): {"method": "<tool-or-event-name>", "params": {...}}.
type event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// stream is one driver's private outbound queue.
type stream struct {
	transportID string
	out         chan event
	closed      chan struct{}
	closeOnce   sync.Once
}

func newStream(transportID string) *stream {
	return &stream{
		transportID: transportID,
		out:         make(chan event, 64),
		closed:      make(chan struct{}),
	}
}

func (s *stream) push(ev event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

func (s *stream) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Hub tracks every currently connected driver's SSE stream, keyed by
// transportId, and the idle-grace expiry timers started on disconnect
// (spec §5 idle grace).
type Hub struct {
	mu        sync.Mutex
	streams   map[string]*stream
	idleGrace time.Duration
	onExpire  func(transportID string)
	log       *logrus.Entry
}

func NewHub(idleGrace time.Duration, onExpire func(transportID string)) *Hub {
	return &Hub{
		streams:   make(map[string]*stream),
		idleGrace: idleGrace,
		onExpire:  onExpire,
		log:       obs.For("httpapi"),
	}
}

// Register installs a new stream and returns it; any previous stream under
// the same transportId (should not normally happen) is closed first.
func (h *Hub) Register(transportID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.streams[transportID]; ok {
		old.close()
	}
	s := newStream(transportID)
	h.streams[transportID] = s
	return s
}

// Unregister drops the stream and, after the idle grace period, invokes
// onExpire if the transport has not reconnected by then (spec §4.8).
func (h *Hub) Unregister(transportID string) {
	h.mu.Lock()
	s, ok := h.streams[transportID]
	if ok {
		delete(h.streams, transportID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close()

	if h.idleGrace <= 0 {
		h.onExpire(transportID)
		return
	}
	time.AfterFunc(h.idleGrace, func() {
		h.mu.Lock()
		_, reconnected := h.streams[transportID]
		h.mu.Unlock()
		if !reconnected {
			h.onExpire(transportID)
		}
	})
}

// Publish delivers an event to transportID's stream, if connected.
func (h *Hub) Publish(transportID string, method string, params json.RawMessage) {
	h.mu.Lock()
	s, ok := h.streams[transportID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if !s.push(event{Method: method, Params: params}) {
		h.log.WithField("transport", transportID).Warn("sse outbound queue full; dropping event")
	}
}

// Exists reports whether transportID currently has a live SSE stream
// registered (spec §4.8: "404 on unknown").
func (h *Hub) Exists(transportID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.streams[transportID]
	return ok
}

func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
