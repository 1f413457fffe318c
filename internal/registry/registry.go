// Package registry implements the Session Registry (spec §4.1): the
// bijective mapping between a driver's transport-session id and the
// automation-session id it currently owns.
package registry

import (
	"sync"
	"time"

	"github.com/pagebridge/bridge/internal/bridgeerr"
	"github.com/pagebridge/bridge/internal/idgen"
)

// Binding is one transport<->browser-session pair for listing/diagnostics.
type Binding struct {
	TransportID      string    `json:"transportId"`
	BrowserSessionID string    `json:"browserSessionId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Registry holds the live transport<->automation-session bindings. It is
// bijective on the live set: at most one browserSessionId per transportId,
// and vice versa.
type Registry struct {
	mu          sync.RWMutex
	byTransport map[string]Binding
	byBrowser   map[string]string // browserSessionId -> transportId
}

func New() *Registry {
	return &Registry{
		byTransport: make(map[string]Binding),
		byBrowser:   make(map[string]string),
	}
}

// NewBrowserSession mints a fresh automation-session id and binds it to
// transportID. If transportID is already bound, the existing id is returned
// unchanged (idempotent create, spec §8 round-trip property).
func (r *Registry) NewBrowserSession(transportID string) (string, error) {
	if transportID == "" {
		return "", bridgeerr.New(bridgeerr.KindNoTransport, "transport id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byTransport[transportID]; ok {
		return b.BrowserSessionID, nil
	}
	id := idgen.SessionID()
	r.byTransport[transportID] = Binding{TransportID: transportID, BrowserSessionID: id, CreatedAt: time.Now()}
	r.byBrowser[id] = transportID
	return id, nil
}

// LookupByTransport returns the bound browser-session id, if any.
func (r *Registry) LookupByTransport(transportID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byTransport[transportID]
	return b.BrowserSessionID, ok
}

// TransportForSession returns the driver transport id that owns
// browserSessionID, used to route dialog/navigation events back to the
// right SSE stream (spec §4.4 rule 4).
func (r *Registry) TransportForSession(browserSessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byBrowser[browserSessionID]
	return t, ok
}

// Drop removes the binding for transportID. Idempotent.
func (r *Registry) Drop(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byTransport[transportID]
	if !ok {
		return
	}
	delete(r.byTransport, transportID)
	if r.byBrowser[b.BrowserSessionID] == transportID {
		delete(r.byBrowser, b.BrowserSessionID)
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTransport)
}

func (r *Registry) ListBindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.byTransport))
	for _, b := range r.byTransport {
		out = append(out, b)
	}
	return out
}

// SessionOrError resolves the caller's browser-session id, returning
// NoSession when the transport has not yet created one (spec §4.1).
func (r *Registry) SessionOrError(transportID string) (string, error) {
	id, ok := r.LookupByTransport(transportID)
	if !ok {
		return "", bridgeerr.ErrNoSession
	}
	return id, nil
}
