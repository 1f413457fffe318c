// Package admin exposes operator-facing diagnostics over HTTP: live peer
// table, transport/browser-session bindings, and pending-request pressure,
// the same data bridgetop renders (spec §9 operator visibility).
package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pagebridge/bridge/internal/config"
	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/httpx"
	"github.com/pagebridge/bridge/internal/peertable"
	"github.com/pagebridge/bridge/internal/registry"
	"github.com/pagebridge/bridge/internal/role"
)

// Status summarizes this bridge instance for the dashboard's header cards.
type Status struct {
	Role             string `json:"role"`
	InstanceID       string `json:"instanceId"`
	Uptime           string `json:"uptime"`
	ControllerOnline bool   `json:"controllerConnected"`
	PageAgents       int    `json:"pageAgents"`
	PeerBridges      int    `json:"peerBridges"`
	Sessions         int    `json:"sessions"`
	PendingRequests  int    `json:"pendingRequests"`
}

// PeerInfo is one row of the peer-table listing.
type PeerInfo struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	SessionID  string `json:"sessionId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	LastSeen   string `json:"lastSeen"`
}

// SessionInfo is one row of the session-registry listing.
type SessionInfo struct {
	TransportID      string `json:"transportId"`
	BrowserSessionID string `json:"browserSessionId"`
	CreatedAt        string `json:"createdAt"`
}

// Handlers serves the admin HTTP surface. Every field is read-only from the
// admin server's perspective; Table is nil in peer-client role (there is
// no local peer table to report on there).
type Handlers struct {
	StartedAt  time.Time
	RoleKind   role.Kind
	InstanceID string
	Table      *peertable.Table
	Sessions   *registry.Registry
	Corr       *correlator.Correlator
	ConfigPath string
}

// Mount registers every admin route on mux, each guarded by adminToken.
func (h *Handlers) Mount(mux *http.ServeMux, adminToken string) {
	tokenCheck := httpx.RequireToken(adminToken)
	auth := func(handler http.HandlerFunc) http.Handler {
		return tokenCheck(handler)
	}
	mux.Handle("/admin/status", auth(h.Status))
	mux.Handle("/admin/peers", auth(h.PeersList))
	mux.Handle("/admin/sessions", auth(h.SessionsList))
	mux.Handle("/admin/peers/disconnect", auth(h.DisconnectPeer))
	mux.Handle("/admin/config", auth(h.ConfigGet))
}

func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		Role:       h.RoleKind.String(),
		InstanceID: h.InstanceID,
		Uptime:     time.Since(h.StartedAt).String(),
	}
	if h.Table != nil {
		counts := h.Table.Counts()
		status.ControllerOnline = counts.Controller > 0
		status.PageAgents = counts.PageAgents
		status.PeerBridges = counts.PeerBridges
	}
	if h.Sessions != nil {
		status.Sessions = h.Sessions.ActiveCount()
	}
	if h.Corr != nil {
		status.PendingRequests = h.Corr.Count()
	}
	writeJSON(w, status)
}

func (h *Handlers) PeersList(w http.ResponseWriter, _ *http.Request) {
	if h.Table == nil {
		writeJSON(w, []PeerInfo{})
		return
	}
	summaries := h.Table.All()
	out := make([]PeerInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, PeerInfo{
			ID:         s.ID,
			Role:       s.Role.Kind.String(),
			SessionID:  s.Role.SessionID,
			InstanceID: s.Role.InstanceID,
			URL:        s.URL,
			Title:      s.Title,
			LastSeen:   s.LastSeen.Format(time.RFC3339),
		})
	}
	writeJSON(w, out)
}

func (h *Handlers) SessionsList(w http.ResponseWriter, _ *http.Request) {
	if h.Sessions == nil {
		writeJSON(w, []SessionInfo{})
		return
	}
	bindings := h.Sessions.ListBindings()
	out := make([]SessionInfo, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, SessionInfo{
			TransportID:      b.TransportID,
			BrowserSessionID: b.BrowserSessionID,
			CreatedAt:        b.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, out)
}

func (h *Handlers) DisconnectPeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if h.Table == nil || !h.Table.Disconnect(id) {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "id": id})
}

func (h *Handlers) ConfigGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	settings, err := config.LoadOrCreate(h.ConfigPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
