package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pagebridge/bridge/internal/dispatcher"
	"github.com/pagebridge/bridge/internal/httpx"
	"github.com/pagebridge/bridge/internal/idgen"
	"github.com/pagebridge/bridge/internal/obs"
	"github.com/pagebridge/bridge/internal/role"
	"github.com/pagebridge/bridge/internal/toolsurface"
)

// rpcRequest is the JSON-RPC 2.0 envelope POSTed to /messages.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server is the driver-facing HTTP/SSE front-end.
type Server struct {
	hub       *Hub
	tools     *toolsurface.Adapter
	mcpToken  string
	roleKind  role.Kind
	instance  string
	upstream  string
	startedAt time.Time
	log       *logrus.Entry
}

type Options struct {
	MCPToken  string
	RoleKind  role.Kind
	Instance  string
	Upstream  string // set only in peer-client role
	IdleGrace time.Duration
}

func NewServer(tools *toolsurface.Adapter, onExpire func(transportID string), opts Options) *Server {
	return &Server{
		hub:       NewHub(opts.IdleGrace, onExpire),
		tools:     tools,
		mcpToken:  opts.MCPToken,
		roleKind:  opts.RoleKind,
		instance:  opts.Instance,
		upstream:  opts.Upstream,
		startedAt: time.Now(),
		log:       obs.For("httpapi"),
	}
}

// Publish implements dispatcher.EventPublisher, delivering controller
// events (dialog_opened, window_closed, tab_added, active_tab_changed,
// navigation_completed) to the owning driver's stream.
func (s *Server) Publish(transportID string, method string, params json.RawMessage) {
	s.hub.Publish(transportID, method, params)
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(httpx.LogRequests)

	auth := httpx.RequireToken(s.mcpToken)
	r.Handle("/sse", auth(http.HandlerFunc(s.handleSSE))).Methods(http.MethodGet)
	r.Handle("/messages", auth(http.HandlerFunc(s.handleMessages))).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return withCORS(r)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-Auth-Token, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	transportID := idgen.SessionID()
	st := s.hub.Register(transportID)
	defer s.hub.Unregister(transportID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Transport-Id", transportID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-st.out:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	transportID := r.URL.Query().Get("sessionId")
	if transportID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	if !s.hub.Exists(transportID) {
		http.Error(w, "unknown sessionId", http.StatusNotFound)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON-RPC envelope", http.StatusBadRequest)
		return
	}

	result, toolErr := s.tools.Call(r.Context(), transportID, req.Method, req.Params)

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if toolErr != nil {
		resp.Error = &rpcError{Code: -32000, Message: "Error: " + toolErr.Error()}
	} else {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"role":       s.roleKind.String(),
		"instanceId": s.instance,
		"uptime":     time.Since(s.startedAt).String(),
		"streams":    s.hub.count(),
	}
	if s.roleKind == role.PeerClient {
		body["upstream"] = s.upstream
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

var _ dispatcher.EventPublisher = (*Server)(nil)
