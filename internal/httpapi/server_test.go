package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pagebridge/bridge/internal/automation"
	"github.com/pagebridge/bridge/internal/capture"
	"github.com/pagebridge/bridge/internal/controller"
	"github.com/pagebridge/bridge/internal/registry"
	"github.com/pagebridge/bridge/internal/role"
	"github.com/pagebridge/bridge/internal/toolsurface"
	"github.com/pagebridge/bridge/internal/wireframe"
)

type fakeCtrlIssuer struct {
	result json.RawMessage
	err    error
}

func (f *fakeCtrlIssuer) Issue(context.Context, controller.CommandType, any, time.Duration) (json.RawMessage, error) {
	return f.result, f.err
}

type fakePageIssuer struct {
	result json.RawMessage
	err    error
}

func (f *fakePageIssuer) Issue(context.Context, string, wireframe.Type, json.RawMessage, time.Duration) (json.RawMessage, error) {
	return f.result, f.err
}

func newTestServer(token string) *Server {
	adapter := toolsurface.New(registry.New(), automation.New(), capture.NewStore(), &fakeCtrlIssuer{result: json.RawMessage(`{}`)}, &fakePageIssuer{result: json.RawMessage(`{}`)})
	return NewServer(adapter, func(string) {}, Options{MCPToken: token, RoleKind: role.Server, Instance: "bridge_1"})
}

func TestHandleHealthReportsRoleAndInstance(t *testing.T) {
	s := newTestServer("secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if body["role"] != "server" {
		t.Fatalf("role = %v, want server", body["role"])
	}
	if body["instanceId"] != "bridge_1" {
		t.Fatalf("instanceId = %v, want bridge_1", body["instanceId"])
	}
}

func TestHandleMessagesRequiresToken(t *testing.T) {
	s := newTestServer("secret")
	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=transport_1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleMessagesRequiresSessionID(t *testing.T) {
	s := newTestServer("secret")
	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleMessagesDispatchesToolCall(t *testing.T) {
	s := newTestServer("secret")
	s.hub.Register("transport_1")
	defer s.hub.Unregister("transport_1")

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"get_sessions","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=transport_1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
}

func TestHandleMessagesUnknownSessionIDIsNotFound(t *testing.T) {
	s := newTestServer("secret")
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"get_sessions","params":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=never_registered", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCORSPreflightReturnsNoContent(t *testing.T) {
	s := newTestServer("secret")
	req := httptest.NewRequest(http.MethodOptions, "/messages", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestPublishForwardsToHub(t *testing.T) {
	s := newTestServer("secret")
	st := s.hub.Register("transport_1")
	defer s.hub.Unregister("transport_1")

	s.Publish("transport_1", "dialog_opened", json.RawMessage(`{"sessionId":"s1"}`))

	select {
	case ev := <-st.out:
		if ev.Method != "dialog_opened" {
			t.Fatalf("Method = %q, want dialog_opened", ev.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the published event")
	}
}
