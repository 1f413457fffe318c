package toolsurface

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pagebridge/bridge/internal/automation"
	"github.com/pagebridge/bridge/internal/capture"
	"github.com/pagebridge/bridge/internal/controller"
	"github.com/pagebridge/bridge/internal/registry"
	"github.com/pagebridge/bridge/internal/wireframe"
)

type fakeCtrlIssuer struct {
	lastCmd     controller.CommandType
	lastPayload any
	result      json.RawMessage
	err         error
}

func (f *fakeCtrlIssuer) Issue(_ context.Context, cmd controller.CommandType, payload any, _ time.Duration) (json.RawMessage, error) {
	f.lastCmd = cmd
	f.lastPayload = payload
	return f.result, f.err
}

type fakePageIssuer struct {
	lastSessionID string
	lastOpType    wireframe.Type
	result        json.RawMessage
	err           error
}

func (f *fakePageIssuer) Issue(_ context.Context, sessionID string, opType wireframe.Type, _ json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	f.lastSessionID = sessionID
	f.lastOpType = opType
	return f.result, f.err
}

func newTestAdapter() (*Adapter, *fakeCtrlIssuer, *fakePageIssuer, *registry.Registry) {
	sessions := registry.New()
	auto := automation.New()
	capt := capture.NewStore()
	ctrl := &fakeCtrlIssuer{}
	pages := &fakePageIssuer{}
	return New(sessions, auto, capt, ctrl, pages), ctrl, pages, sessions
}

func TestCreateAutomationSessionBindsTransportAndStoresSession(t *testing.T) {
	a, ctrl, _, sessions := newTestAdapter()
	ctrl.result, _ = json.Marshal(controller.CreateSessionResult{
		WindowHandle:    "win_1",
		ActiveTabHandle: "tab_1",
		Tabs:            []controller.TabResult{{Handle: "tab_1", URL: "about:blank"}},
	})

	out, err := a.Call(context.Background(), "transport_1", "create_automation_session", json.RawMessage(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.lastCmd != controller.CreateSession {
		t.Fatalf("lastCmd = %v, want CreateSession", ctrl.lastCmd)
	}

	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	sessionID, _ := result["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("expected a non-empty sessionId in the result")
	}

	bound, err := sessions.SessionOrError("transport_1")
	if err != nil {
		t.Fatalf("expected transport to be bound to a session: %v", err)
	}
	if bound != sessionID {
		t.Fatalf("bound session = %q, want %q", bound, sessionID)
	}
}

func TestGetAutomationStatusWithoutSessionErrors(t *testing.T) {
	a, _, _, _ := newTestAdapter()
	if _, err := a.Call(context.Background(), "transport_new", "get_automation_status", nil); err == nil {
		t.Fatal("expected an error when no session is bound to the transport")
	}
}

func TestCloseTabRejectsClosingTheLastTab(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter()
	ctrl.result, _ = json.Marshal(controller.CreateSessionResult{
		WindowHandle:    "win_1",
		ActiveTabHandle: "tab_1",
		Tabs:            []controller.TabResult{{Handle: "tab_1", URL: "about:blank"}},
	})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	_, err := a.Call(context.Background(), "transport_1", "close_tab", json.RawMessage(`{"tabHandle":"tab_1"}`))
	if err == nil {
		t.Fatal("expected an error closing the only remaining tab")
	}
}

func TestTakeScreenshotClampsQualityBeforeIssuing(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter()
	ctrl.result, _ = json.Marshal(controller.CreateSessionResult{
		WindowHandle:    "win_1",
		ActiveTabHandle: "tab_1",
		Tabs:            []controller.TabResult{{Handle: "tab_1"}},
	})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	ctrl.result = json.RawMessage(`{}`)
	if _, err := a.Call(context.Background(), "transport_1", "take_screenshot", json.RawMessage(`{"format":"jpeg","quality":500}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, ok := ctrl.lastPayload.(controller.TakeScreenshotPayload)
	if !ok {
		t.Fatalf("lastPayload type = %T, want controller.TakeScreenshotPayload", ctrl.lastPayload)
	}
	if payload.Quality != 100 {
		t.Fatalf("Quality = %d, want clamped to 100", payload.Quality)
	}
}

func TestUnrecognisedMethodRoutesToPageAgent(t *testing.T) {
	adapter, ctrl, pages, _ := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	pages.result = json.RawMessage(`{"clicked":true}`)

	if _, err := adapter.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	out, err := adapter.Call(context.Background(), "transport_1", "click", json.RawMessage(`{"selector":"#go"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pages.lastOpType != wireframe.Type("click") {
		t.Fatalf("lastOpType = %q, want click", pages.lastOpType)
	}
	if string(out) != `{"clicked":true}` {
		t.Fatalf("out = %s, want {\"clicked\":true}", out)
	}
}

func TestDebugAttachIssuesControllerCommand(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	ctrl.result = json.RawMessage(`{}`)
	if _, err := a.Call(context.Background(), "transport_1", "debug_attach", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.lastCmd != controller.DebugAttach {
		t.Fatalf("lastCmd = %v, want DebugAttach", ctrl.lastCmd)
	}
}

func TestDebugSetNetworkCaptureTogglesViaController(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	ctrl.result = json.RawMessage(`{}`)
	if _, err := a.Call(context.Background(), "transport_1", "debug_set_network_capture", json.RawMessage(`{"enabled":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.lastCmd != controller.DebugSetNetworkCap {
		t.Fatalf("lastCmd = %v, want DebugSetNetworkCap", ctrl.lastCmd)
	}
	payload, ok := ctrl.lastPayload.(controller.DebugCaptureTogglePayload)
	if !ok || !payload.Enabled {
		t.Fatalf("lastPayload = %+v, want Enabled=true", ctrl.lastPayload)
	}
}

func TestGetCapturedLogsReadsEntriesAppendedByDispatcher(t *testing.T) {
	a, ctrl, _, sessions := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}
	sessionID, err := sessions.SessionOrError("transport_1")
	if err != nil {
		t.Fatalf("unexpected error resolving session: %v", err)
	}

	a.capture.Append(sessionID, capture.KindConsole, capture.Entry{Payload: map[string]any{"text": "hello"}})

	out, err := a.Call(context.Background(), "transport_1", "get_captured_logs", json.RawMessage(`{"kind":"console"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entries []capture.Entry
	if err := json.Unmarshal(out, &entries); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}

func TestClearCapturedLogsDropsTheStore(t *testing.T) {
	a, ctrl, _, sessions := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}
	sessionID, err := sessions.SessionOrError("transport_1")
	if err != nil {
		t.Fatalf("unexpected error resolving session: %v", err)
	}
	a.capture.Append(sessionID, capture.KindConsole, capture.Entry{Payload: map[string]any{"text": "hello"}})

	if _, err := a.Call(context.Background(), "transport_1", "clear_captured_logs", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries := a.capture.Snapshot(sessionID, capture.KindConsole, 0, 0); len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0 after clear_captured_logs", len(entries))
	}
}

func TestDebugEvaluateIssuesControllerCommandWithExpression(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	ctrl.result = json.RawMessage(`{"value":42}`)
	out, err := a.Call(context.Background(), "transport_1", "debug_evaluate", json.RawMessage(`{"expression":"1+1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.lastCmd != controller.DebugEvaluate {
		t.Fatalf("lastCmd = %v, want DebugEvaluate", ctrl.lastCmd)
	}
	payload, ok := ctrl.lastPayload.(controller.DebugEvaluatePayload)
	if !ok || payload.Expression != "1+1" {
		t.Fatalf("lastPayload = %+v, want Expression=1+1", ctrl.lastPayload)
	}
	if string(out) != `{"value":42}` {
		t.Fatalf("out = %s, want {\"value\":42}", out)
	}
}

func TestDebugSetInterceptionForwardsPatterns(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	ctrl.result = json.RawMessage(`{}`)
	if _, err := a.Call(context.Background(), "transport_1", "debug_set_interception", json.RawMessage(`{"enabled":true,"patterns":["*.png"]}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, ok := ctrl.lastPayload.(controller.DebugInterceptionPayload)
	if !ok || len(payload.Patterns) != 1 || payload.Patterns[0] != "*.png" {
		t.Fatalf("lastPayload = %+v, want Patterns=[*.png]", ctrl.lastPayload)
	}
}

func TestDebugPerfMetricsIssuesControllerCommand(t *testing.T) {
	a, ctrl, _, _ := newTestAdapter()
	ctrl.result = mustMarshal(controller.CreateSessionResult{Tabs: []controller.TabResult{{Handle: "tab_1"}}})
	if _, err := a.Call(context.Background(), "transport_1", "create_automation_session", nil); err != nil {
		t.Fatalf("unexpected error creating session: %v", err)
	}

	ctrl.result = json.RawMessage(`{}`)
	if _, err := a.Call(context.Background(), "transport_1", "debug_perf_metrics", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.lastCmd != controller.DebugPerfMetrics {
		t.Fatalf("lastCmd = %v, want DebugPerfMetrics", ctrl.lastCmd)
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
