// Package toolsurface implements the fixed tool catalogue described in spec
// §4.9: each tool entry point validates its input, resolves the caller's
// automation session, and is translated into either a controller command, a
// routed page-agent operation, or a purely bridge-local inspection.
package toolsurface

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pagebridge/bridge/internal/automation"
	"github.com/pagebridge/bridge/internal/bridgeerr"
	"github.com/pagebridge/bridge/internal/capture"
	"github.com/pagebridge/bridge/internal/controller"
	"github.com/pagebridge/bridge/internal/pageagent"
	"github.com/pagebridge/bridge/internal/registry"
	"github.com/pagebridge/bridge/internal/wireframe"
)

const defaultPageOpTimeout = 30 * time.Second

// Adapter is the single entry point the HTTP front-end calls for every
// driver tool invocation.
type Adapter struct {
	sessions   *registry.Registry
	automation *automation.Registry
	capture    *capture.Store
	ctrl       controller.Issuer
	pages      pageagent.RequestIssuer
}

func New(sessions *registry.Registry, auto *automation.Registry, capt *capture.Store, ctrl controller.Issuer, pages pageagent.RequestIssuer) *Adapter {
	return &Adapter{sessions: sessions, automation: auto, capture: capt, ctrl: ctrl, pages: pages}
}

// Call dispatches one JSON-RPC method to its tool handler. The catalogue
// entries below are representative, not exhaustive: any method name not
// recognised is treated as an opaque page-agent operation, per spec §4.9's
// "the catalogue itself is not part of this core".
func (a *Adapter) Call(ctx context.Context, transportID, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "create_automation_session":
		return a.createAutomationSession(ctx, transportID, params)
	case "close_automation_session":
		return a.closeAutomationSession(ctx, transportID)
	case "get_automation_status":
		return a.getAutomationStatus(transportID)
	case "get_sessions":
		return a.ctrl.Issue(ctx, controller.GetSessions, struct{}{}, 0)
	case "open_new_tab":
		return a.openNewTab(ctx, transportID, params)
	case "get_tab_handles":
		return a.getTabHandles(ctx, transportID)
	case "switch_to_tab":
		return a.switchToTab(ctx, transportID, params)
	case "close_tab":
		return a.closeTab(ctx, transportID, params)
	case "take_screenshot":
		return a.takeScreenshot(ctx, transportID, params)
	case "navigate_to":
		return a.navigateTo(ctx, transportID, params)
	case "debug_attach":
		return a.debugAttach(ctx, transportID)
	case "debug_set_network_capture":
		return a.debugToggleCapture(ctx, transportID, controller.DebugSetNetworkCap, params)
	case "debug_set_console_capture":
		return a.debugToggleCapture(ctx, transportID, controller.DebugSetConsoleCap, params)
	case "debug_set_websocket_capture":
		return a.debugToggleCapture(ctx, transportID, controller.DebugSetWSCap, params)
	case "get_captured_logs":
		return a.getCapturedLogs(transportID, params)
	case "clear_captured_logs":
		return a.clearCapturedLogs(transportID)
	case "debug_evaluate":
		return a.debugEvaluate(ctx, transportID, params)
	case "debug_set_interception":
		return a.debugSetInterception(ctx, transportID, params)
	case "debug_perf_metrics":
		return a.debugPerfMetrics(ctx, transportID)
	default:
		return a.routedPageOp(ctx, transportID, method, params)
	}
}

func (a *Adapter) sessionOrError(transportID string) (string, error) {
	return a.sessions.SessionOrError(transportID)
}

type createSessionParams struct {
	URL string `json:"url"`
}

func (a *Adapter) createAutomationSession(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	var p createSessionParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "create_automation_session: "+err.Error())
		}
	}

	sessionID, err := a.sessions.NewBrowserSession(transportID)
	if err != nil {
		return nil, err
	}

	data, err := a.ctrl.Issue(ctx, controller.CreateSession, controller.CreateSessionPayload{SessionID: sessionID, URL: p.URL}, 0)
	if err != nil {
		return nil, err
	}
	var result controller.CreateSessionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "create_session_command: malformed controller result")
	}

	tabs := make([]automation.Tab, 0, len(result.Tabs))
	for _, t := range result.Tabs {
		tabs = append(tabs, automation.Tab{Handle: t.Handle, URL: t.URL, Title: t.Title})
	}
	a.automation.Put(automation.Session{
		ID:              sessionID,
		WindowHandle:    result.WindowHandle,
		ActiveTabHandle: result.ActiveTabHandle,
		Tabs:            tabs,
	})

	return json.Marshal(map[string]any{
		"sessionId":       sessionID,
		"windowHandle":    result.WindowHandle,
		"activeTabHandle": result.ActiveTabHandle,
		"tabs":            result.Tabs,
	})
}

func (a *Adapter) closeAutomationSession(ctx context.Context, transportID string) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	if _, err := a.ctrl.Issue(ctx, controller.CloseSession, controller.SessionIDPayload{SessionID: sessionID}, 0); err != nil {
		return nil, err
	}
	a.automation.Remove(sessionID)
	a.capture.Clear(sessionID)
	a.sessions.Drop(transportID)
	return json.Marshal(map[string]any{"closed": true})
}

func (a *Adapter) getAutomationStatus(transportID string) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	session, ok := a.automation.Get(sessionID)
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindSessionNotConnected, "automation session not known to this bridge")
	}
	return json.Marshal(session)
}

type openNewTabParams struct {
	URL      string `json:"url"`
	SwitchTo bool   `json:"switchTo"`
}

func (a *Adapter) openNewTab(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p openNewTabParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "open_new_tab: "+err.Error())
	}
	data, err := a.ctrl.Issue(ctx, controller.OpenNewTab, controller.OpenNewTabPayload{SessionID: sessionID, URL: p.URL, SwitchTo: p.SwitchTo}, 0)
	if err != nil {
		return nil, err
	}
	var tab controller.TabResult
	if json.Unmarshal(data, &tab) == nil && tab.Handle != "" {
		a.automation.AddTab(sessionID, automation.Tab{Handle: tab.Handle, URL: tab.URL, Title: tab.Title})
		if p.SwitchTo {
			a.automation.SetActiveTab(sessionID, tab.Handle)
		}
	}
	return data, nil
}

func (a *Adapter) getTabHandles(ctx context.Context, transportID string) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	return a.ctrl.Issue(ctx, controller.GetTabHandles, controller.SessionIDPayload{SessionID: sessionID}, 0)
}

type switchTabParams struct {
	TabHandle string `json:"tabHandle"`
}

func (a *Adapter) switchToTab(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p switchTabParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "switch_to_tab: "+err.Error())
	}
	data, err := a.ctrl.Issue(ctx, controller.SwitchToTab, controller.SwitchToTabPayload{SessionID: sessionID, TabHandle: p.TabHandle}, 0)
	if err != nil {
		return nil, err
	}
	a.automation.SetActiveTab(sessionID, p.TabHandle)
	return data, nil
}

func (a *Adapter) closeTab(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p switchTabParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "close_tab: "+err.Error())
	}
	if a.automation.TabCount(sessionID) <= 1 {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "cannot close the last tab; use close_automation_session instead")
	}
	data, err := a.ctrl.Issue(ctx, controller.CloseTab, controller.CloseTabPayload{SessionID: sessionID, TabHandle: p.TabHandle}, 0)
	if err != nil {
		return nil, err
	}
	a.automation.RemoveTab(sessionID, p.TabHandle)
	return data, nil
}

type screenshotParams struct {
	Format  string `json:"format"`
	Quality int    `json:"quality"`
}

func (a *Adapter) takeScreenshot(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p screenshotParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "take_screenshot: "+err.Error())
		}
	}
	if p.Format == "" {
		p.Format = "jpeg"
	}
	quality := controller.ClampQuality(p.Format, p.Quality)
	return a.ctrl.Issue(ctx, controller.TakeScreenshot, controller.TakeScreenshotPayload{SessionID: sessionID, Format: p.Format, Quality: quality}, 0)
}

type navigateParams struct {
	URL string `json:"url"`
}

// navigateTimeout is short: navigate_command returns immediately without
// waiting for page load (spec §4.6 table).
const navigateTimeout = 10 * time.Second

func (a *Adapter) navigateTo(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p navigateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "navigate_to: "+err.Error())
	}
	return a.ctrl.Issue(ctx, controller.Navigate, controller.NavigatePayload{SessionID: sessionID, URL: p.URL}, navigateTimeout)
}

// debugAttach issues debug_attach_command: the controller must attach its
// debugger to the session before any other debug sub-command is meaningful.
func (a *Adapter) debugAttach(ctx context.Context, transportID string) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	return a.ctrl.Issue(ctx, controller.DebugAttach, controller.SessionIDPayload{SessionID: sessionID}, 0)
}

type debugCaptureToggleParams struct {
	Enabled bool `json:"enabled"`
}

// debugToggleCapture backs the three debug_set_*_capture_command tools: the
// controller starts or stops pushing capture_entry events for that kind,
// which land in the capture store via the dispatcher.
func (a *Adapter) debugToggleCapture(ctx context.Context, transportID string, cmd controller.CommandType, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p debugCaptureToggleParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, string(cmd)+": "+err.Error())
	}
	return a.ctrl.Issue(ctx, cmd, controller.DebugCaptureTogglePayload{SessionID: sessionID, Enabled: p.Enabled}, 0)
}

type capturedLogsParams struct {
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// getCapturedLogs backs debug_get_logs_command: the bridge's capture store
// is the concrete backing store for paged log retrieval (spec §4.6), fed by
// capture_entry events while the matching capture toggle is enabled.
func (a *Adapter) getCapturedLogs(transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p capturedLogsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "get_captured_logs: "+err.Error())
	}
	entries := a.capture.Snapshot(sessionID, capture.Kind(p.Kind), p.Offset, p.Limit)
	return json.Marshal(entries)
}

// clearCapturedLogs backs debug_clear_logs_command, dropping the session's
// capture buffers locally rather than round-tripping to the controller.
func (a *Adapter) clearCapturedLogs(transportID string) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	a.capture.Clear(sessionID)
	return json.Marshal(map[string]any{"cleared": true})
}

type debugEvaluateParams struct {
	TabHandle  string `json:"tabHandle"`
	Expression string `json:"expression"`
}

func (a *Adapter) debugEvaluate(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p debugEvaluateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "debug_evaluate: "+err.Error())
	}
	return a.ctrl.Issue(ctx, controller.DebugEvaluate, controller.DebugEvaluatePayload{SessionID: sessionID, TabHandle: p.TabHandle, Expression: p.Expression}, 0)
}

type debugInterceptionParams struct {
	Enabled  bool     `json:"enabled"`
	Patterns []string `json:"patterns"`
}

func (a *Adapter) debugSetInterception(ctx context.Context, transportID string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	var p debugInterceptionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindPayloadInvalid, "debug_set_interception: "+err.Error())
	}
	return a.ctrl.Issue(ctx, controller.DebugSetInterception, controller.DebugInterceptionPayload{SessionID: sessionID, Enabled: p.Enabled, Patterns: p.Patterns}, 0)
}

// debugPerfMetrics backs debug_perf_metrics_command, a pure controller
// pass-through; metrics are not cached bridge-side.
func (a *Adapter) debugPerfMetrics(ctx context.Context, transportID string) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	return a.ctrl.Issue(ctx, controller.DebugPerfMetrics, controller.SessionIDPayload{SessionID: sessionID}, 0)
}

// routedPageOp treats any unrecognised method name as an opaque page-agent
// operation (spec §4.9's open-ended tool registry).
func (a *Adapter) routedPageOp(ctx context.Context, transportID, method string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := a.sessionOrError(transportID)
	if err != nil {
		return nil, err
	}
	return a.pages.Issue(ctx, sessionID, wireframe.Type(method), params, defaultPageOpTimeout)
}
