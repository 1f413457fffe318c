// Package controller defines the commands the single background controller
// exposes (spec §4.6): session/tab/window lifecycle, screenshots, and the
// debug sub-commands, plus the events it emits spontaneously.
package controller

import (
	"encoding/json"
	"fmt"

	"github.com/pagebridge/bridge/internal/wireframe"
)

// CommandType enumerates every `*_command` type addressed to the controller.
type CommandType string

const (
	CreateSession  CommandType = "create_session_command"
	CloseSession   CommandType = "close_session_command"
	GetSessions    CommandType = "get_sessions_command"
	OpenNewTab     CommandType = "open_new_tab_command"
	GetTabHandles  CommandType = "get_tab_handles_command"
	SwitchToTab    CommandType = "switch_to_tab_command"
	CloseTab       CommandType = "close_tab_command"
	TakeScreenshot CommandType = "take_screenshot_command"
	Navigate       CommandType = "navigate_command"

	// Debug sub-commands.
	DebugAttach          CommandType = "debug_attach_command"
	DebugSetNetworkCap   CommandType = "debug_set_network_capture_command"
	DebugSetConsoleCap   CommandType = "debug_set_console_capture_command"
	DebugSetWSCap        CommandType = "debug_set_websocket_capture_command"
	DebugGetLogs         CommandType = "debug_get_logs_command"
	DebugClearLogs       CommandType = "debug_clear_logs_command"
	DebugEvaluate        CommandType = "debug_evaluate_command"
	DebugSetInterception CommandType = "debug_set_interception_command"
	DebugPerfMetrics     CommandType = "debug_perf_metrics_command"
)

// EventType enumerates spontaneous controller events.
type EventType string

const (
	EventWindowClosed       EventType = "window_closed"
	EventTabAdded           EventType = "tab_added"
	EventActiveTabChanged   EventType = "active_tab_changed"
	EventNavigationComplete EventType = "navigation_completed"
	EventDialogOpened       EventType = EventType(wireframe.TypeDialogOpened)
	EventCaptureEntry       EventType = EventType(wireframe.TypeCaptureEntry)
)

type CreateSessionPayload struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type CreateSessionResult struct {
	WindowHandle    string      `json:"windowHandle"`
	ActiveTabHandle string      `json:"activeTabHandle"`
	Tabs            []TabResult `json:"tabs"`
	Reused          bool        `json:"reused,omitempty"`
}

type TabResult struct {
	Handle string `json:"handle"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type OpenNewTabPayload struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	SwitchTo  bool   `json:"switchTo,omitempty"`
}

type SwitchToTabPayload struct {
	SessionID string `json:"sessionId"`
	TabHandle string `json:"tabHandle"`
}

type CloseTabPayload struct {
	SessionID string `json:"sessionId"`
	TabHandle string `json:"tabHandle"`
}

type TakeScreenshotPayload struct {
	SessionID string `json:"sessionId"`
	Format    string `json:"format,omitempty"`
	Quality   int    `json:"quality,omitempty"`
}

type ScreenshotResult struct {
	Format string `json:"format"`
	Data   string `json:"data"` // base64
}

type NavigatePayload struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// ClampQuality enforces the [1,100] JPEG quality invariant (spec §8); PNG
// ignores quality entirely.
func ClampQuality(format string, quality int) int {
	if format == "png" {
		return 0
	}
	if quality < 1 {
		return 1
	}
	if quality > 100 {
		return 100
	}
	return quality
}

// BuildCommand wraps a typed payload into the wire frame a command of the
// given type requires, always addressed to the background sentinel.
func BuildCommand(cmd CommandType, requestID, mcpInstanceID string, payload any) (wireframe.Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return wireframe.Frame{}, fmt.Errorf("marshal %s payload: %w", cmd, err)
	}
	return wireframe.Frame{
		Type:          wireframe.Type(cmd),
		RequestID:     requestID,
		SessionID:     wireframe.BackgroundSentinel,
		MCPInstanceID: mcpInstanceID,
		Data:          raw,
	}, nil
}

// WindowClosedEvent is the payload of a window_closed event: the automation
// session to drop.
type WindowClosedEvent struct {
	SessionID string `json:"sessionId"`
}

// TabAddedEvent is the payload of a tab_added event.
type TabAddedEvent struct {
	SessionID string    `json:"sessionId"`
	Tab       TabResult `json:"tab"`
}

// ActiveTabChangedEvent is the payload of an active_tab_changed event.
type ActiveTabChangedEvent struct {
	SessionID string `json:"sessionId"`
	TabHandle string `json:"tabHandle"`
}

// NavigationCompletedEvent is the payload of a navigation_completed event.
type NavigationCompletedEvent struct {
	SessionID string `json:"sessionId"`
	TabHandle string `json:"tabHandle"`
	URL       string `json:"url"`
}

// DialogOpenedEvent is the payload forwarded verbatim to the driver owning
// SessionID (spec §4.4 rule 4).
type DialogOpenedEvent struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// CaptureEntryEvent is one network/console/websocket-frame log line pushed
// by the controller while the matching debug_set_*_capture_command is
// enabled for SessionID (spec §4.6 debug sub-commands). Unlike the other
// spontaneous events it is not forwarded to the owning driver; the bridge
// appends it to its capture ring buffers for later retrieval.
type CaptureEntryEvent struct {
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	ID        string         `json:"id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// DebugCaptureTogglePayload enables or disables one of the three capture
// kinds for a session.
type DebugCaptureTogglePayload struct {
	SessionID string `json:"sessionId"`
	Enabled   bool   `json:"enabled"`
}

// DebugEvaluatePayload requests expression evaluation in a tab's JavaScript
// context; TabHandle empty means the session's active tab.
type DebugEvaluatePayload struct {
	SessionID  string `json:"sessionId"`
	TabHandle  string `json:"tabHandle,omitempty"`
	Expression string `json:"expression"`
}

// DebugInterceptionPayload toggles request interception, optionally scoped
// to a set of URL patterns.
type DebugInterceptionPayload struct {
	SessionID string   `json:"sessionId"`
	Enabled   bool     `json:"enabled"`
	Patterns  []string `json:"patterns,omitempty"`
}
