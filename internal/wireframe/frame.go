// Package wireframe defines the peer-facing WebSocket wire format (spec §6):
// one JSON object type shared by controller, page-agent, and peer-bridge
// connections, discriminated by Type.
package wireframe

import "encoding/json"

type Type string

const (
	// Registration.
	TypeBackgroundReady     Type = "background_ready"
	TypeBrowserReady        Type = "browser_ready"
	TypeMCPClientReady      Type = "mcp_client_ready"
	TypeMCPClientRegistered Type = "mcp_client_registered"
	TypeBackgroundStatus    Type = "background_status"

	// Request/response envelope.
	TypeResponse Type = "response"

	// Routing.
	TypeRouteToSession Type = "route_to_session"

	// Health.
	TypeHealthCheck Type = "health_check"
	TypePing        Type = "ping"
	TypePong        Type = "pong"

	// Events.
	TypeDialogOpened       Type = "dialog_opened"
	TypeWindowClosed       Type = "window_closed"
	TypeTabAdded           Type = "tab_added"
	TypeActiveTabChanged   Type = "active_tab_changed"
	TypeNavigationComplete Type = "navigation_completed"
	TypeCaptureEntry       Type = "capture_entry"
)

// BackgroundSentinel is the fixed logical session id for controller-addressed commands.
const BackgroundSentinel = "__background__"

// Frame is the single wire envelope shared by every peer connection.
type Frame struct {
	Type          Type            `json:"type"`
	RequestID     string          `json:"requestId,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	MCPInstanceID string          `json:"mcpInstanceId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// IsCommand reports whether this frame addresses the controller.
func (f Frame) IsCommand() bool {
	n := len(f.Type)
	return n > len("_command") && string(f.Type[n-len("_command"):]) == "_command"
}

// Ok reports the frame's success flag. When the flag is absent
// (registration/event frames never set it), Ok is true unless Error is set.
func (f Frame) Ok() bool {
	if f.Success == nil {
		return f.Error == ""
	}
	return *f.Success
}

// Marshal encodes the frame as the newline-free JSON text sent on the wire.
func Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal decodes one inbound wire message.
func Unmarshal(raw []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(raw, &f)
	return f, err
}

// Bool is a small helper for building Frame.Success literals.
func Bool(v bool) *bool { return &v }

// RouteToSessionData is the Data payload carried by a route_to_session frame;
// OriginalType is preserved verbatim per spec §6.
type RouteToSessionData struct {
	OriginalType Type            `json:"originalType"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
