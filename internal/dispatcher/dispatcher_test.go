package dispatcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pagebridge/bridge/internal/automation"
	"github.com/pagebridge/bridge/internal/capture"
	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/wireframe"
)

type fakeConn struct {
	sent   []wireframe.Frame
	closed bool
	accept bool
}

func newFakeConn() *fakeConn { return &fakeConn{accept: true} }

func (f *fakeConn) Send(raw []byte) bool {
	if !f.accept {
		return false
	}
	frame, _ := wireframe.Unmarshal(raw)
	f.sent = append(f.sent, frame)
	return true
}

func (f *fakeConn) Close() { f.closed = true }

type fakePublisher struct {
	transportID string
	method      string
	params      json.RawMessage
	calls       int
}

func (p *fakePublisher) Publish(transportID, method string, params json.RawMessage) {
	p.transportID = transportID
	p.method = method
	p.params = params
	p.calls++
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	d := New(pub, "bridge_self", correlator.Options{GlobalCap: 5 * time.Second})
	t.Cleanup(func() { d.Corr.Stop() })
	return d, pub
}

func TestControllerRegistrationTriggersStatusBroadcast(t *testing.T) {
	d, _ := newTestDispatcher(t)

	// A connected peer-bridge should receive a background_status broadcast
	// once a controller registers.
	bridgeConn := newFakeConn()
	d.route("peer-bridge-1", bridgeConn, wireframe.Frame{Type: wireframe.TypeMCPClientReady, MCPInstanceID: "bridge_remote"})

	ctrlConn := newFakeConn()
	d.route("controller-1", ctrlConn, wireframe.Frame{Type: wireframe.TypeBackgroundReady})

	if _, ok := d.Table.Controller(); !ok {
		t.Fatalf("expected controller to be registered")
	}

	found := false
	for _, f := range bridgeConn.sent {
		if f.Type == wireframe.TypeBackgroundStatus {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected peer-bridge to receive a background_status broadcast, got %+v", bridgeConn.sent)
	}
}

func TestPeerBridgeRegistrationSendsAck(t *testing.T) {
	d, _ := newTestDispatcher(t)
	conn := newFakeConn()
	d.route("peer-bridge-1", conn, wireframe.Frame{Type: wireframe.TypeMCPClientReady, MCPInstanceID: "bridge_remote"})

	if len(conn.sent) != 1 || conn.sent[0].Type != wireframe.TypeMCPClientRegistered {
		t.Fatalf("expected a single mcp_client_registered ack, got %+v", conn.sent)
	}
}

func TestReplacedControllerReceivesGracefulClose(t *testing.T) {
	d, _ := newTestDispatcher(t)
	first := newFakeConn()
	second := newFakeConn()

	d.route("controller-1", first, wireframe.Frame{Type: wireframe.TypeBackgroundReady})
	d.route("controller-2", second, wireframe.Frame{Type: wireframe.TypeBackgroundReady})

	if !first.closed {
		t.Fatalf("expected the replaced controller connection to be closed")
	}
	current, ok := d.Table.Controller()
	if !ok || current.ID != "controller-2" {
		t.Fatalf("expected controller-2 to be the current controller, got %+v ok=%v", current, ok)
	}
}

func TestResponseFrameResolvesPendingRequest(t *testing.T) {
	d, _ := newTestDispatcher(t)
	requestID, done := d.Corr.Issue("session_a", false, 0)

	conn := newFakeConn()
	d.route("some-conn", conn, wireframe.Frame{Type: wireframe.TypeResponse, RequestID: requestID, Success: wireframe.Bool(true)})

	select {
	case frame := <-done:
		if !frame.Ok() {
			t.Fatalf("expected a successful resolved frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the response frame to resolve the pending request")
	}
}

func TestDialogOpenedRoutesBySessionOwnership(t *testing.T) {
	d, pub := newTestDispatcher(t)
	sessionID, err := d.Sessions.NewBrowserSession("transport-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.route("page-agent-1", newFakeConn(), wireframe.Frame{
		Type:      wireframe.TypeDialogOpened,
		SessionID: sessionID,
		Data:      json.RawMessage(`{"message":"confirm?"}`),
	})

	if pub.calls != 1 || pub.transportID != "transport-1" {
		t.Fatalf("expected dialog_opened published to transport-1, got calls=%d transportID=%q", pub.calls, pub.transportID)
	}
}

func TestDialogOpenedForUnownedSessionIsDropped(t *testing.T) {
	d, pub := newTestDispatcher(t)
	d.route("page-agent-1", newFakeConn(), wireframe.Frame{Type: wireframe.TypeDialogOpened, SessionID: "session_unknown"})
	if pub.calls != 0 {
		t.Fatalf("expected no publish for an unowned session, got %d calls", pub.calls)
	}
}

func TestWindowClosedTearsDownTheAutomationSessionAndNotifiesTheDriver(t *testing.T) {
	d, pub := newTestDispatcher(t)
	sessionID, err := d.Sessions.NewBrowserSession("transport-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Automation.Put(automation.Session{ID: sessionID, Tabs: []automation.Tab{{Handle: "tab_1"}}})

	d.route("controller-1", newFakeConn(), wireframe.Frame{
		Type: wireframe.TypeWindowClosed,
		Data: json.RawMessage(`{"sessionId":"` + sessionID + `"}`),
	})

	if _, ok := d.Automation.Get(sessionID); ok {
		t.Fatalf("expected the automation session to be removed")
	}
	if _, err := d.Sessions.SessionOrError("transport-1"); err == nil {
		t.Fatalf("expected the transport binding to be dropped")
	}
	if pub.calls != 1 || pub.transportID != "transport-1" || pub.method != string(wireframe.TypeWindowClosed) {
		t.Fatalf("expected window_closed published to transport-1, got calls=%d transportID=%q method=%q", pub.calls, pub.transportID, pub.method)
	}
}

func TestTabAddedUpdatesAutomationRegistryAndForwards(t *testing.T) {
	d, pub := newTestDispatcher(t)
	sessionID, err := d.Sessions.NewBrowserSession("transport-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Automation.Put(automation.Session{ID: sessionID})

	d.route("controller-1", newFakeConn(), wireframe.Frame{
		Type: wireframe.TypeTabAdded,
		Data: json.RawMessage(`{"sessionId":"` + sessionID + `","tab":{"handle":"tab_2","url":"https://example.com"}}`),
	})

	if d.Automation.TabCount(sessionID) != 1 {
		t.Fatalf("expected the new tab to be recorded, got %d tabs", d.Automation.TabCount(sessionID))
	}
	if pub.calls != 1 || pub.method != string(wireframe.TypeTabAdded) {
		t.Fatalf("expected tab_added forwarded to the owning driver, got calls=%d method=%q", pub.calls, pub.method)
	}
}

func TestCaptureEntryAppendsToTheStoreWithoutNotifyingTheDriver(t *testing.T) {
	d, pub := newTestDispatcher(t)
	sessionID, err := d.Sessions.NewBrowserSession("transport-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.route("controller-1", newFakeConn(), wireframe.Frame{
		Type: wireframe.TypeCaptureEntry,
		Data: json.RawMessage(`{"sessionId":"` + sessionID + `","kind":"console","payload":{"text":"hi"}}`),
	})

	entries := d.Capture.Snapshot(sessionID, capture.KindConsole, 0, 0)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if pub.calls != 0 {
		t.Fatalf("expected capture_entry not to be forwarded to the driver, got %d calls", pub.calls)
	}
}

func TestHandlePeerBridgeCommandWithoutControllerRepliesError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	bridgeConn := newFakeConn()
	d.route("peer-bridge-1", bridgeConn, wireframe.Frame{Type: wireframe.TypeMCPClientReady, MCPInstanceID: "bridge_remote"})
	bridgeConn.sent = nil // clear the registration ack

	d.route("peer-bridge-1", bridgeConn, wireframe.Frame{Type: wireframe.Type("tab_command"), RequestID: "req_1_1", SessionID: "session_a"})

	if len(bridgeConn.sent) != 1 || bridgeConn.sent[0].Ok() {
		t.Fatalf("expected a failure response when no controller is connected, got %+v", bridgeConn.sent)
	}
}

func TestPageAgentDisconnectRejectsItsPendingRequests(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.route("page-agent-1", newFakeConn(), wireframe.Frame{Type: wireframe.TypeBrowserReady, SessionID: "session_a"})

	_, done := d.Corr.Issue("session_a", false, 0)
	d.handleDisconnect("page-agent-1")

	select {
	case frame := <-done:
		if frame.Ok() {
			t.Fatalf("expected the pending request to be rejected on page-agent disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection on disconnect")
	}
}
