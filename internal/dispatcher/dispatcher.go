// Package dispatcher implements the bridge's central routing decision tree
// (spec §4.4): for every inbound frame, resolve a pending future, forward
// to another peer, or hand off to a local handler, in a fixed priority
// order.
package dispatcher

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/pagebridge/bridge/internal/automation"
	"github.com/pagebridge/bridge/internal/bridgeerr"
	"github.com/pagebridge/bridge/internal/capture"
	"github.com/pagebridge/bridge/internal/controller"
	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/metrics"
	"github.com/pagebridge/bridge/internal/obs"
	"github.com/pagebridge/bridge/internal/peertable"
	"github.com/pagebridge/bridge/internal/registry"
	"github.com/pagebridge/bridge/internal/wireframe"
)

// EventPublisher delivers an asynchronous event to the SSE stream owned by
// transportID (spec §4.8).
type EventPublisher interface {
	Publish(transportID string, method string, params json.RawMessage)
}

// Dispatcher wires together the peer table, request correlator, session
// registry, and automation-session cache behind the single routing
// decision tree every inbound frame passes through.
type Dispatcher struct {
	Table      *peertable.Table
	Corr       *correlator.Correlator
	Sessions   *registry.Registry
	Automation *automation.Registry
	Capture    *capture.Store

	events         EventPublisher
	selfInstanceID string
	log            *logrus.Entry
}

// New builds a Dispatcher and its owned Correlator, wiring the correlator's
// relay hook back to this dispatcher's peer table.
func New(events EventPublisher, selfInstanceID string, corrOpts correlator.Options) *Dispatcher {
	d := &Dispatcher{
		Table:          peertable.NewTable(),
		Sessions:       registry.New(),
		Automation:     automation.New(),
		Capture:        capture.NewStore(),
		events:         events,
		selfInstanceID: selfInstanceID,
		log:            obs.For("dispatcher"),
	}
	d.Corr = correlator.New(corrOpts, d.relayToPeerBridge)
	return d
}

// connHandler adapts one wsconn.Conn's lifecycle to the dispatcher.
type connHandler struct {
	d      *Dispatcher
	connID string
	conn   peertable.Sender
}

// NewHandler returns the wsconn.Handler for a freshly accepted connection,
// identified by connID before its role is known.
func (d *Dispatcher) NewHandler(connID string, conn peertable.Sender) *connHandler {
	return &connHandler{d: d, connID: connID, conn: conn}
}

func (h *connHandler) OnMessage(raw []byte) {
	frame, err := wireframe.Unmarshal(raw)
	if err != nil {
		h.d.log.WithError(err).Warn("dropping malformed frame")
		return
	}
	h.d.route(h.connID, h.conn, frame)
}

func (h *connHandler) OnDisconnect() {
	h.d.handleDisconnect(h.connID)
}

// route implements the spec §4.4 priority decision tree.
func (d *Dispatcher) route(connID string, conn peertable.Sender, frame wireframe.Frame) {
	switch frame.Type {
	case wireframe.TypeBackgroundReady, wireframe.TypeBrowserReady, wireframe.TypeMCPClientReady:
		d.handleRegistration(connID, conn, frame)
		return
	case wireframe.TypeResponse:
		d.Corr.Resolve(frame)
		return
	case wireframe.TypeHealthCheck:
		d.handleHealthCheck(connID, frame)
		return
	case wireframe.TypeDialogOpened:
		d.handleDialogOpened(frame)
		return
	case wireframe.TypeWindowClosed:
		d.handleWindowClosed(frame)
		return
	case wireframe.TypeTabAdded:
		d.handleTabAdded(frame)
		return
	case wireframe.TypeActiveTabChanged:
		d.handleActiveTabChanged(frame)
		return
	case wireframe.TypeNavigationComplete:
		d.handleNavigationCompleted(frame)
		return
	case wireframe.TypeCaptureEntry:
		d.handleCaptureEntry(frame)
		return
	case wireframe.TypeRouteToSession:
		d.handleRouteToSession(frame)
		return
	}

	if frame.IsCommand() {
		d.handlePeerBridgeCommand(connID, frame)
		return
	}

	d.log.WithField("type", frame.Type).Debug("unhandled frame; discarding")
}

func (d *Dispatcher) handleRegistration(connID string, conn peertable.Sender, frame wireframe.Frame) {
	var role peertable.Role
	switch frame.Type {
	case wireframe.TypeBackgroundReady:
		role = peertable.Role{Kind: peertable.RoleController}
	case wireframe.TypeBrowserReady:
		role = peertable.Role{Kind: peertable.RolePageAgent, SessionID: frame.SessionID}
	case wireframe.TypeMCPClientReady:
		role = peertable.Role{Kind: peertable.RolePeerBridge, InstanceID: frame.MCPInstanceID}
	}

	replaced := d.Table.Register(connID, conn, role)
	if replaced != nil {
		// Best-effort graceful close: Close sends a WebSocket close frame
		// before dropping the replaced peer's socket.
		replaced.Conn.Close()
	}

	if meta, ok := peerMetadata(frame); ok {
		if p, found := d.Table.Get(connID); found {
			p.SetMetadata(meta.URL, meta.Title)
		}
	}

	if role.Kind == peertable.RolePeerBridge {
		ack := wireframe.Frame{Type: wireframe.TypeMCPClientRegistered, SessionID: wireframe.BackgroundSentinel}
		if raw, err := wireframe.Marshal(ack); err == nil {
			conn.Send(raw)
		}
	}

	d.syncPeerMetrics()
	if role.Kind == peertable.RoleController {
		d.broadcastBackgroundStatus()
	}
}

type peerMeta struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func peerMetadata(frame wireframe.Frame) (peerMeta, bool) {
	if len(frame.Data) == 0 {
		return peerMeta{}, false
	}
	var m peerMeta
	if err := json.Unmarshal(frame.Data, &m); err != nil {
		return peerMeta{}, false
	}
	return m, true
}

func (d *Dispatcher) handleHealthCheck(connID string, frame wireframe.Frame) {
	peer, ok := d.Table.Get(connID)
	if !ok {
		return
	}
	peer.Touch()
	if meta, ok := peerMetadata(frame); ok {
		peer.SetMetadata(meta.URL, meta.Title)
	}
}

func (d *Dispatcher) handleDialogOpened(frame wireframe.Frame) {
	transportID, ok := d.Sessions.TransportForSession(frame.SessionID)
	if !ok {
		d.log.WithField("session", frame.SessionID).Debug("dialog_opened for unowned session")
		return
	}
	d.events.Publish(transportID, string(frame.Type), frame.Data)
}

// handleWindowClosed tears down an AutomationSession the controller reports
// as destroyed by window closure (spec §3 data model), mirroring
// toolsurface.closeAutomationSession's explicit-close teardown, then
// notifies the owning driver.
func (d *Dispatcher) handleWindowClosed(frame wireframe.Frame) {
	var ev controller.WindowClosedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		d.log.WithError(err).Warn("malformed window_closed event")
		return
	}
	d.Automation.Remove(ev.SessionID)
	d.Capture.Clear(ev.SessionID)

	transportID, ok := d.Sessions.TransportForSession(ev.SessionID)
	if !ok {
		d.log.WithField("session", ev.SessionID).Debug("window_closed for unowned session")
		return
	}
	d.Sessions.Drop(transportID)
	d.Corr.RejectSession(ev.SessionID, "controller")
	d.events.Publish(transportID, string(frame.Type), frame.Data)
}

// handleTabAdded mirrors a controller-opened tab into the automation
// registry and forwards the event to the owning driver (spec §4.6).
func (d *Dispatcher) handleTabAdded(frame wireframe.Frame) {
	var ev controller.TabAddedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		d.log.WithError(err).Warn("malformed tab_added event")
		return
	}
	d.Automation.AddTab(ev.SessionID, automation.Tab{Handle: ev.Tab.Handle, URL: ev.Tab.URL, Title: ev.Tab.Title})
	d.forwardControllerEvent(ev.SessionID, frame)
}

// handleActiveTabChanged mirrors a controller-driven tab switch into the
// automation registry and forwards the event to the owning driver.
func (d *Dispatcher) handleActiveTabChanged(frame wireframe.Frame) {
	var ev controller.ActiveTabChangedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		d.log.WithError(err).Warn("malformed active_tab_changed event")
		return
	}
	d.Automation.SetActiveTab(ev.SessionID, ev.TabHandle)
	d.forwardControllerEvent(ev.SessionID, frame)
}

// handleNavigationCompleted mirrors a completed navigation's URL into the
// automation registry and forwards the event to the owning driver (spec
// §2 "Background controller events... propagate to the driver owning that
// session").
func (d *Dispatcher) handleNavigationCompleted(frame wireframe.Frame) {
	var ev controller.NavigationCompletedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		d.log.WithError(err).Warn("malformed navigation_completed event")
		return
	}
	d.Automation.SetTabURL(ev.SessionID, ev.TabHandle, ev.URL)
	d.forwardControllerEvent(ev.SessionID, frame)
}

// handleCaptureEntry appends a controller-pushed network/console/websocket
// log line to the capture ring buffer backing debug_get_logs_command and
// get_captured_logs (spec §4.6). Not forwarded to the driver: entries are
// pulled on demand, not streamed.
func (d *Dispatcher) handleCaptureEntry(frame wireframe.Frame) {
	var ev controller.CaptureEntryEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		d.log.WithError(err).Warn("malformed capture_entry event")
		return
	}
	d.Capture.Append(ev.SessionID, capture.Kind(ev.Kind), capture.Entry{ID: ev.ID, Payload: ev.Payload})
}

// forwardControllerEvent delivers a spontaneous controller event to the
// driver owning sessionID's SSE stream, exactly like rule 4 does for
// dialog_opened.
func (d *Dispatcher) forwardControllerEvent(sessionID string, frame wireframe.Frame) {
	transportID, ok := d.Sessions.TransportForSession(sessionID)
	if !ok {
		d.log.WithField("session", sessionID).WithField("type", frame.Type).Debug("controller event for unowned session")
		return
	}
	d.events.Publish(transportID, string(frame.Type), frame.Data)
}

// handlePeerBridgeCommand implements rule 5: forward a `*_command` frame
// from a connected peer-bridge to the controller verbatim, registering a
// relay so the controller's eventual response routes back to that
// peer-bridge via rule 2.
func (d *Dispatcher) handlePeerBridgeCommand(connID string, frame wireframe.Frame) {
	sender, ok := d.Table.Get(connID)
	if !ok || sender.Role.Kind != peertable.RolePeerBridge {
		return
	}

	ctrl, ok := d.Table.Controller()
	if !ok {
		d.sendResponseTo(sender, frame.RequestID, frame.SessionID, bridgeerr.ErrNoController)
		return
	}

	d.Corr.Relay(frame.RequestID, frame.SessionID, sender.Role.InstanceID)
	raw, err := wireframe.Marshal(frame)
	if err != nil {
		d.sendResponseTo(sender, frame.RequestID, frame.SessionID, bridgeerr.New(bridgeerr.KindPayloadInvalid, err.Error()))
		return
	}
	if !ctrl.Conn.Send(raw) {
		d.sendResponseTo(sender, frame.RequestID, frame.SessionID, bridgeerr.New(bridgeerr.KindBackPressure, "controller outbound queue full"))
	}
}

// handleRouteToSession implements rule 6: resolve the target page agent and
// rewrite the envelope back to its original type, or synthesize a failure
// response to the originating peer-bridge.
func (d *Dispatcher) handleRouteToSession(frame wireframe.Frame) {
	var routed wireframe.RouteToSessionData
	if err := json.Unmarshal(frame.Data, &routed); err != nil {
		d.replyRouteFailure(frame, bridgeerr.New(bridgeerr.KindPayloadInvalid, "malformed route_to_session envelope"))
		return
	}

	agent, ok := d.Table.PageAgent(frame.SessionID)
	if !ok {
		d.replyRouteFailure(frame, bridgeerr.New(bridgeerr.KindRouteFailure, "no page agent for session "+frame.SessionID))
		return
	}

	d.Corr.Relay(frame.RequestID, frame.SessionID, frame.MCPInstanceID)
	forward := wireframe.Frame{
		Type:      routed.OriginalType,
		RequestID: frame.RequestID,
		SessionID: frame.SessionID,
		Data:      routed.Payload,
	}
	raw, err := wireframe.Marshal(forward)
	if err != nil {
		d.replyRouteFailure(frame, bridgeerr.New(bridgeerr.KindPayloadInvalid, err.Error()))
		return
	}
	if !agent.Conn.Send(raw) {
		d.replyRouteFailure(frame, bridgeerr.New(bridgeerr.KindBackPressure, "page agent outbound queue full"))
	}
}

func (d *Dispatcher) replyRouteFailure(frame wireframe.Frame, reason error) {
	if frame.MCPInstanceID == "" {
		d.log.WithField("session", frame.SessionID).Warn("route_to_session failure with no origin to notify")
		return
	}
	resp := wireframe.Frame{
		Type:      wireframe.TypeResponse,
		RequestID: frame.RequestID,
		SessionID: frame.SessionID,
		Success:   wireframe.Bool(false),
		Error:     reason.Error(),
	}
	d.relayToPeerBridge(frame.MCPInstanceID, resp)
}

func (d *Dispatcher) sendResponseTo(peer *peertable.Peer, requestID, sessionID string, reason error) {
	resp := wireframe.Frame{
		Type:      wireframe.TypeResponse,
		RequestID: requestID,
		SessionID: sessionID,
		Success:   wireframe.Bool(false),
		Error:     reason.Error(),
	}
	raw, err := wireframe.Marshal(resp)
	if err != nil {
		return
	}
	peer.Conn.Send(raw)
}

// relayToPeerBridge is the correlator.RelayFunc: forward a resolved frame
// to the peer-bridge that originated the request, rather than resolving it
// against a local waiter.
func (d *Dispatcher) relayToPeerBridge(instanceID string, frame wireframe.Frame) {
	peer, ok := d.Table.PeerBridge(instanceID)
	if !ok {
		d.log.WithField("instance", instanceID).Debug("relay target peer-bridge gone")
		return
	}
	raw, err := wireframe.Marshal(frame)
	if err != nil {
		return
	}
	peer.Conn.Send(raw)
}

func (d *Dispatcher) handleDisconnect(connID string) {
	peer := d.Table.Unregister(connID)
	if peer == nil {
		return
	}
	switch peer.Role.Kind {
	case peertable.RoleController:
		d.Corr.RejectBackground()
		d.broadcastBackgroundStatus()
	case peertable.RolePageAgent:
		d.Corr.RejectSession(peer.Role.SessionID, "page-agent")
	case peertable.RolePeerBridge:
		d.Corr.RejectOrigin(peer.Role.InstanceID)
	}
	d.syncPeerMetrics()
}

func (d *Dispatcher) syncPeerMetrics() {
	counts := d.Table.Counts()
	metrics.Peers.WithLabelValues("controller").Set(float64(counts.Controller))
	metrics.Peers.WithLabelValues("page-agent").Set(float64(counts.PageAgents))
	metrics.Peers.WithLabelValues("peer-bridge").Set(float64(counts.PeerBridges))
	metrics.Sessions.Set(float64(d.Sessions.ActiveCount()))
}

func (d *Dispatcher) broadcastBackgroundStatus() {
	_, connected := d.Table.Controller()
	status := map[string]any{"controllerConnected": connected}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	frame := wireframe.Frame{Type: wireframe.TypeBackgroundStatus, SessionID: wireframe.BackgroundSentinel, Data: data}
	raw, err := wireframe.Marshal(frame)
	if err != nil {
		return
	}
	for _, p := range d.Table.AllPeerBridges() {
		p.Conn.Send(raw)
	}
}
