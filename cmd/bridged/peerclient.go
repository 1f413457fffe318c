package main

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/pagebridge/bridge/internal/automation"
	"github.com/pagebridge/bridge/internal/capture"
	"github.com/pagebridge/bridge/internal/controller"
	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/obs"
	"github.com/pagebridge/bridge/internal/registry"
	"github.com/pagebridge/bridge/internal/wireframe"
)

// peerClientHandler processes frames arriving on the single upstream
// connection a peer-client keeps to the winning server. Unlike the full
// dispatcher, it never relays (there is no local peer table to relay
// into) — it only resolves its own pending requests, mirrors the
// controller's spontaneous events into its local automation cache, and
// forwards the events its own drivers care about (spec §4.5).
type peerClientHandler struct {
	corr       *correlator.Correlator
	sessions   *registry.Registry
	automation *automation.Registry
	capture    *capture.Store
	publish    func(transportID, method string, params json.RawMessage)
	log        *logrus.Entry
}

func newPeerClientHandler(corr *correlator.Correlator, sessions *registry.Registry, auto *automation.Registry, capt *capture.Store, publish func(string, string, json.RawMessage)) *peerClientHandler {
	return &peerClientHandler{corr: corr, sessions: sessions, automation: auto, capture: capt, publish: publish, log: obs.For("peer-client")}
}

func (h *peerClientHandler) OnMessage(raw []byte) {
	frame, err := wireframe.Unmarshal(raw)
	if err != nil {
		h.log.WithError(err).Warn("dropping malformed frame from upstream")
		return
	}
	switch frame.Type {
	case wireframe.TypeResponse:
		h.corr.Resolve(frame)
	case wireframe.TypeDialogOpened:
		h.forwardEvent(frame.SessionID, frame)
	case wireframe.TypeWindowClosed:
		h.handleWindowClosed(frame)
	case wireframe.TypeTabAdded:
		h.handleTabAdded(frame)
	case wireframe.TypeActiveTabChanged:
		h.handleActiveTabChanged(frame)
	case wireframe.TypeNavigationComplete:
		h.handleNavigationCompleted(frame)
	case wireframe.TypeCaptureEntry:
		h.handleCaptureEntry(frame)
	case wireframe.TypeBackgroundStatus:
		h.log.WithField("data", string(frame.Data)).Debug("background status from upstream")
	case wireframe.TypeMCPClientRegistered:
		h.log.Info("registered with upstream bridge server")
	default:
		h.log.WithField("type", frame.Type).Debug("unhandled upstream frame")
	}
}

func (h *peerClientHandler) handleWindowClosed(frame wireframe.Frame) {
	var ev controller.WindowClosedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		h.log.WithError(err).Warn("malformed window_closed event")
		return
	}
	h.automation.Remove(ev.SessionID)
	h.capture.Clear(ev.SessionID)

	transportID, ok := h.sessions.TransportForSession(ev.SessionID)
	if !ok {
		return
	}
	h.sessions.Drop(transportID)
	h.corr.RejectSession(ev.SessionID, "controller")
	h.publish(transportID, string(frame.Type), frame.Data)
}

func (h *peerClientHandler) handleTabAdded(frame wireframe.Frame) {
	var ev controller.TabAddedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		h.log.WithError(err).Warn("malformed tab_added event")
		return
	}
	h.automation.AddTab(ev.SessionID, automation.Tab{Handle: ev.Tab.Handle, URL: ev.Tab.URL, Title: ev.Tab.Title})
	h.forwardEvent(ev.SessionID, frame)
}

func (h *peerClientHandler) handleActiveTabChanged(frame wireframe.Frame) {
	var ev controller.ActiveTabChangedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		h.log.WithError(err).Warn("malformed active_tab_changed event")
		return
	}
	h.automation.SetActiveTab(ev.SessionID, ev.TabHandle)
	h.forwardEvent(ev.SessionID, frame)
}

func (h *peerClientHandler) handleNavigationCompleted(frame wireframe.Frame) {
	var ev controller.NavigationCompletedEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		h.log.WithError(err).Warn("malformed navigation_completed event")
		return
	}
	h.automation.SetTabURL(ev.SessionID, ev.TabHandle, ev.URL)
	h.forwardEvent(ev.SessionID, frame)
}

// handleCaptureEntry mirrors dispatcher.Dispatcher.handleCaptureEntry:
// accumulate into the local capture store, never forward.
func (h *peerClientHandler) handleCaptureEntry(frame wireframe.Frame) {
	var ev controller.CaptureEntryEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		h.log.WithError(err).Warn("malformed capture_entry event")
		return
	}
	h.capture.Append(ev.SessionID, capture.Kind(ev.Kind), capture.Entry{ID: ev.ID, Payload: ev.Payload})
}

func (h *peerClientHandler) forwardEvent(sessionID string, frame wireframe.Frame) {
	transportID, ok := h.sessions.TransportForSession(sessionID)
	if !ok {
		return
	}
	h.publish(transportID, string(frame.Type), frame.Data)
}

func (h *peerClientHandler) OnDisconnect() {
	h.corr.RejectAll()
}
