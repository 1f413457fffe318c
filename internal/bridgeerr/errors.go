// Package bridgeerr defines the error kinds surfaced to drivers and peers.
package bridgeerr

import "errors"

// Kind identifies one of the stable error categories a driver can see.
type Kind string

const (
	KindNoSession           Kind = "NoSession"
	KindNoController        Kind = "NoController"
	KindSessionNotConnected Kind = "SessionNotConnected"
	KindTimeout             Kind = "Timeout"
	KindStaleness           Kind = "Staleness"
	KindBackPressure        Kind = "BackPressure"
	KindRouteFailure        Kind = "RouteFailure"
	KindPeerGone            Kind = "PeerGone"
	KindPayloadInvalid      Kind = "PayloadInvalid"
	KindNoTransport         Kind = "NoTransport"
	KindControllerGone      Kind = "ControllerGone"
)

// Error wraps a Kind with a human-readable message. errors.Is compares by Kind.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

var (
	ErrNoSession           = New(KindNoSession, "no automation session for this transport; call create_automation_session first")
	ErrNoController        = New(KindNoController, "Chrome extension not connected; check the browser extension")
	ErrSessionNotConnected = New(KindSessionNotConnected, "automation session has no connected page agent")
	ErrControllerGone      = New(KindControllerGone, "controller disconnected")
)

// PeerGone builds a connection-lost error naming which peer kind departed.
func PeerGone(origin string) *Error {
	return New(KindPeerGone, "connection lost: "+origin+" disconnected")
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
