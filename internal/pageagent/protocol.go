// Package pageagent delivers opaque tool-operation requests to the page
// agent owning a given automation session, and resolves the single
// response frame the agent is contracted to always produce (spec §4.7).
package pageagent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pagebridge/bridge/internal/bridgeerr"
	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/peertable"
	"github.com/pagebridge/bridge/internal/wireframe"
)

// AgentTimeout is the per-request global timeout at the agent side (spec
// §4.7): the agent must produce exactly one response within this window.
const AgentTimeout = 60 * time.Second

// RequestIssuer issues one opaque operation to the page agent owning
// sessionID and returns its result payload or the routing/transport error.
// Implemented by localIssuer (server role) and remoteIssuer (peer-client
// role), per spec §4.5's "issued as routed requests via the server".
type RequestIssuer interface {
	Issue(ctx context.Context, sessionID string, opType wireframe.Type, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// localIssuer resolves the page agent directly from the local peer table
// (this process is the bridge server).
type localIssuer struct {
	table *peertable.Table
	corr  *correlator.Correlator
}

func NewLocalIssuer(table *peertable.Table, corr *correlator.Correlator) RequestIssuer {
	return &localIssuer{table: table, corr: corr}
}

func (l *localIssuer) Issue(ctx context.Context, sessionID string, opType wireframe.Type, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	peer, ok := l.table.PageAgent(sessionID)
	if !ok {
		return nil, bridgeerr.ErrSessionNotConnected
	}
	if timeout <= 0 || timeout > AgentTimeout {
		timeout = AgentTimeout
	}

	requestID, done := l.corr.Issue(sessionID, false, timeout)
	frame := wireframe.Frame{
		Type:      opType,
		RequestID: requestID,
		SessionID: sessionID,
		Data:      payload,
	}
	raw, err := wireframe.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if !peer.Conn.Send(raw) {
		return nil, bridgeerr.New(bridgeerr.KindBackPressure, "page agent outbound queue full")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-done:
		if !resp.Ok() {
			return nil, bridgeerr.New(bridgeerr.KindRouteFailure, resp.Error)
		}
		return resp.Data, nil
	}
}

// Sender is the minimal outbound capability a remoteIssuer needs toward the
// server it forwards through; internal/wsconn.Conn implements it.
type Sender interface {
	Send(raw []byte) bool
}

// remoteIssuer wraps every page-agent operation as a route_to_session frame
// sent over the single upstream connection this peer-client keeps to the
// server (spec §4.5); the server's dispatcher rule 6 does the actual
// routing, and the response arrives back on the same socket to be resolved
// locally by request id.
type remoteIssuer struct {
	upstream       Sender
	corr           *correlator.Correlator
	selfInstanceID string
}

func NewRemoteIssuer(upstream Sender, corr *correlator.Correlator, selfInstanceID string) RequestIssuer {
	return &remoteIssuer{upstream: upstream, corr: corr, selfInstanceID: selfInstanceID}
}

func (r *remoteIssuer) Issue(ctx context.Context, sessionID string, opType wireframe.Type, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 || timeout > AgentTimeout {
		timeout = AgentTimeout
	}
	requestID, done := r.corr.Issue(sessionID, false, timeout)

	routed := wireframe.RouteToSessionData{OriginalType: opType, Payload: payload}
	data, err := json.Marshal(routed)
	if err != nil {
		return nil, err
	}
	frame := wireframe.Frame{
		Type:          wireframe.TypeRouteToSession,
		RequestID:     requestID,
		SessionID:     sessionID,
		MCPInstanceID: r.selfInstanceID,
		Data:          data,
	}
	raw, err := wireframe.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if !r.upstream.Send(raw) {
		return nil, bridgeerr.New(bridgeerr.KindBackPressure, "upstream connection queue full")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-done:
		if !resp.Ok() {
			return nil, bridgeerr.New(bridgeerr.KindRouteFailure, resp.Error)
		}
		return resp.Data, nil
	}
}
