package controller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pagebridge/bridge/internal/bridgeerr"
	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/peertable"
	"github.com/pagebridge/bridge/internal/wireframe"
)

// CommandTimeout is the default per-command timeout when the caller does
// not specify one.
const CommandTimeout = 30 * time.Second

// Issuer sends one command to the controller and returns its result
// payload. Implemented by a server-role issuer (direct peer-table lookup)
// and a peer-client-role issuer (single upstream socket), mirroring
// internal/pageagent's split (spec §4.5).
type Issuer interface {
	Issue(ctx context.Context, cmd CommandType, payload any, timeout time.Duration) (json.RawMessage, error)
}

type localIssuer struct {
	table *peertable.Table
	corr  *correlator.Correlator
}

func NewLocalIssuer(table *peertable.Table, corr *correlator.Correlator) Issuer {
	return &localIssuer{table: table, corr: corr}
}

func (l *localIssuer) Issue(ctx context.Context, cmd CommandType, payload any, timeout time.Duration) (json.RawMessage, error) {
	ctrl, ok := l.table.Controller()
	if !ok {
		return nil, bridgeerr.ErrNoController
	}
	if timeout <= 0 {
		timeout = CommandTimeout
	}

	requestID, done := l.corr.Issue(wireframe.BackgroundSentinel, true, timeout)
	frame, err := BuildCommand(cmd, requestID, "", payload)
	if err != nil {
		return nil, err
	}
	raw, err := wireframe.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if !ctrl.Conn.Send(raw) {
		return nil, bridgeerr.New(bridgeerr.KindBackPressure, "controller outbound queue full")
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

// Sender is the minimal outbound capability a remoteIssuer needs.
type Sender interface {
	Send(raw []byte) bool
}

// remoteIssuer sends the command frame directly over the single upstream
// connection a peer-client keeps to the server, tagged with this
// instance's id so the server's dispatcher can relay the eventual response
// back (spec §4.4 rule 5, §4.5).
type remoteIssuer struct {
	upstream       Sender
	corr           *correlator.Correlator
	selfInstanceID string
}

func NewRemoteIssuer(upstream Sender, corr *correlator.Correlator, selfInstanceID string) Issuer {
	return &remoteIssuer{upstream: upstream, corr: corr, selfInstanceID: selfInstanceID}
}

func (r *remoteIssuer) Issue(ctx context.Context, cmd CommandType, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = CommandTimeout
	}
	requestID, done := r.corr.Issue(wireframe.BackgroundSentinel, true, timeout)
	frame, err := BuildCommand(cmd, requestID, r.selfInstanceID, payload)
	if err != nil {
		return nil, err
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
