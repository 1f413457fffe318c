package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pagebridge/bridge/internal/correlator"
	"github.com/pagebridge/bridge/internal/peertable"
	"github.com/pagebridge/bridge/internal/wireframe"
)

type fakeConn struct {
	sent   []wireframe.Frame
	closed bool
	accept bool
}

func newFakeConn(accept bool) *fakeConn {
	return &fakeConn{accept: accept}
}

func (f *fakeConn) Send(raw []byte) bool {
	if !f.accept {
		return false
	}
	frame, err := wireframe.Unmarshal(raw)
	if err != nil {
		return false
	}
	f.sent = append(f.sent, frame)
	return true
}

func (f *fakeConn) Close() { f.closed = true }

func newTestCorrelator(t *testing.T) *correlator.Correlator {
	t.Helper()
	c := correlator.New(correlator.Options{}, func(string, wireframe.Frame) {})
	t.Cleanup(c.Stop)
	return c
}

func TestLocalIssuerReturnsErrNoControllerWhenNoneRegistered(t *testing.T) {
	table := peertable.NewTable()
	corr := newTestCorrelator(t)
	issuer := NewLocalIssuer(table, corr)

	_, err := issuer.Issue(context.Background(), Navigate, NavigatePayload{SessionID: "s1", URL: "https://example.com"}, time.Second)
	if err == nil {
		t.Fatal("expected an error when no controller is registered")
	}
}

func TestLocalIssuerDeliversAndResolves(t *testing.T) {
	table := peertable.NewTable()
	corr := newTestCorrelator(t)
	conn := newFakeConn(true)
	table.Register("ctrl_1", conn, peertable.Role{Kind: peertable.RoleController})

	issuer := NewLocalIssuer(table, corr)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		data, err := issuer.Issue(context.Background(), Navigate, NavigatePayload{SessionID: "s1", URL: "https://example.com"}, time.Second)
		resultCh <- data
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for len(conn.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 frame sent to the controller, got %d", len(conn.sent))
	}

	reply := wireframe.Frame{
		Type:      wireframe.Type("navigate_result"),
		RequestID: conn.sent[0].RequestID,
		SessionID: wireframe.BackgroundSentinel,
		Data:      json.RawMessage(`{"ok":true}`),
	}
	corr.Resolve(reply)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Issue to return")
	}
	data := <-resultCh
	if string(data) != `{"ok":true}` {
		t.Fatalf("data = %s, want {\"ok\":true}", data)
	}
}

func TestLocalIssuerReportsBackPressureWhenSendFails(t *testing.T) {
	table := peertable.NewTable()
	corr := newTestCorrelator(t)
	conn := newFakeConn(false)
	table.Register("ctrl_1", conn, peertable.Role{Kind: peertable.RoleController})

	issuer := NewLocalIssuer(table, corr)
	_, err := issuer.Issue(context.Background(), Navigate, NavigatePayload{SessionID: "s1", URL: "https://example.com"}, time.Second)
	if err == nil {
		t.Fatal("expected a back-pressure error")
	}
}

func TestLocalIssuerPropagatesErrorResult(t *testing.T) {
	table := peertable.NewTable()
	corr := newTestCorrelator(t)
	conn := newFakeConn(true)
	table.Register("ctrl_1", conn, peertable.Role{Kind: peertable.RoleController})

	issuer := NewLocalIssuer(table, corr)

	errCh := make(chan error, 1)
	go func() {
		_, err := issuer.Issue(context.Background(), Navigate, NavigatePayload{SessionID: "s1", URL: "https://example.com"}, time.Second)
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for len(conn.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	corr.Resolve(wireframe.Frame{
		Type:      wireframe.Type("navigate_result"),
		RequestID: conn.sent[0].RequestID,
		SessionID: wireframe.BackgroundSentinel,
		Success:   wireframe.Bool(false),
		Error:     "navigation failed",
	})

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error for a failed result frame")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Issue to return")
	}
}

func TestLocalIssuerRespectsContextCancellation(t *testing.T) {
	table := peertable.NewTable()
	corr := newTestCorrelator(t)
	conn := newFakeConn(true)
	table.Register("ctrl_1", conn, peertable.Role{Kind: peertable.RoleController})

	issuer := NewLocalIssuer(table, corr)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := issuer.Issue(ctx, Navigate, NavigatePayload{SessionID: "s1", URL: "https://example.com"}, time.Second)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context cancellation to surface as an error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Issue to return after cancellation")
	}
}

func TestRemoteIssuerTagsFrameWithSelfInstanceID(t *testing.T) {
	corr := newTestCorrelator(t)
	conn := newFakeConn(true)
	issuer := NewRemoteIssuer(conn, corr, "bridge_remote_1")

	resultCh := make(chan json.RawMessage, 1)
	go func() {
		data, _ := issuer.Issue(context.Background(), Navigate, NavigatePayload{SessionID: "s1", URL: "https://example.com"}, time.Second)
		resultCh <- data
	}()

	deadline := time.Now().Add(time.Second)
	for len(conn.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 frame sent upstream, got %d", len(conn.sent))
	}
	if conn.sent[0].MCPInstanceID != "bridge_remote_1" {
		t.Fatalf("MCPInstanceID = %q, want bridge_remote_1", conn.sent[0].MCPInstanceID)
	}

	corr.Resolve(wireframe.Frame{
		RequestID: conn.sent[0].RequestID,
		SessionID: wireframe.BackgroundSentinel,
		Data:      json.RawMessage(`{}`),
	})
	<-resultCh
}

func TestRemoteIssuerReportsBackPressureWhenUpstreamSendFails(t *testing.T) {
	corr := newTestCorrelator(t)
	conn := newFakeConn(false)
	issuer := NewRemoteIssuer(conn, corr, "bridge_remote_1")

	_, err := issuer.Issue(context.Background(), Navigate, NavigatePayload{SessionID: "s1", URL: "https://example.com"}, time.Second)
	if err == nil {
		t.Fatal("expected a back-pressure error when the upstream send fails")
	}
}
