package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hostwarden/internal/events"
	"hostwarden/internal/protocol"
)

// mapSecrets is an in-memory secret provider for tests.
type mapSecrets map[string]string

func (m mapSecrets) AgentSecret(_ context.Context, agentID string) (string, bool, error) {
	s, ok := m[agentID]
	return s, ok, nil
}

func newTestDispatcher(secrets mapSecrets, bus *events.Bus) (*Dispatcher, *Registry, *DashboardHub) {
	registry := NewRegistry(bus)
	dashboards := NewDashboardHub(8)
	d := NewDispatcher(secrets, registry, dashboards, bus, 0)
	return d, registry, dashboards
}

// signedEnvelope builds a fully signed wire frame for tests.
func signedEnvelope(t *testing.T, msgType, agentID string, payload any, secret string) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, agentID, payload, secret)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestMalformedJSONCloses1003(t *testing.T) {
	d, _, _ := newTestDispatcher(mapSecrets{}, events.NewBus())
	conn := &fakeConn{}

	d.HandleMessage(context.Background(), conn, []byte("{not json"))

	closed, code, reason := conn.closedWith()
	if !closed || code != websocket.CloseUnsupportedData || reason != ReasonInvalidJSON {
		t.Fatalf("closed=%v code=%d reason=%q, want 1003 %s", closed, code, reason, ReasonInvalidJSON)
	}
}

func TestUnknownAgentCloses1008(t *testing.T) {
	bus := events.NewBus()
	all := collectEvents(bus)
	d, _, _ := newTestDispatcher(mapSecrets{}, bus)
	conn := &fakeConn{}

	raw := signedEnvelope(t, protocol.TypeAuth, "ghost", protocol.AuthPayload{}, "whatever")
	d.HandleMessage(context.Background(), conn, raw)

	closed, code, reason := conn.closedWith()
	if !closed || code != websocket.ClosePolicyViolation || reason != ReasonUnknownAgent {
		t.Fatalf("closed=%v code=%d reason=%q, want 1008 %s", closed, code, reason, ReasonUnknownAgent)
	}
	if len(all()) != 0 {
		t.Error("no events may fire for an unknown agent")
	}
}

func TestInvalidSignatureCloses1008(t *testing.T) {
	secrets := mapSecrets{"a1": "right-secret"}
	d, registry, _ := newTestDispatcher(secrets, events.NewBus())
	conn := &fakeConn{}

	raw := signedEnvelope(t, protocol.TypeAuth, "a1", protocol.AuthPayload{}, "wrong-secret")
	d.HandleMessage(context.Background(), conn, raw)

	closed, code, reason := conn.closedWith()
	if !closed || code != websocket.ClosePolicyViolation || reason != ReasonInvalidSignature {
		t.Fatalf("closed=%v code=%d reason=%q, want 1008 %s", closed, code, reason, ReasonInvalidSignature)
	}
	if registry.HasSession("a1") {
		t.Error("a badly signed auth must not register a session")
	}
}

func TestStaleTimestampCloses1008(t *testing.T) {
	secrets := mapSecrets{"a1": "s3cret"}
	d, registry, _ := newTestDispatcher(secrets, events.NewBus())
	conn := &fakeConn{}

	env := protocol.Envelope{
		Type:    protocol.TypeHeartbeat,
		AgentID: "a1",
		TS:      time.Now().Add(-10 * time.Minute).UnixMilli(),
		Nonce:   protocol.NewNonce(),
		Payload: json.RawMessage(`{}`),
	}
	sig, err := protocol.Sign(env, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	env.Signature = sig
	raw, _ := json.Marshal(env)

	d.HandleMessage(context.Background(), conn, raw)

	closed, code, reason := conn.closedWith()
	if !closed || code != websocket.ClosePolicyViolation || reason != ReasonInvalidTimestamp {
		t.Fatalf("closed=%v code=%d reason=%q, want 1008 %s", closed, code, reason, ReasonInvalidTimestamp)
	}
	if registry.Touch("a1") {
		t.Error("stale messages must not have created a session")
	}
}

func TestAuthRegistersSession(t *testing.T) {
	bus := events.NewBus()
	authed := collectEvents(bus, events.AgentAuthenticated)
	connected := collectEvents(bus, events.AgentConnected)
	secrets := mapSecrets{"a1": "s3cret"}
	d, registry, _ := newTestDispatcher(secrets, bus)
	conn := &fakeConn{}

	raw := signedEnvelope(t, protocol.TypeAuth, "a1",
		protocol.AuthPayload{Hostname: "h1", Version: "1.2"}, "s3cret")
	d.HandleMessage(context.Background(), conn, raw)

	if closed, _, _ := conn.closedWith(); closed {
		t.Fatal("valid auth must not close the socket")
	}
	status, ok := registry.Status("a1")
	if !ok {
		t.Fatal("expected a registered session")
	}
	if status.Hostname != "h1" || status.Version != "1.2" {
		t.Errorf("status = %+v", status)
	}
	if len(connected()) != 1 || len(authed()) != 1 {
		t.Errorf("connected=%d authed=%d, want 1 each", len(connected()), len(authed()))
	}

	// A repeat auth on the same socket refreshes identity details
	// without re-registering.
	raw = signedEnvelope(t, protocol.TypeAuth, "a1",
		protocol.AuthPayload{Hostname: "h1-renamed", Version: "1.3"}, "s3cret")
	d.HandleMessage(context.Background(), conn, raw)

	status, _ = registry.Status("a1")
	if status.Hostname != "h1-renamed" || status.Version != "1.3" {
		t.Errorf("after repeat auth, status = %+v", status)
	}
	if len(connected()) != 1 {
		t.Error("repeat auth must not emit a second AgentConnected")
	}
	if len(authed()) != 2 {
		t.Error("every verified auth emits AgentAuthenticated")
	}
}

func TestAuthOnNewSocketSupersedesOldSession(t *testing.T) {
	bus := events.NewBus()
	connected := collectEvents(bus, events.AgentConnected)
	secrets := mapSecrets{"a1": "s3cret"}
	d, registry, _ := newTestDispatcher(secrets, bus)

	conn1 := &fakeConn{}
	raw := signedEnvelope(t, protocol.TypeAuth, "a1",
		protocol.AuthPayload{Hostname: "h1", Version: "1.2"}, "s3cret")
	d.HandleMessage(context.Background(), conn1, raw)

	// The agent restarts and authenticates again on a fresh socket
	// while the first session is still live.
	conn2 := &fakeConn{}
	raw = signedEnvelope(t, protocol.TypeAuth, "a1",
		protocol.AuthPayload{Hostname: "h1", Version: "1.3"}, "s3cret")
	d.HandleMessage(context.Background(), conn2, raw)

	closed, code, reason := conn1.closedWith()
	if !closed {
		t.Fatal("old socket must be closed on reconnect")
	}
	if code != websocket.CloseNormalClosure || reason != ReasonReplaced {
		t.Errorf("old socket closed with %d/%q, want 1000/%s", code, reason, ReasonReplaced)
	}
	if closed, _, _ := conn2.closedWith(); closed {
		t.Fatal("new socket must stay open")
	}

	if registry.Len() != 1 {
		t.Fatalf("Len = %d, want exactly one session after reconnect", registry.Len())
	}
	s := registry.Session("a1")
	if s == nil || s.conn != Conn(conn2) {
		t.Fatal("session must be rebound to the new socket")
	}
	status, _ := registry.Status("a1")
	if status.Version != "1.3" {
		t.Errorf("version = %q, want the reconnecting agent's 1.3", status.Version)
	}
	if len(connected()) != 2 {
		t.Errorf("AgentConnected fired %d times, want 2 (one per registration)", len(connected()))
	}

	// Commands now reach the new socket only.
	c := NewCommandChannel(registry, secrets)
	if !c.SendCommand(context.Background(), "a1", "ping", nil) {
		t.Fatal("expected delivery to the new socket")
	}
	if n := len(conn2.sentFrames()); n != 1 {
		t.Errorf("new socket got %d frames, want 1", n)
	}
	if n := len(conn1.sentFrames()); n != 0 {
		t.Errorf("stale socket got %d frames, want 0", n)
	}
}

func TestTrafficEventsFire(t *testing.T) {
	bus := events.NewBus()
	secrets := mapSecrets{"a1": "s3cret"}
	d, _, _ := newTestDispatcher(secrets, bus)
	conn := &fakeConn{}

	cases := []struct {
		msgType string
		payload any
		want    events.EventType
	}{
		{protocol.TypeMetrics, protocol.MetricsPayload{Load1: 0.4}, events.MetricsReceived},
		{protocol.TypeLog, protocol.LogPayload{Level: "info", Message: "hi"}, events.LogReceived},
		{protocol.TypeCommandResult, protocol.CommandResultPayload{Command: "ping"}, events.CommandResultReceived},
		{protocol.TypeHeartbeat, protocol.HeartbeatPayload{}, events.HeartbeatReceived},
	}
	for _, tc := range cases {
		got := collectEvents(bus, tc.want)
		raw := signedEnvelope(t, tc.msgType, "a1", tc.payload, "s3cret")
		d.HandleMessage(context.Background(), conn, raw)
		if evts := got(); len(evts) != 1 || evts[0].AgentID != "a1" {
			t.Errorf("%s: events = %+v, want one %s", tc.msgType, evts, tc.want)
		}
	}
	if closed, _, _ := conn.closedWith(); closed {
		t.Error("verified traffic must not close the socket")
	}
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	secrets := mapSecrets{"a1": "s3cret"}
	d, _, _ := newTestDispatcher(secrets, events.NewBus())
	conn := &fakeConn{}

	raw := signedEnvelope(t, "telepathy", "a1", map[string]string{}, "s3cret")
	d.HandleMessage(context.Background(), conn, raw)

	if closed, _, _ := conn.closedWith(); closed {
		t.Fatal("unknown message types are dropped, not fatal")
	}
}

func TestAnalyticsLogForwardsToDashboards(t *testing.T) {
	secrets := mapSecrets{"a1": "s3cret"}
	d, _, dashboards := newTestDispatcher(secrets, events.NewBus())

	viewer := &fakeConn{}
	s := dashboards.Register(viewer, "d1", "i-123")
	defer s.stop()

	raw := signedEnvelope(t, protocol.TypeLog, "a1", protocol.LogPayload{
		Level:      "info",
		Message:    "pageview",
		Source:     protocol.SourceAnalytics,
		InstanceID: "i-123",
	}, "s3cret")
	d.HandleMessage(context.Background(), &fakeConn{}, raw)

	frame := waitForFrame(t, viewer)
	var got struct {
		Type       string          `json:"type"`
		InstanceID string          `json:"instanceId"`
		Data       json.RawMessage `json:"data"`
		Timestamp  int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "analytics" || got.InstanceID != "i-123" || got.Timestamp == 0 {
		t.Errorf("frame = %+v", got)
	}

	// An ordinary log line is not re-broadcast.
	raw = signedEnvelope(t, protocol.TypeLog, "a1", protocol.LogPayload{
		Level: "info", Message: "routine",
	}, "s3cret")
	d.HandleMessage(context.Background(), &fakeConn{}, raw)

	time.Sleep(20 * time.Millisecond)
	if n := len(viewer.sentFrames()); n != 1 {
		t.Errorf("viewer got %d frames, want 1", n)
	}
}

// waitForFrame polls the fake conn until its writer goroutine delivers
// a frame.
func waitForFrame(t *testing.T, c *fakeConn) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frames := c.sentFrames(); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a dashboard frame")
	return nil
}
