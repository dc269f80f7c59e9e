package hub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"hostwarden/internal/events"
	"hostwarden/internal/protocol"
)

// SecretProvider resolves the shared secret for an agent identity.
// Implementations may block on external I/O; a missing or disabled
// agent resolves as ok == false.
type SecretProvider interface {
	AgentSecret(ctx context.Context, agentID string) (secret string, ok bool, err error)
}

// Dispatcher validates inbound envelopes and routes them to per-type
// handling. Every message is authenticated independently against the
// agent's shared secret — there is no handshake round-trip, and a raw
// socket is never trusted before its first envelope verifies.
type Dispatcher struct {
	secrets    SecretProvider
	registry   *Registry
	dashboards *DashboardHub
	bus        *events.Bus
	maxAge     time.Duration
}

// NewDispatcher wires a dispatcher to its collaborators. maxAge <= 0
// selects the default envelope age window.
func NewDispatcher(secrets SecretProvider, registry *Registry, dashboards *DashboardHub, bus *events.Bus, maxAge time.Duration) *Dispatcher {
	if maxAge <= 0 {
		maxAge = protocol.DefaultMaxAge
	}
	return &Dispatcher{
		secrets:    secrets,
		registry:   registry,
		dashboards: dashboards,
		bus:        bus,
		maxAge:     maxAge,
	}
}

// HandleMessage runs the validation pipeline on one raw frame from
// conn, terminal on first failure: parse, secret lookup, signature,
// timestamp, then type dispatch. Failures close the connection with
// the matching policy code; they are never fatal to the process.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn Conn, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[HUB] Dropping connection: malformed envelope: %v", err)
		closeConn(conn, websocket.CloseUnsupportedData, ReasonInvalidJSON)
		return
	}

	secret, ok, err := d.secrets.AgentSecret(ctx, env.AgentID)
	if err != nil {
		log.Printf("[HUB] Secret lookup failed for agent %q: %v", env.AgentID, err)
	}
	if err != nil || !ok {
		log.Printf("[HUB] Rejecting message from unknown agent %q", env.AgentID)
		closeConn(conn, websocket.ClosePolicyViolation, ReasonUnknownAgent)
		return
	}

	if !protocol.Verify(env, secret) {
		log.Printf("[HUB] Invalid signature from agent %q", env.AgentID)
		closeConn(conn, websocket.ClosePolicyViolation, ReasonInvalidSignature)
		return
	}

	if !protocol.ValidTimestamp(env.TS, d.maxAge) {
		log.Printf("[HUB] Stale or future timestamp from agent %q (ts=%d)", env.AgentID, env.TS)
		closeConn(conn, websocket.ClosePolicyViolation, ReasonInvalidTimestamp)
		return
	}

	d.registry.Touch(env.AgentID)
	d.dispatch(conn, env)
}

// dispatch routes a verified envelope by type.
func (d *Dispatcher) dispatch(conn Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAuth:
		d.handleAuth(conn, env)

	case protocol.TypeMetrics:
		d.publish(events.MetricsReceived, env, "metrics received")

	case protocol.TypeLog:
		d.handleLog(env)

	case protocol.TypeCommandResult:
		d.publish(events.CommandResultReceived, env, "command result received")

	case protocol.TypeHeartbeat:
		d.publish(events.HeartbeatReceived, env, "heartbeat")

	default:
		// Not fatal; the connection stays open.
		log.Printf("[HUB] Ignoring unknown message type %q from agent %q", env.Type, env.AgentID)
	}
}

// handleAuth turns a verified socket into a named session, or
// refreshes identity details on a repeat auth over the same socket. A
// verified auth arriving on a different socket re-registers, which
// supersedes and closes the old connection. Registration is deferred
// to this point so unauthenticated sockets never enter the registry.
func (d *Dispatcher) handleAuth(conn Conn, env protocol.Envelope) {
	var p protocol.AuthPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[HUB] Unreadable auth payload from agent %q: %v", env.AgentID, err)
		}
	}

	if s := d.registry.Session(env.AgentID); s != nil && s.conn == conn {
		d.registry.SetInfo(env.AgentID, p.Hostname, p.Version)
	} else {
		d.registry.Register(conn, env.AgentID, p.Hostname, p.Version)
	}

	d.bus.Publish(events.Event{
		Type:     events.AgentAuthenticated,
		AgentID:  env.AgentID,
		Hostname: p.Hostname,
		Message:  "agent authenticated",
		Payload:  env.Payload,
	})
}

// handleLog publishes the log event and forwards analytics-sourced
// lines to the dashboard hub as a live analytics broadcast.
func (d *Dispatcher) handleLog(env protocol.Envelope) {
	d.publish(events.LogReceived, env, "log received")

	var p protocol.LogPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.Source == protocol.SourceAnalytics {
		d.dashboards.BroadcastAnalytics(p.InstanceID, json.RawMessage(env.Payload))
	}
}

func (d *Dispatcher) publish(t events.EventType, env protocol.Envelope, msg string) {
	d.bus.Publish(events.Event{
		Type:    t,
		AgentID: env.AgentID,
		Message: msg,
		Payload: env.Payload,
	})
}
