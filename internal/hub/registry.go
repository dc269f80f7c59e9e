package hub

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hostwarden/internal/events"
)

// AgentSession is one live agent connection. Its fields are owned by
// the Registry and mutated only under the registry mutex; the write
// mutex serializes socket writes (commands, close frames, pings can
// otherwise interleave).
type AgentSession struct {
	conn        Conn
	agentID     string
	hostname    string
	version     string
	connectedAt time.Time
	lastSeen    time.Time

	writeMu sync.Mutex
	closed  bool
}

// errSessionClosed is returned by send after the session was superseded
// or torn down.
var errSessionClosed = errors.New("agent session closed")

// send writes a text frame to the agent socket.
func (s *AgentSession) send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// shutdown marks the session closed and closes its socket with the
// given close code and reason.
func (s *AgentSession) shutdown(code int, reason string) {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return
	}
	s.closed = true
	s.writeMu.Unlock()
	closeConn(s.conn, code, reason)
}

// AgentStatus is a point-in-time snapshot of a live session, safe to
// hand to HTTP handlers and the liveness monitor.
type AgentStatus struct {
	AgentID     string    `json:"agent_id"`
	Hostname    string    `json:"hostname"`
	Version     string    `json:"version"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Registry tracks at most one live session per agent identity.
// Registering a second connection for the same id supersedes and
// closes the first ("last connection wins").
type Registry struct {
	bus *events.Bus

	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// NewRegistry creates an empty session registry publishing lifecycle
// events to bus.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		bus:      bus,
		sessions: make(map[string]*AgentSession),
	}
}

// Register installs a session for agentID bound to conn. An existing
// session on a different socket is closed with code 1000 and reason
// ReasonReplaced — no grace period, no draining. Emits AgentConnected.
func (r *Registry) Register(conn Conn, agentID, hostname, version string) *AgentSession {
	now := time.Now()
	s := &AgentSession{
		conn:        conn,
		agentID:     agentID,
		hostname:    hostname,
		version:     version,
		connectedAt: now,
		lastSeen:    now,
	}

	r.mu.Lock()
	old := r.sessions[agentID]
	r.sessions[agentID] = s
	r.mu.Unlock()

	if old != nil && old.conn != conn {
		log.Printf("[HUB] Agent %q reconnected, superseding previous connection", agentID)
		old.shutdown(websocket.CloseNormalClosure, ReasonReplaced)
	}

	r.bus.Publish(events.Event{
		Type:     events.AgentConnected,
		AgentID:  agentID,
		Hostname: hostname,
		Message:  "agent connected",
	})
	return s
}

// Touch stamps lastSeen for agentID. Called on every verified inbound
// message regardless of type. Reports whether a session exists.
func (r *Registry) Touch(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[agentID]
	if ok {
		s.lastSeen = time.Now()
	}
	return ok
}

// SetInfo refreshes hostname and version on an existing session, as
// reported by a repeated auth message on the same socket.
func (r *Registry) SetInfo(agentID, hostname, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[agentID]; ok {
		s.hostname = hostname
		s.version = version
	}
}

// Session returns the live session for agentID, or nil.
func (r *Registry) Session(agentID string) *AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

// HasSession reports whether agentID currently has a live session.
func (r *Registry) HasSession(agentID string) bool {
	return r.Session(agentID) != nil
}

// Remove drops the session bound to conn, if it is still the current
// one for its agent, and emits AgentDisconnected. Called from socket
// read loops on close or error; a socket superseded by takeover is no
// longer in the map, so its removal is a no-op.
func (r *Registry) Remove(conn Conn) {
	r.mu.Lock()
	var gone *AgentSession
	for id, s := range r.sessions {
		if s.conn == conn {
			delete(r.sessions, id)
			gone = s
			break
		}
	}
	r.mu.Unlock()

	if gone == nil {
		return
	}
	gone.writeMu.Lock()
	gone.closed = true
	gone.writeMu.Unlock()

	log.Printf("[HUB] Agent %q disconnected", gone.agentID)
	r.bus.Publish(events.Event{
		Type:     events.AgentDisconnected,
		AgentID:  gone.agentID,
		Hostname: gone.hostname,
		Message:  "agent disconnected",
	})
}

// Status returns a snapshot for agentID, or false if not connected.
func (r *Registry) Status(agentID string) (AgentStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[agentID]
	if !ok {
		return AgentStatus{}, false
	}
	return snapshot(s), true
}

// List returns snapshots of every live session.
func (r *Registry) List() []AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentStatus, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshot(s))
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll terminates every live session, for server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*AgentSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(websocket.CloseGoingAway, "server shutdown")
	}
}

func snapshot(s *AgentSession) AgentStatus {
	return AgentStatus{
		AgentID:     s.agentID,
		Hostname:    s.hostname,
		Version:     s.version,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
	}
}
