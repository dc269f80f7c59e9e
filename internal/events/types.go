package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Connection lifecycle
	AgentConnected     EventType = "agent_connected"
	AgentDisconnected  EventType = "agent_disconnected"
	AgentAuthenticated EventType = "agent_authenticated"
	AgentStale         EventType = "agent_stale"

	// Verified inbound traffic
	MetricsReceived       EventType = "metrics_received"
	LogReceived           EventType = "log_received"
	CommandResultReceived EventType = "command_result_received"
	HeartbeatReceived     EventType = "heartbeat_received"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus. Payload holds the
// raw envelope payload for traffic events; lifecycle events leave it nil.
type Event struct {
	Type      EventType       `json:"type"`
	Severity  Severity        `json:"severity"`
	AgentID   string          `json:"agent_id,omitempty"`
	Hostname  string          `json:"hostname,omitempty"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
