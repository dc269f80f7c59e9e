package protocol

// SourceAnalytics marks a log payload that should be re-broadcast to
// live dashboards as an analytics frame.
const SourceAnalytics = "analytics"

// AuthPayload announces agent identity details on connect.
type AuthPayload struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// MetricsPayload is the host telemetry sample reported by the agent.
type MetricsPayload struct {
	Load1          float64 `json:"load1"`
	Load5          float64 `json:"load5"`
	Load15         float64 `json:"load15"`
	MemTotalKB     uint64  `json:"memTotalKb"`
	MemAvailableKB uint64  `json:"memAvailableKb"`
	UptimeSec      uint64  `json:"uptimeSec"`
}

// LogPayload carries a log line from the agent. Source identifies the
// producing subsystem; InstanceID ties analytics-sourced lines to a
// hosted instance.
type LogPayload struct {
	Level      string `json:"level"`
	Message    string `json:"message"`
	Source     string `json:"source,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// CommandPayload is an instruction sent from the control plane.
type CommandPayload struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// CommandResultPayload reports the outcome of a previously delivered
// command. Correlation is by agent id and command name only.
type CommandResultPayload struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
}

// HeartbeatPayload is intentionally empty; the envelope itself carries
// the liveness signal.
type HeartbeatPayload struct{}
