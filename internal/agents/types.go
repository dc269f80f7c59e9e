// Package agents is the persistent agent registry: provisioned agent
// records and the shared secrets the hub authenticates envelopes with.
package agents

import "time"

// Agent is a provisioned monitoring agent. Secret is populated only on
// Provision; lookups leave it empty so it never leaks through list or
// status responses.
type Agent struct {
	AgentID         string     `json:"agent_id"`
	Hostname        string     `json:"hostname"`
	Secret          string     `json:"secret,omitempty"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

const timeFormat = "2006-01-02 15:04:05"
