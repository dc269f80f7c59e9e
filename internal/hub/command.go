package hub

import (
	"context"
	"encoding/json"
	"log"

	"hostwarden/internal/protocol"
)

// CommandChannel builds, signs, and delivers command envelopes to a
// specific agent over its live session.
type CommandChannel struct {
	registry *Registry
	secrets  SecretProvider
}

// NewCommandChannel creates a command channel over the given registry
// and secret provider.
func NewCommandChannel(registry *Registry, secrets SecretProvider) *CommandChannel {
	return &CommandChannel{registry: registry, secrets: secrets}
}

// SendCommand signs and sends a command envelope to agentID. The
// return value means delivery was attempted, not confirmed: any result
// arrives later as an independent command_result message. False when
// the agent has no open session, its secret cannot be resolved, or the
// send itself fails — never an error, no queueing, no retry.
func (c *CommandChannel) SendCommand(ctx context.Context, agentID, command string, args map[string]string) bool {
	session := c.registry.Session(agentID)
	if session == nil {
		log.Printf("[CMD] Agent %q not connected, dropping %q", agentID, command)
		return false
	}

	secret, ok, err := c.secrets.AgentSecret(ctx, agentID)
	if err != nil {
		log.Printf("[CMD] Secret lookup failed for agent %q: %v", agentID, err)
		return false
	}
	if !ok {
		log.Printf("[CMD] No secret for agent %q, dropping %q", agentID, command)
		return false
	}

	env, err := protocol.NewEnvelope(protocol.TypeCommand, agentID, protocol.CommandPayload{
		Command: command,
		Args:    args,
	}, secret)
	if err != nil {
		log.Printf("[CMD] Building command envelope for agent %q: %v", agentID, err)
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[CMD] Encoding command envelope for agent %q: %v", agentID, err)
		return false
	}

	if err := session.send(data); err != nil {
		log.Printf("[CMD] Sending %q to agent %q: %v", command, agentID, err)
		return false
	}
	return true
}
