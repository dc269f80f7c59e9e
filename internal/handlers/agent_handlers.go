package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"hostwarden/internal/agents"
	"hostwarden/internal/hub"
	"hostwarden/internal/version"
)

// AgentHandlers serves the agent management endpoints, merging the
// persistent registry with live hub state.
type AgentHandlers struct {
	store    *agents.Store
	registry *hub.Registry
	commands *hub.CommandChannel
}

// NewAgentHandlers wires the handlers to their collaborators.
func NewAgentHandlers(store *agents.Store, registry *hub.Registry, commands *hub.CommandChannel) *AgentHandlers {
	return &AgentHandlers{store: store, registry: registry, commands: commands}
}

// agentView is a provisioned agent merged with its live connection
// state for list and status responses.
type agentView struct {
	agents.Agent
	Connected bool       `json:"connected"`
	LiveHost  string     `json:"live_hostname,omitempty"`
	Version   string     `json:"agent_version,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

func (h *AgentHandlers) merge(a agents.Agent) agentView {
	v := agentView{Agent: a}
	if status, ok := h.registry.Status(a.AgentID); ok {
		v.Connected = true
		v.LiveHost = status.Hostname
		v.Version = status.Version
		v.LastSeen = &status.LastSeen
	}
	return v
}

// List handles GET /api/v1/agents.
func (h *AgentHandlers) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.List()
	if err != nil {
		JSONError(w, "Failed to list agents", http.StatusInternalServerError)
		return
	}

	out := make([]agentView, 0, len(all))
	for _, a := range all {
		out = append(out, h.merge(a))
	}
	JSONResponse(w, map[string]interface{}{
		"agents":    out,
		"connected": h.registry.Len(),
	})
}

// provisionRequest is the body for POST /api/v1/agents.
type provisionRequest struct {
	Hostname string `json:"hostname"`
}

// Provision handles POST /api/v1/agents. The response carries the
// agent's secret — the only time it is ever returned.
func (h *AgentHandlers) Provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Hostname == "" {
		JSONError(w, "hostname is required", http.StatusBadRequest)
		return
	}

	a, err := h.store.Provision(req.Hostname)
	if err != nil {
		JSONError(w, "Failed to provision agent", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(a); err != nil {
		log.Printf("[API] Failed to encode JSON response: %v", err)
	}
}

// Delete handles DELETE /api/v1/agents/{id}. A live session is not
// closed here: the agent's secret stops resolving, so the hub rejects
// its next message with unknown_agent and drops the connection then.
func (h *AgentHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	a, err := h.store.Get(id)
	if err != nil {
		JSONError(w, "Failed to look up agent", http.StatusInternalServerError)
		return
	}
	if a == nil {
		JSONError(w, "Agent not found", http.StatusNotFound)
		return
	}

	if err := h.store.Delete(id); err != nil {
		JSONError(w, "Failed to delete agent", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted", "agent_id": id})
}

// SetEnabled handles PUT /api/v1/agents/{id}/enabled.
func (h *AgentHandlers) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	a, err := h.store.Get(id)
	if err != nil {
		JSONError(w, "Failed to look up agent", http.StatusInternalServerError)
		return
	}
	if a == nil {
		JSONError(w, "Agent not found", http.StatusNotFound)
		return
	}

	if err := h.store.SetEnabled(id, req.Enabled); err != nil {
		JSONError(w, "Failed to update agent", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"agent_id": id, "enabled": req.Enabled})
}

// Status handles GET /api/v1/agents/{id}/status.
func (h *AgentHandlers) Status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	a, err := h.store.Get(id)
	if err != nil {
		JSONError(w, "Failed to look up agent", http.StatusInternalServerError)
		return
	}
	if a == nil {
		JSONError(w, "Agent not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, h.merge(*a))
}

// commandRequest is the body for POST /api/v1/agents/{id}/command.
type commandRequest struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// Command handles POST /api/v1/agents/{id}/command. Delivered means
// the send succeeded, not that the agent executed anything; results
// arrive later as command_result events.
func (h *AgentHandlers) Command(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		JSONError(w, "command is required", http.StatusBadRequest)
		return
	}

	delivered := h.commands.SendCommand(r.Context(), id, req.Command, req.Args)
	JSONResponse(w, map[string]interface{}{
		"agent_id":  id,
		"command":   req.Command,
		"delivered": delivered,
	})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}
