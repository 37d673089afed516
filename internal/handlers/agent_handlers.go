package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"warden/internal/agents"
)

// ─── Registration tokens ──────────────────────────────────────────────────────

type createTokenRequest struct {
	AgentName string `json:"agent_name"`
	ExpiresIn string `json:"expires_in,omitempty"` // Go duration, empty = never
}

// CreateToken mints a one-time registration token bound to an agent name.
// POST /api/v1/agents/tokens
func CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.AgentName == "" {
		JSONError(w, "Missing required field: agent_name", http.StatusBadRequest)
		return
	}

	var expiresIn *time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			JSONError(w, "expires_in must be a positive duration", http.StatusBadRequest)
			return
		}
		expiresIn = &d
	}

	token, err := agents.CreateRegistrationToken(DB, req.AgentName, expiresIn)
	if err != nil {
		log.Printf("❌ Failed to create registration token: %v", err)
		JSONError(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, token)
}

// ListTokens returns all registration tokens (used ones included).
// GET /api/v1/agents/tokens
func ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := agents.ListRegistrationTokens(DB)
	if err != nil {
		log.Printf("❌ Failed to list registration tokens: %v", err)
		JSONError(w, "Failed to list tokens", http.StatusInternalServerError)
		return
	}
	if tokens == nil {
		tokens = []agents.RegistrationToken{}
	}
	JSONResponse(w, tokens)
}

// DeleteToken revokes an unused registration token.
// DELETE /api/v1/agents/tokens/{id}
func DeleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid token id", http.StatusBadRequest)
		return
	}
	if err := agents.DeleteRegistrationToken(DB, id); err != nil {
		log.Printf("❌ Failed to delete token %d: %v", id, err)
		JSONError(w, "Failed to delete token", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// ─── Agents ───────────────────────────────────────────────────────────────────

type agentView struct {
	agents.Agent
	EffectiveStatus agents.Status `json:"effective_status"`
	Connected       bool          `json:"connected"`
}

func viewOf(a agents.Agent, connected map[string]bool) agentView {
	return agentView{
		Agent:           a,
		EffectiveStatus: a.EffectiveStatus(Cfg.HeartbeatThreshold, time.Now().UTC()),
		Connected:       connected[a.Name],
	}
}

func connectedSet() map[string]bool {
	set := make(map[string]bool)
	for _, name := range Hub.ConnectedAgents() {
		set[name] = true
	}
	return set
}

// ListAgents returns the fleet with liveness recomputed from heartbeats, so
// a lagging sweep never shows a dead agent as online.
// GET /api/v1/agents
func ListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := agents.ListAgents(DB)
	if err != nil {
		log.Printf("❌ Failed to list agents: %v", err)
		JSONError(w, "Failed to list agents", http.StatusInternalServerError)
		return
	}

	connected := connectedSet()
	views := make([]agentView, 0, len(list))
	for _, a := range list {
		views = append(views, viewOf(a, connected))
	}
	JSONResponse(w, views)
}

// GetAgent returns a single agent.
// GET /api/v1/agents/{name}
func GetAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	agent, err := agents.GetAgentByName(DB, name)
	if err != nil {
		log.Printf("❌ Failed to get agent %q: %v", name, err)
		JSONError(w, "Failed to get agent", http.StatusInternalServerError)
		return
	}
	if agent == nil {
		JSONError(w, "Agent not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, viewOf(*agent, connectedSet()))
}

// ForceOfflineAgent evicts the agent's connection and marks it offline.
// POST /api/v1/agents/{name}/force-offline
func ForceOfflineAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	agent, err := agents.GetAgentByName(DB, name)
	if err != nil || agent == nil {
		JSONError(w, "Agent not found", http.StatusNotFound)
		return
	}

	Hub.ForceOffline(name)
	log.Printf("[Agents] %q forced offline by administrator", name)
	JSONResponse(w, map[string]string{"status": "offline"})
}

// DeregisterAgent removes an agent from the fleet. Agents still hosting VMs
// cannot be removed.
// DELETE /api/v1/agents/{name}
func DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	agent, err := agents.GetAgentByName(DB, name)
	if err != nil || agent == nil {
		JSONError(w, "Agent not found", http.StatusNotFound)
		return
	}

	var hosted int
	DB.QueryRow("SELECT COUNT(*) FROM vms WHERE hypervisor_id = ? AND status != 'deleted'", agent.ID).Scan(&hosted)
	if hosted > 0 {
		JSONError(w, "Agent still hosts VMs", http.StatusConflict)
		return
	}

	Hub.ForceOffline(name)
	if err := agents.DeleteAgent(DB, name); err != nil {
		log.Printf("❌ Failed to deregister agent %q: %v", name, err)
		JSONError(w, "Failed to deregister agent", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deregistered"})
}

// RegisterAgentRoutes wires the agent admin endpoints.
func RegisterAgentRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/v1/agents/tokens", protect(CreateToken))
	mux.HandleFunc("GET /api/v1/agents/tokens", protect(ListTokens))
	mux.HandleFunc("DELETE /api/v1/agents/tokens/{id}", protect(DeleteToken))

	mux.HandleFunc("GET /api/v1/agents", protect(ListAgents))
	mux.HandleFunc("GET /api/v1/agents/{name}", protect(GetAgent))
	mux.HandleFunc("POST /api/v1/agents/{name}/force-offline", protect(ForceOfflineAgent))
	mux.HandleFunc("DELETE /api/v1/agents/{name}", protect(DeregisterAgent))
}
