package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"warden/internal/authz"
	"warden/internal/config"
	"warden/internal/gateway"
	"warden/internal/orchestrator"
)

// Package-level dependencies, set from main before route registration.
var (
	DB    *sql.DB
	Hub   *gateway.Hub
	Orch  *orchestrator.Orchestrator
	Cfg   config.Config
	Authz authz.Oracle = authz.AllowAll{}
)

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// OperationError maps an orchestrator/gateway error to its HTTP status.
func OperationError(w http.ResponseWriter, err error) {
	var (
		stateErr    *gateway.StateError
		unavailable *gateway.AgentUnavailableError
		corrErr     *gateway.CorrelationError
		remoteErr   *gateway.RemoteError
		compErr     *gateway.CompensationError
	)

	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		JSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrInvalidResize):
		JSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrNoAgents):
		JSONError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &stateErr):
		JSONError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &unavailable):
		JSONError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &corrErr):
		JSONError(w, err.Error(), http.StatusGatewayTimeout)
	case errors.As(err, &remoteErr):
		JSONError(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &compErr):
		JSONError(w, err.Error(), http.StatusInternalServerError)
	default:
		JSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// Health reports the control plane's own liveness.
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]interface{}{
		"status":           "ok",
		"connected_agents": len(Hub.ConnectedAgents()),
	})
}
