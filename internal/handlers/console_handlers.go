package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"warden/internal/agents"
	"warden/internal/auth"
	"warden/internal/vms"
)

var consoleUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// VMConsole attaches a browser websocket to the VM's serial console. All
// validation happens before the upgrade; after it, the connection belongs
// to the console router until either side disconnects.
// GET /api/v1/vms/{id}/console (websocket)
func VMConsole(w http.ResponseWriter, r *http.Request) {
	vm, err := vms.GetVM(DB, r.PathValue("id"))
	if err != nil {
		JSONError(w, "Failed to get VM", http.StatusInternalServerError)
		return
	}
	if vm == nil {
		JSONError(w, "VM not found", http.StatusNotFound)
		return
	}
	if vm.Status != vms.StatusRunning {
		JSONError(w, "VM is not running", http.StatusConflict)
		return
	}
	if vm.HypervisorID == nil {
		JSONError(w, "VM is not scheduled on any agent", http.StatusConflict)
		return
	}

	agent, err := agents.GetAgentByID(DB, *vm.HypervisorID)
	if err != nil || agent == nil {
		JSONError(w, "Agent not found", http.StatusServiceUnavailable)
		return
	}

	userID := "anonymous"
	if session := auth.GetSessionFromContext(r); session != nil {
		userID = session.Username
	}
	if !Authz.CheckPermission(userID, "console", "vm", vm.ID) {
		JSONError(w, "Forbidden", http.StatusForbidden)
		return
	}

	ws, err := consoleUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Console] Upgrade failed for VM %s: %v", vm.ID, err)
		return
	}

	// Open blocks until the frontend disconnects; the router owns the
	// transport from here.
	if err := Hub.Console().Open(ws, vm.ID, agent.Name, userID); err != nil {
		log.Printf("[Console] Session for VM %s failed: %v", vm.ID, err)
	}
}

// RegisterConsoleRoutes wires the console websocket endpoint.
func RegisterConsoleRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/v1/vms/{id}/console", protect(VMConsole))
}
