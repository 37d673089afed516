package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"warden/internal/vms"
)

type createVMRequest struct {
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
	CPU       int    `json:"cpu"`
	MemoryMB  int    `json:"memory_mb"`
	DiskGB    int    `json:"disk_gb"`
}

// CreateVM records a new VM. The record starts in created; nothing runs on
// an agent until the first boot schedules it.
// POST /api/v1/vms
func CreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.ProjectID == "" {
		JSONError(w, "Missing required fields: name, project_id", http.StatusBadRequest)
		return
	}
	if req.CPU <= 0 || req.MemoryMB <= 0 || req.DiskGB <= 0 {
		JSONError(w, "cpu, memory_mb and disk_gb must be positive", http.StatusBadRequest)
		return
	}

	vm, err := vms.CreateVM(DB, req.Name, req.ProjectID, req.CPU, req.MemoryMB, req.DiskGB)
	if err != nil {
		log.Printf("❌ Failed to create VM: %v", err)
		JSONError(w, "Failed to create VM", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, vm)
}

// ListVMs returns all VMs, optionally filtered by project.
// GET /api/v1/vms
// GET /api/v1/vms?project=proj-a
func ListVMs(w http.ResponseWriter, r *http.Request) {
	list, err := vms.ListVMs(DB, r.URL.Query().Get("project"))
	if err != nil {
		log.Printf("❌ Failed to list VMs: %v", err)
		JSONError(w, "Failed to list VMs", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []vms.VM{}
	}
	JSONResponse(w, list)
}

// GetVM returns one VM.
// GET /api/v1/vms/{id}
func GetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := vms.GetVM(DB, r.PathValue("id"))
	if err != nil {
		log.Printf("❌ Failed to get VM: %v", err)
		JSONError(w, "Failed to get VM", http.StatusInternalServerError)
		return
	}
	if vm == nil {
		JSONError(w, "VM not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, vm)
}

// vmOperation adapts one orchestrator VM operation into a handler.
func vmOperation(op func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(id); err != nil {
			OperationError(w, err)
			return
		}
		vm, err := vms.GetVM(DB, id)
		if err != nil || vm == nil {
			JSONResponse(w, map[string]string{"status": "ok"})
			return
		}
		JSONResponse(w, vm)
	}
}

// SyncVM reconciles the persisted status against the agent's ground truth.
// POST /api/v1/vms/{id}/sync
func SyncVM(w http.ResponseWriter, r *http.Request) {
	status, err := Orch.SyncVMStatus(r.PathValue("id"))
	if err != nil {
		OperationError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"status": string(status)})
}

// RegisterVMRoutes wires the VM endpoints.
func RegisterVMRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/v1/vms", protect(CreateVM))
	mux.HandleFunc("GET /api/v1/vms", protect(ListVMs))
	mux.HandleFunc("GET /api/v1/vms/{id}", protect(GetVM))

	mux.HandleFunc("POST /api/v1/vms/{id}/boot", protect(vmOperation(func(id string) error { return Orch.BootVM(id) })))
	mux.HandleFunc("POST /api/v1/vms/{id}/shutdown", protect(vmOperation(func(id string) error { return Orch.ShutdownVM(id) })))
	mux.HandleFunc("POST /api/v1/vms/{id}/reboot", protect(vmOperation(func(id string) error { return Orch.RebootVM(id) })))
	mux.HandleFunc("POST /api/v1/vms/{id}/pause", protect(vmOperation(func(id string) error { return Orch.PauseVM(id) })))
	mux.HandleFunc("POST /api/v1/vms/{id}/resume", protect(vmOperation(func(id string) error { return Orch.ResumeVM(id) })))
	mux.HandleFunc("DELETE /api/v1/vms/{id}", protect(vmOperation(func(id string) error { return Orch.DeleteVM(id) })))
	mux.HandleFunc("POST /api/v1/vms/{id}/sync", protect(SyncVM))
}
