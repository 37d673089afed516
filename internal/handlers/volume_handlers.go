package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"warden/internal/volumes"
)

type createVolumeRequest struct {
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
	SizeGB    int    `json:"size_gb"`
	Format    string `json:"format,omitempty"`
}

// CreateVolume records a new, unattached volume.
// POST /api/v1/volumes
func CreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.ProjectID == "" {
		JSONError(w, "Missing required fields: name, project_id", http.StatusBadRequest)
		return
	}
	if req.SizeGB <= 0 {
		JSONError(w, "size_gb must be positive", http.StatusBadRequest)
		return
	}
	if req.Format == "" {
		req.Format = "qcow2"
	}

	vol, err := volumes.CreateVolume(DB, req.Name, req.ProjectID, req.SizeGB, req.Format, volumes.StatusAvailable)
	if err != nil {
		log.Printf("❌ Failed to create volume: %v", err)
		JSONError(w, "Failed to create volume", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, vol)
}

// ListVolumes returns volumes, optionally filtered by project or VM.
// GET /api/v1/volumes?project=proj-a&vm=<id>
func ListVolumes(w http.ResponseWriter, r *http.Request) {
	list, err := volumes.ListVolumes(DB, r.URL.Query().Get("project"), r.URL.Query().Get("vm"))
	if err != nil {
		log.Printf("❌ Failed to list volumes: %v", err)
		JSONError(w, "Failed to list volumes", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []volumes.Volume{}
	}
	JSONResponse(w, list)
}

// GetVolume returns one volume.
// GET /api/v1/volumes/{id}
func GetVolume(w http.ResponseWriter, r *http.Request) {
	vol, err := volumes.GetVolume(DB, r.PathValue("id"))
	if err != nil {
		log.Printf("❌ Failed to get volume: %v", err)
		JSONError(w, "Failed to get volume", http.StatusInternalServerError)
		return
	}
	if vol == nil {
		JSONError(w, "Volume not found", http.StatusNotFound)
		return
	}
	JSONResponse(w, vol)
}

// AttachVolume attaches a volume to a running VM.
// POST /api/v1/volumes/{id}/attach
func AttachVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VMID       string `json:"vm_id"`
		DeviceName string `json:"device_name,omitempty"`
		BootOrder  int    `json:"boot_order,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.VMID == "" {
		JSONError(w, "Missing required field: vm_id", http.StatusBadRequest)
		return
	}

	vol, err := Orch.AttachVolume(r.PathValue("id"), req.VMID, req.DeviceName, req.BootOrder)
	if err != nil {
		OperationError(w, err)
		return
	}
	JSONResponse(w, vol)
}

// DetachVolume returns an attached volume to available.
// POST /api/v1/volumes/{id}/detach
func DetachVolume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := Orch.DetachVolume(id); err != nil {
		OperationError(w, err)
		return
	}
	vol, err := volumes.GetVolume(DB, id)
	if err != nil || vol == nil {
		JSONResponse(w, map[string]string{"status": "detached"})
		return
	}
	JSONResponse(w, vol)
}

// ResizeVolume grows a volume.
// POST /api/v1/volumes/{id}/resize
func ResizeVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SizeGB int `json:"size_gb"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := Orch.ResizeVolume(id, req.SizeGB); err != nil {
		OperationError(w, err)
		return
	}
	vol, _ := volumes.GetVolume(DB, id)
	JSONResponse(w, vol)
}

// SnapshotVolume creates a snapshot.
// POST /api/v1/volumes/{id}/snapshots
func SnapshotVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		JSONError(w, "Missing required field: name", http.StatusBadRequest)
		return
	}

	snap, err := Orch.SnapshotVolume(r.PathValue("id"), req.Name)
	if err != nil {
		OperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, snap)
}

// ListSnapshots returns a volume's snapshots.
// GET /api/v1/volumes/{id}/snapshots
func ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := volumes.ListSnapshots(DB, r.PathValue("id"))
	if err != nil {
		log.Printf("❌ Failed to list snapshots: %v", err)
		JSONError(w, "Failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []volumes.Snapshot{}
	}
	JSONResponse(w, snaps)
}

// CloneVolume produces an independent copy of the volume.
// POST /api/v1/volumes/{id}/clone
func CloneVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		JSONError(w, "Missing required field: name", http.StatusBadRequest)
		return
	}

	clone, err := Orch.CloneVolume(r.PathValue("id"), req.Name)
	if err != nil {
		OperationError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, clone)
}

// DeleteVolume removes an available volume and its snapshots.
// DELETE /api/v1/volumes/{id}
func DeleteVolume(w http.ResponseWriter, r *http.Request) {
	if err := Orch.DeleteVolume(r.PathValue("id")); err != nil {
		OperationError(w, err)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// RegisterVolumeRoutes wires the volume endpoints.
func RegisterVolumeRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/v1/volumes", protect(CreateVolume))
	mux.HandleFunc("GET /api/v1/volumes", protect(ListVolumes))
	mux.HandleFunc("GET /api/v1/volumes/{id}", protect(GetVolume))
	mux.HandleFunc("DELETE /api/v1/volumes/{id}", protect(DeleteVolume))

	mux.HandleFunc("POST /api/v1/volumes/{id}/attach", protect(AttachVolume))
	mux.HandleFunc("POST /api/v1/volumes/{id}/detach", protect(DetachVolume))
	mux.HandleFunc("POST /api/v1/volumes/{id}/resize", protect(ResizeVolume))
	mux.HandleFunc("POST /api/v1/volumes/{id}/clone", protect(CloneVolume))

	mux.HandleFunc("POST /api/v1/volumes/{id}/snapshots", protect(SnapshotVolume))
	mux.HandleFunc("GET /api/v1/volumes/{id}/snapshots", protect(ListSnapshots))
}
