package volumes

import "time"

// Status is a volume's persisted lifecycle status. The *ing statuses are
// transitional: the orchestrator sets them before talking to the agent and
// replaces them with a stable status (or reverts) when the operation ends.
type Status string

const (
	StatusCreating     Status = "creating"
	StatusAvailable    Status = "available"
	StatusAttaching    Status = "attaching"
	StatusAttached     Status = "attached"
	StatusDetaching    Status = "detaching"
	StatusResizing     Status = "resizing"
	StatusSnapshotting Status = "snapshotting"
	StatusCloning      Status = "cloning"
	StatusDeleting     Status = "deleting"
	StatusError        Status = "error"
)

// Volume represents a block storage volume, optionally attached to a VM.
// An attached volume must share the VM's assigned agent.
type Volume struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
	Status    Status `json:"status"`

	// Attachment fields, all empty unless attached (or mid-attach).
	VMID       string `json:"vm_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	BootOrder  int    `json:"boot_order,omitempty"`

	SizeGB      int    `json:"size_gb"`
	Format      string `json:"format"`
	StoragePath string `json:"storage_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotStatus is a snapshot's lifecycle status.
type SnapshotStatus string

const (
	SnapshotCreating  SnapshotStatus = "creating"
	SnapshotAvailable SnapshotStatus = "available"
	SnapshotDeleting  SnapshotStatus = "deleting"
	SnapshotError     SnapshotStatus = "error"
)

// Snapshot is a point-in-time copy of exactly one volume. It is deleted
// before or with its parent.
type Snapshot struct {
	ID        string         `json:"id"`
	VolumeID  string         `json:"volume_id"`
	Name      string         `json:"name"`
	Status    SnapshotStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

const timeFormat = "2006-01-02 15:04:05"
