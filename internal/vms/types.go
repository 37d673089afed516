package vms

import "time"

// Status is a VM's persisted lifecycle status. It is authoritative in the
// store but must be reconciled against the agent's reported truth after any
// operation or on-demand status query.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusShutdown Status = "shutdown"
	StatusDeleted  Status = "deleted"
	StatusError    Status = "error"
)

// VM represents a tenant virtual machine.
type VM struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
	Status    Status `json:"status"`

	// HypervisorID is the assigned agent, nil until scheduled.
	HypervisorID *int64 `json:"hypervisor_id,omitempty"`

	CPU      int `json:"cpu"`
	MemoryMB int `json:"memory_mb"`
	DiskGB   int `json:"disk_gb"`

	// Endpoint locators reported by the agent.
	ConsolePath string `json:"console_path,omitempty"`
	SerialPath  string `json:"serial_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const timeFormat = "2006-01-02 15:04:05"
