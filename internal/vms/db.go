package vms

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateVM inserts a new VM record in status "created".
func CreateVM(db *sql.DB, name, projectID string, cpu, memoryMB, diskGB int) (*VM, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO vms (id, name, project_id, status, cpu, memory_mb, disk_gb)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, name, projectID, StatusCreated, cpu, memoryMB, diskGB)
	if err != nil {
		return nil, fmt.Errorf("insert vm: %w", err)
	}
	return GetVM(db, id)
}

// GetVM retrieves a VM by id. Returns nil if absent.
func GetVM(db *sql.DB, id string) (*VM, error) {
	row := db.QueryRow(`
		SELECT id, name, project_id, status, hypervisor_id,
		       cpu, memory_mb, disk_gb, console_path, serial_path,
		       created_at, updated_at
		FROM vms WHERE id = ?
	`, id)
	return scanVMRow(row)
}

// ListVMs returns all VMs, optionally filtered by project.
func ListVMs(db *sql.DB, projectID string) ([]VM, error) {
	query := `
		SELECT id, name, project_id, status, hypervisor_id,
		       cpu, memory_mb, disk_gb, console_path, serial_path,
		       created_at, updated_at
		FROM vms`
	args := []any{}
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close()

	var out []VM
	for rows.Next() {
		v, err := scanVMValues(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// UpdateStatus persists a new lifecycle status.
func UpdateStatus(db *sql.DB, id string, status Status) error {
	_, err := db.Exec(`
		UPDATE vms SET status = ?, updated_at = ? WHERE id = ?
	`, status, now(), id)
	return err
}

// AssignAgent schedules the VM onto an agent.
func AssignAgent(db *sql.DB, id string, agentID int64) error {
	_, err := db.Exec(`
		UPDATE vms SET hypervisor_id = ?, updated_at = ? WHERE id = ?
	`, agentID, now(), id)
	return err
}

// SetEndpoints records the console/serial locators the agent reported.
func SetEndpoints(db *sql.DB, id, consolePath, serialPath string) error {
	_, err := db.Exec(`
		UPDATE vms SET console_path = ?, serial_path = ?, updated_at = ? WHERE id = ?
	`, consolePath, serialPath, now(), id)
	return err
}

// DeleteVM removes the record outright. Lifecycle deletion goes through the
// orchestrator, which flips status to "deleted" after the agent confirms;
// this is for purging records of deleted VMs.
func DeleteVM(db *sql.DB, id string) error {
	_, err := db.Exec("DELETE FROM vms WHERE id = ?", id)
	return err
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

func scanVMRow(row *sql.Row) (*VM, error) {
	v, err := scanVMValues(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func scanVMValues(scan func(...any) error) (*VM, error) {
	var v VM
	var status string
	var hypervisorID sql.NullInt64
	var consolePath, serialPath sql.NullString
	var createdAt, updatedAt sql.NullString

	if err := scan(
		&v.ID, &v.Name, &v.ProjectID, &status, &hypervisorID,
		&v.CPU, &v.MemoryMB, &v.DiskGB, &consolePath, &serialPath,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	v.Status = Status(status)
	if hypervisorID.Valid {
		id := hypervisorID.Int64
		v.HypervisorID = &id
	}
	if consolePath.Valid {
		v.ConsolePath = consolePath.String
	}
	if serialPath.Valid {
		v.SerialPath = serialPath.String
	}
	if createdAt.Valid {
		v.CreatedAt, _ = time.Parse(timeFormat, createdAt.String)
	}
	if updatedAt.Valid {
		v.UpdatedAt, _ = time.Parse(timeFormat, updatedAt.String)
	}
	return &v, nil
}
