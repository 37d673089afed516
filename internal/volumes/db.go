package volumes

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateVolume inserts a new volume record. Initial status is the caller's
// choice: "creating" while provisioning runs, or "available" for
// pre-provisioned storage.
func CreateVolume(db *sql.DB, name, projectID string, sizeGB int, format string, status Status) (*Volume, error) {
	if format == "" {
		format = "qcow2"
	}
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO volumes (id, name, project_id, status, size_gb, format)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, name, projectID, status, sizeGB, format)
	if err != nil {
		return nil, fmt.Errorf("insert volume: %w", err)
	}
	return GetVolume(db, id)
}

// GetVolume retrieves a volume by id. Returns nil if absent.
func GetVolume(db *sql.DB, id string) (*Volume, error) {
	row := db.QueryRow(`
		SELECT id, name, project_id, status, vm_id, device_name, boot_order,
		       size_gb, format, storage_path, created_at, updated_at
		FROM volumes WHERE id = ?
	`, id)
	return scanVolumeRow(row)
}

// ListVolumes returns all volumes, optionally filtered by project or VM.
func ListVolumes(db *sql.DB, projectID, vmID string) ([]Volume, error) {
	query := `
		SELECT id, name, project_id, status, vm_id, device_name, boot_order,
		       size_gb, format, storage_path, created_at, updated_at
		FROM volumes WHERE 1=1`
	args := []any{}
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	if vmID != "" {
		query += " AND vm_id = ?"
		args = append(args, vmID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	defer rows.Close()

	var out []Volume
	for rows.Next() {
		v, err := scanVolumeValues(rows.Scan)
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
		UPDATE volumes SET status = ?, updated_at = ? WHERE id = ?
	`, status, now(), id)
	return err
}

// SetAttachment records the VM association after a successful attach.
func SetAttachment(db *sql.DB, id, vmID, deviceName string, bootOrder int) error {
	_, err := db.Exec(`
		UPDATE volumes SET status = ?, vm_id = ?, device_name = ?, boot_order = ?, updated_at = ?
		WHERE id = ?
	`, StatusAttached, vmID, deviceName, bootOrder, now(), id)
	return err
}

// ClearAttachment drops the VM association and returns the volume to the
// given stable status (available after detach, or as compensation after a
// failed attach).
func ClearAttachment(db *sql.DB, id string, status Status) error {
	_, err := db.Exec(`
		UPDATE volumes SET status = ?, vm_id = NULL, device_name = NULL, boot_order = 0, updated_at = ?
		WHERE id = ?
	`, status, now(), id)
	return err
}

// SetSize persists a new size after a successful resize.
func SetSize(db *sql.DB, id string, sizeGB int, status Status) error {
	_, err := db.Exec(`
		UPDATE volumes SET size_gb = ?, status = ?, updated_at = ? WHERE id = ?
	`, sizeGB, status, now(), id)
	return err
}

// SetStoragePath records the storage locator the agent reported.
func SetStoragePath(db *sql.DB, id, path string) error {
	_, err := db.Exec(`
		UPDATE volumes SET storage_path = ?, updated_at = ? WHERE id = ?
	`, path, now(), id)
	return err
}

// DeleteVolume removes the record and, via cascade, its snapshots.
func DeleteVolume(db *sql.DB, id string) error {
	_, err := db.Exec("DELETE FROM volumes WHERE id = ?", id)
	return err
}

// ─── Snapshots ────────────────────────────────────────────────────────────────

// CreateSnapshot inserts a snapshot record in status "creating".
func CreateSnapshot(db *sql.DB, volumeID, name string) (*Snapshot, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO volume_snapshots (id, volume_id, name, status)
		VALUES (?, ?, ?, ?)
	`, id, volumeID, name, SnapshotCreating)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return GetSnapshot(db, id)
}

// GetSnapshot retrieves a snapshot by id. Returns nil if absent.
func GetSnapshot(db *sql.DB, id string) (*Snapshot, error) {
	var s Snapshot
	var name sql.NullString
	var status, createdAt string

	err := db.QueryRow(`
		SELECT id, volume_id, name, status, created_at
		FROM volume_snapshots WHERE id = ?
	`, id).Scan(&s.ID, &s.VolumeID, &name, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if name.Valid {
		s.Name = name.String
	}
	s.Status = SnapshotStatus(status)
	s.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &s, nil
}

// ListSnapshots returns a volume's snapshots, newest first.
func ListSnapshots(db *sql.DB, volumeID string) ([]Snapshot, error) {
	rows, err := db.Query(`
		SELECT id, volume_id, name, status, created_at
		FROM volume_snapshots WHERE volume_id = ? ORDER BY created_at DESC
	`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var name sql.NullString
		var status, createdAt string
		if err := rows.Scan(&s.ID, &s.VolumeID, &name, &status, &createdAt); err != nil {
			return nil, err
		}
		if name.Valid {
			s.Name = name.String
		}
		s.Status = SnapshotStatus(status)
		s.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSnapshotStatus persists a snapshot's lifecycle status.
func UpdateSnapshotStatus(db *sql.DB, id string, status SnapshotStatus) error {
	_, err := db.Exec("UPDATE volume_snapshots SET status = ? WHERE id = ?", status, id)
	return err
}

// DeleteSnapshot removes a snapshot record.
func DeleteSnapshot(db *sql.DB, id string) error {
	_, err := db.Exec("DELETE FROM volume_snapshots WHERE id = ?", id)
	return err
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

func scanVolumeRow(row *sql.Row) (*Volume, error) {
	v, err := scanVolumeValues(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func scanVolumeValues(scan func(...any) error) (*Volume, error) {
	var v Volume
	var status string
	var vmID, deviceName, storagePath sql.NullString
	var bootOrder sql.NullInt64
	var createdAt, updatedAt sql.NullString

	if err := scan(
		&v.ID, &v.Name, &v.ProjectID, &status, &vmID, &deviceName, &bootOrder,
		&v.SizeGB, &v.Format, &storagePath, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	v.Status = Status(status)
	if vmID.Valid {
		v.VMID = vmID.String
	}
	if deviceName.Valid {
		v.DeviceName = deviceName.String
	}
	if bootOrder.Valid {
		v.BootOrder = int(bootOrder.Int64)
	}
	if storagePath.Valid {
		v.StoragePath = storagePath.String
	}
	if createdAt.Valid {
		v.CreatedAt, _ = time.Parse(timeFormat, createdAt.String)
	}
	if updatedAt.Valid {
		v.UpdatedAt, _ = time.Parse(timeFormat, updatedAt.String)
	}
	return &v, nil
}
