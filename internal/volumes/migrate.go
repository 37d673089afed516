package volumes

import (
	"database/sql"
	"fmt"
)

// Migrate creates the volume tables.
func Migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS volumes (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		project_id   TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'creating',
		vm_id        TEXT,
		device_name  TEXT,
		boot_order   INTEGER DEFAULT 0,
		size_gb      INTEGER NOT NULL,
		format       TEXT NOT NULL DEFAULT 'qcow2',
		storage_path TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (vm_id) REFERENCES vms(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_volumes_project ON volumes(project_id);
	CREATE INDEX IF NOT EXISTS idx_volumes_vm      ON volumes(vm_id);
	CREATE INDEX IF NOT EXISTS idx_volumes_status  ON volumes(status);

	CREATE TABLE IF NOT EXISTS volume_snapshots (
		id         TEXT PRIMARY KEY,
		volume_id  TEXT NOT NULL,
		name       TEXT,
		status     TEXT NOT NULL DEFAULT 'creating',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (volume_id) REFERENCES volumes(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_volume ON volume_snapshots(volume_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migration failed at [volumes]: %w", err)
	}
	return nil
}
