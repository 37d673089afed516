package vms

import (
	"database/sql"
	"fmt"
)

// Migrate creates the VM tables.
func Migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vms (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		project_id    TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'created',
		hypervisor_id INTEGER,
		cpu           INTEGER NOT NULL,
		memory_mb     INTEGER NOT NULL,
		disk_gb       INTEGER NOT NULL,
		console_path  TEXT,
		serial_path   TEXT,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (hypervisor_id) REFERENCES agents(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vms_project    ON vms(project_id);
	CREATE INDEX IF NOT EXISTS idx_vms_status     ON vms(status);
	CREATE INDEX IF NOT EXISTS idx_vms_hypervisor ON vms(hypervisor_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migration failed at [vms]: %w", err)
	}
	return nil
}
