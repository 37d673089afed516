package agents

import (
	"database/sql"
	"fmt"
)

// Migrate creates the agent fleet tables.
func Migrate(db *sql.DB) error {
	statements := []struct {
		label string
		sql   string
	}{
		{"agents", `
			CREATE TABLE IF NOT EXISTS agents (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				name           TEXT    NOT NULL UNIQUE,
				status         TEXT    NOT NULL DEFAULT 'registered',
				last_heartbeat DATETIME,
				capacity_json  TEXT,
				registered_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"agents indexes", `
			CREATE INDEX IF NOT EXISTS idx_agents_name   ON agents(name);
			CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);`},

		{"registration_tokens", `
			CREATE TABLE IF NOT EXISTS registration_tokens (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				token      TEXT    NOT NULL UNIQUE,
				agent_name TEXT    NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				expires_at DATETIME,
				used_at    DATETIME
			);`},
		{"registration_tokens indexes", `
			CREATE INDEX IF NOT EXISTS idx_reg_tokens_token   ON registration_tokens(token);
			CREATE INDEX IF NOT EXISTS idx_reg_tokens_expires ON registration_tokens(expires_at);`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", s.label, err)
		}
	}
	return nil
}
