package agents

import (
	"database/sql"
	"fmt"
	"time"
)

// ─── Agent Fleet ──────────────────────────────────────────────────────────────

// CreateAgent inserts a new agent record in status "registered".
func CreateAgent(db *sql.DB, name, capacityJSON string) (*Agent, error) {
	result, err := db.Exec(`
		INSERT INTO agents (name, status, capacity_json)
		VALUES (?, ?, ?)
	`, name, StatusRegistered, capacityJSON)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return GetAgentByID(db, id)
}

// GetAgentByID retrieves an agent by primary key. Returns nil if absent.
func GetAgentByID(db *sql.DB, id int64) (*Agent, error) {
	row := db.QueryRow(`
		SELECT id, name, status, last_heartbeat, capacity_json, registered_at
		FROM agents WHERE id = ?
	`, id)
	return scanAgentRow(row)
}

// GetAgentByName retrieves an agent by its fleet-unique name. Returns nil if absent.
func GetAgentByName(db *sql.DB, name string) (*Agent, error) {
	row := db.QueryRow(`
		SELECT id, name, status, last_heartbeat, capacity_json, registered_at
		FROM agents WHERE name = ?
	`, name)
	return scanAgentRow(row)
}

// ListAgents returns all agents ordered by name.
func ListAgents(db *sql.DB) ([]Agent, error) {
	rows, err := db.Query(`
		SELECT id, name, status, last_heartbeat, capacity_json, registered_at
		FROM agents ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgentValues(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TouchHeartbeat stamps last_heartbeat to now (UTC) and marks the agent
// online. It is a single cheap write; callers on the dispatch path must not
// wait on anything else.
func TouchHeartbeat(db *sql.DB, name string) error {
	_, err := db.Exec(`
		UPDATE agents SET last_heartbeat = ?, status = ? WHERE name = ?
	`, time.Now().UTC().Format(timeFormat), StatusOnline, name)
	return err
}

// SetCapacity stores the agent's self-reported capability metadata.
func SetCapacity(db *sql.DB, name, capacityJSON string) error {
	_, err := db.Exec("UPDATE agents SET capacity_json = ? WHERE name = ?", capacityJSON, name)
	return err
}

// UpdateStatus sets the persisted lifecycle status.
func UpdateStatus(db *sql.DB, name string, status Status) error {
	_, err := db.Exec("UPDATE agents SET status = ? WHERE name = ?", status, name)
	return err
}

// MarkOnline stamps the heartbeat and flips status in one write, used on
// successful registration.
func MarkOnline(db *sql.DB, name string) error {
	return TouchHeartbeat(db, name)
}

// StaleOnlineAgents returns the names of agents persisted as online whose
// last heartbeat is older than the cutoff. The liveness sweep feeds on this.
func StaleOnlineAgents(db *sql.DB, cutoff time.Time) ([]string, error) {
	rows, err := db.Query(`
		SELECT name FROM agents
		WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)
	`, StatusOnline, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("query stale agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent record on explicit deregistration.
func DeleteAgent(db *sql.DB, name string) error {
	_, err := db.Exec("DELETE FROM agents WHERE name = ?", name)
	return err
}

// ─── Scan helpers ─────────────────────────────────────────────────────────────

func scanAgentRow(row *sql.Row) (*Agent, error) {
	a, err := scanAgentValues(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanAgentValues(scan func(...any) error) (*Agent, error) {
	var a Agent
	var status string
	var lastHeartbeat, capacity, registeredAt sql.NullString

	if err := scan(&a.ID, &a.Name, &status, &lastHeartbeat, &capacity, &registeredAt); err != nil {
		return nil, err
	}

	a.Status = Status(status)
	if capacity.Valid {
		a.CapacityJSON = capacity.String
	}
	if lastHeartbeat.Valid {
		t, _ := time.Parse(timeFormat, lastHeartbeat.String)
		a.LastHeartbeat = &t
	}
	if registeredAt.Valid {
		a.RegisteredAt, _ = time.Parse(timeFormat, registeredAt.String)
	}
	return &a, nil
}
