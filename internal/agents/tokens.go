package agents

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Token validation failures, distinguished so the gateway can report the
// exact admission rejection reason.
var (
	ErrTokenNotFound = errors.New("registration token not found")
	ErrTokenExpired  = errors.New("registration token expired")
	ErrTokenUsed     = errors.New("registration token already used")
)

// CreateRegistrationToken generates and stores a one-time token bound to an
// agent name. If expiresIn is nil the token never expires.
func CreateRegistrationToken(db *sql.DB, agentName string, expiresIn *time.Duration) (*RegistrationToken, error) {
	raw := make([]byte, 32)
	rand.Read(raw)
	token := hex.EncodeToString(raw)

	now := time.Now().UTC()

	var expiresVal interface{} // nil → SQL NULL
	var expiresPtr *time.Time
	if expiresIn != nil {
		t := now.Add(*expiresIn)
		expiresPtr = &t
		expiresVal = t.Format(timeFormat)
	}

	result, err := db.Exec(`
		INSERT INTO registration_tokens (token, agent_name, expires_at)
		VALUES (?, ?, ?)
	`, token, agentName, expiresVal)
	if err != nil {
		return nil, fmt.Errorf("create registration token: %w", err)
	}

	id, _ := result.LastInsertId()
	return &RegistrationToken{
		ID:        id,
		Token:     token,
		AgentName: agentName,
		CreatedAt: now,
		ExpiresAt: expiresPtr,
	}, nil
}

// ConsumeRegistrationToken validates a token against the expected agent name
// and marks it used. The mark-as-used write is a compare-and-set keyed on
// used_at IS NULL, so of two concurrent attempts with the same token exactly
// one wins; the loser observes ErrTokenUsed.
func ConsumeRegistrationToken(db *sql.DB, token, agentName string) error {
	result, err := db.Exec(`
		UPDATE registration_tokens
		SET used_at = ?
		WHERE token = ? AND agent_name = ? AND used_at IS NULL
		  AND (expires_at IS NULL OR expires_at > datetime('now'))
	`, time.Now().UTC().Format(timeFormat), token, agentName)
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Lost the CAS. Look the token up once more to name the reason.
	var usedAt, expiresAt sql.NullString
	err = db.QueryRow(`
		SELECT used_at, expires_at FROM registration_tokens
		WHERE token = ? AND agent_name = ?
	`, token, agentName).Scan(&usedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect token: %w", err)
	}
	if usedAt.Valid {
		return ErrTokenUsed
	}
	return ErrTokenExpired
}

// ListRegistrationTokens returns all tokens, including used and expired
// ones, newest first.
func ListRegistrationTokens(db *sql.DB) ([]RegistrationToken, error) {
	rows, err := db.Query(`
		SELECT id, token, agent_name, created_at, expires_at, used_at
		FROM registration_tokens ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegistrationToken
	for rows.Next() {
		var t RegistrationToken
		var createdAt string
		var expiresAt, usedAt sql.NullString

		if err := rows.Scan(&t.ID, &t.Token, &t.AgentName, &createdAt, &expiresAt, &usedAt); err != nil {
			return nil, err
		}

		t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if expiresAt.Valid {
			ts, _ := time.Parse(timeFormat, expiresAt.String)
			t.ExpiresAt = &ts
		}
		if usedAt.Valid {
			ts, _ := time.Parse(timeFormat, usedAt.String)
			t.UsedAt = &ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteRegistrationToken removes a token by ID.
func DeleteRegistrationToken(db *sql.DB, id int64) error {
	_, err := db.Exec("DELETE FROM registration_tokens WHERE id = ?", id)
	return err
}
