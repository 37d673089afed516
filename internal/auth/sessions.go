package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"

	"warden/internal/config"
)

const sessionTTL = 7 * 24 * time.Hour

// Session is an authenticated administrator session.
type Session struct {
	Token     string
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// CheckPassword verifies a password against its bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken creates a secure random token.
func GenerateToken() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GetSession retrieves a non-expired session by token.
func GetSession(db *sql.DB, token string) *Session {
	if token == "" {
		return nil
	}

	var session Session
	var expiresAt string

	err := db.QueryRow(`
		SELECT s.token, s.user_id, u.username, s.expires_at
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.token = ? AND s.expires_at > datetime('now')
	`, token).Scan(&session.Token, &session.UserID, &session.Username, &expiresAt)

	if err != nil {
		return nil
	}

	session.ExpiresAt, _ = time.Parse("2006-01-02 15:04:05", expiresAt)
	return &session
}

// CreateSession creates a new session for a user.
func CreateSession(db *sql.DB, userID int64) (string, time.Time, error) {
	token := GenerateToken()
	expiresAt := time.Now().UTC().Add(sessionTTL)

	_, err := db.Exec(
		"INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, expiresAt.Format("2006-01-02 15:04:05"),
	)
	return token, expiresAt, err
}

// DeleteSession removes a session.
func DeleteSession(db *sql.DB, token string) {
	db.Exec("DELETE FROM sessions WHERE token = ?", token)
}

// CleanupExpiredSessions removes expired sessions from the database.
func CleanupExpiredSessions(db *sql.DB) {
	db.Exec("DELETE FROM sessions WHERE expires_at < datetime('now')")
}

// CreateDefaultAdmin creates the initial admin user if none exists.
func CreateDefaultAdmin(db *sql.DB, cfg config.Config) {
	var count int
	db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	if count > 0 {
		return
	}

	password := cfg.AdminPass
	if password == "" {
		password = GenerateToken()[:12]
		log.Printf("[Auth] Generated admin password: %s", password)
		log.Printf("[Auth] Set ADMIN_PASS to use a custom password")
	}

	hash, err := HashPassword(password)
	if err != nil {
		log.Printf("[Auth] Could not hash admin password: %v", err)
		return
	}

	if _, err := db.Exec(
		"INSERT INTO users (username, password_hash) VALUES (?, ?)",
		cfg.AdminUser, hash,
	); err != nil {
		log.Printf("[Auth] Could not create admin user: %v", err)
		return
	}
	log.Printf("[Auth] Created admin user: %s", cfg.AdminUser)
}
