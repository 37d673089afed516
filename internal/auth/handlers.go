package auth

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"warden/internal/config"
)

// isSecureRequest checks if the request came over HTTPS (directly or via
// reverse proxy).
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	return strings.EqualFold(proto, "https")
}

// Status returns authentication status.
// GET /api/v1/auth/status
func Status(db *sql.DB, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := GetSessionFromRequest(db, r)

		var username string
		if session != nil {
			username = session.Username
		}
		jsonResponse(w, map[string]interface{}{
			"auth_enabled":  cfg.AuthEnabled,
			"authenticated": session != nil,
			"username":      username,
		})
	}
}

// Login authenticates an administrator and issues a session.
// POST /api/v1/auth/login
func Login(db *sql.DB, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.AuthEnabled {
			jsonResponse(w, map[string]interface{}{
				"success": true,
				"message": "Authentication disabled",
			})
			return
		}

		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			jsonError(w, "Invalid request", http.StatusBadRequest)
			return
		}

		var userID int64
		var hash string
		err := db.QueryRow(
			"SELECT id, password_hash FROM users WHERE username = ?",
			creds.Username,
		).Scan(&userID, &hash)

		if err != nil || !CheckPassword(hash, creds.Password) {
			jsonError(w, "Invalid username or password", http.StatusUnauthorized)
			return
		}

		token, expiresAt, err := CreateSession(db, userID)
		if err != nil {
			jsonError(w, "Failed to create session", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "session",
			Value:    token,
			Path:     "/",
			Expires:  expiresAt,
			HttpOnly: true,
			Secure:   isSecureRequest(r),
			SameSite: http.SameSiteLaxMode,
		})

		log.Printf("[Auth] Login: %s", creds.Username)
		jsonResponse(w, map[string]interface{}{
			"success":  true,
			"token":    token,
			"username": creds.Username,
		})
	}
}

// Logout ends the current session.
// POST /api/v1/auth/logout
func Logout(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := GetSessionFromRequest(db, r)
		if session != nil {
			DeleteSession(db, session.Token)
			log.Printf("[Auth] Logout: %s", session.Username)
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "session",
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   isSecureRequest(r),
			SameSite: http.SameSiteLaxMode,
		})

		jsonResponse(w, map[string]string{"status": "logged_out"})
	}
}

// ChangePassword updates the current user's password.
// POST /api/v1/auth/change-password
func ChangePassword(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := GetSessionFromContext(r)
		if session == nil {
			jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "Invalid request", http.StatusBadRequest)
			return
		}
		if len(req.NewPassword) < 8 {
			jsonError(w, "Password must be at least 8 characters", http.StatusBadRequest)
			return
		}

		var currentHash string
		db.QueryRow("SELECT password_hash FROM users WHERE id = ?", session.UserID).Scan(&currentHash)
		if !CheckPassword(currentHash, req.CurrentPassword) {
			jsonError(w, "Current password is incorrect", http.StatusUnauthorized)
			return
		}

		newHash, err := HashPassword(req.NewPassword)
		if err != nil {
			jsonError(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}
		if _, err := db.Exec(
			"UPDATE users SET password_hash = ? WHERE id = ?",
			newHash, session.UserID,
		); err != nil {
			jsonError(w, "Failed to update password", http.StatusInternalServerError)
			return
		}

		log.Printf("[Auth] Password changed: %s", session.Username)
		jsonResponse(w, map[string]string{"status": "password_changed"})
	}
}

func jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[Auth] Failed to encode JSON response: %v", err)
	}
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
