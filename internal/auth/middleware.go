package auth

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"warden/internal/config"
)

type contextKey string

// SessionKey is the context key under which the session travels.
const SessionKey contextKey = "session"

// Middleware gates a handler behind a valid session. With auth disabled it
// passes everything through.
func Middleware(db *sql.DB, cfg config.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.AuthEnabled {
			next(w, r)
			return
		}

		session := GetSessionFromRequest(db, r)
		if session == nil {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SessionKey, session)
		next(w, r.WithContext(ctx))
	}
}

// GetSessionFromRequest extracts a session from the request cookie or
// Authorization header.
func GetSessionFromRequest(db *sql.DB, r *http.Request) *Session {
	var token string

	if cookie, err := r.Cookie("session"); err == nil {
		token = cookie.Value
	} else if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}

	return GetSession(db, token)
}

// GetSessionFromContext extracts the session stored by Middleware.
func GetSessionFromContext(r *http.Request) *Session {
	if session, ok := r.Context().Value(SessionKey).(*Session); ok {
		return session
	}
	return nil
}
