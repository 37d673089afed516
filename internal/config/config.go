package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	DBPath      string
	AdminUser   string
	AdminPass   string
	AuthEnabled bool

	// HeartbeatThreshold is the maximum gap since an agent's last heartbeat
	// before the liveness sweep marks it offline.
	HeartbeatThreshold time.Duration
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration
	// CommandTimeout bounds how long a correlated agent command may stay
	// in flight before the caller gets a timeout.
	CommandTimeout time.Duration

	// NotifyURLs are Shoutrrr service URLs, comma separated.
	NotifyURLs []string
}

// Load returns the server configuration from environment variables.
func Load() Config {
	return Config{
		Port:               getEnv("PORT", "9090"),
		DBPath:             getEnv("DB_PATH", "warden.db"),
		AdminUser:          getEnv("ADMIN_USER", "admin"),
		AdminPass:          getEnv("ADMIN_PASS", ""),
		AuthEnabled:        getEnv("AUTH_ENABLED", "true") == "true",
		HeartbeatThreshold: getDuration("HEARTBEAT_THRESHOLD", 60*time.Second),
		SweepInterval:      getDuration("SWEEP_INTERVAL", 15*time.Second),
		CommandTimeout:     getDuration("COMMAND_TIMEOUT", 30*time.Second),
		NotifyURLs:         getList("NOTIFY_URLS"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are treated as seconds.
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
