package agents

import "time"

// Status is an agent's persisted lifecycle status.
type Status string

const (
	StatusRegistered Status = "registered" // enrolled, never connected
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
)

// Agent represents a virtualization host enrolled with the control plane.
// The live transport handle is never persisted; the gateway's connection
// registry holds it in memory. This record carries last-known status only.
type Agent struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"` // unique within the fleet
	Status        Status     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CapacityJSON  string     `json:"capacity,omitempty"` // optional capability/capacity metadata
	RegisteredAt  time.Time  `json:"registered_at"`
}

// EffectiveStatus recomputes online/offline from the heartbeat timestamp
// instead of trusting the persisted flag, since the liveness sweep may lag.
func (a *Agent) EffectiveStatus(threshold time.Duration, now time.Time) Status {
	if a.Status == StatusRegistered {
		return StatusRegistered
	}
	if a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > threshold {
		return StatusOffline
	}
	return a.Status
}

// RegistrationToken is a one-time enrollment token bound to an agent name.
// A token transitions unused → used exactly once; there is no way back.
type RegistrationToken struct {
	ID        int64      `json:"id"`
	Token     string     `json:"token"`
	AgentName string     `json:"agent_name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = never expires
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

const timeFormat = "2006-01-02 15:04:05"
