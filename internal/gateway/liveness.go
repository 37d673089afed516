package gateway

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"warden/internal/agents"
	"warden/internal/events"
)

// LivenessSweeper periodically marks agents offline when their last
// heartbeat is older than the threshold. It is a backstop: status queries
// recompute liveness lazily from the timestamp, so a lagging sweep never
// makes a query report a dead agent as online.
type LivenessSweeper struct {
	db        *sql.DB
	bus       *events.Bus
	threshold time.Duration
	interval  time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewLivenessSweeper creates a sweeper. threshold is the maximum heartbeat
// gap before an agent counts as offline; interval is how often to check.
func NewLivenessSweeper(db *sql.DB, bus *events.Bus, threshold, interval time.Duration) *LivenessSweeper {
	return &LivenessSweeper{
		db:        db,
		bus:       bus,
		threshold: threshold,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *LivenessSweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
	log.Printf("[Liveness] Sweep started (threshold=%s, interval=%s)", s.threshold, s.interval)
}

// Stop halts the sweeper.
func (s *LivenessSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	log.Println("[Liveness] Sweep stopped")
}

func (s *LivenessSweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass: every agent persisted as online whose heartbeat is
// older than the threshold flips to offline.
func (s *LivenessSweeper) Sweep() {
	cutoff := time.Now().UTC().Add(-s.threshold)

	stale, err := agents.StaleOnlineAgents(s.db, cutoff)
	if err != nil {
		log.Printf("[Liveness] Failed to query stale agents: %v", err)
		return
	}

	for _, name := range stale {
		if err := agents.UpdateStatus(s.db, name, agents.StatusOffline); err != nil {
			log.Printf("[Liveness] Failed to mark agent %q offline: %v", name, err)
			continue
		}
		log.Printf("[Liveness] Agent %q offline (no heartbeat for over %s)", name, s.threshold)

		s.bus.Publish(events.Event{
			Type:      events.AgentOffline,
			Severity:  events.SeverityWarning,
			AgentName: name,
			Message:   fmt.Sprintf("agent %q missed heartbeats for over %s", name, s.threshold),
		})
	}
}
