package orchestrator

import (
	"database/sql"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"warden/internal/agents"
	"warden/internal/db"
	"warden/internal/events"
	"warden/internal/gateway"
)

// fakeCommander scripts agent responses per message type and records every
// envelope the orchestrator sends.
type fakeCommander struct {
	mu        sync.Mutex
	connected []string
	responses map[gateway.MessageType]*gateway.Envelope
	errs      map[gateway.MessageType]error
	sent      []*gateway.Envelope
}

func newFakeCommander(connected ...string) *fakeCommander {
	return &fakeCommander{
		connected: connected,
		responses: make(map[gateway.MessageType]*gateway.Envelope),
		errs:      make(map[gateway.MessageType]error),
	}
}

func (f *fakeCommander) Request(agentName string, env *gateway.Envelope) (*gateway.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	if err, ok := f.errs[env.Type]; ok {
		return nil, err
	}
	if resp, ok := f.responses[env.Type]; ok {
		return resp, nil
	}
	return &gateway.Envelope{Type: gateway.TypeSuccess}, nil
}

func (f *fakeCommander) ConnectedAgents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connected...)
}

func (f *fakeCommander) sentTypes() []gateway.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]gateway.MessageType, len(f.sent))
	for i, env := range f.sent {
		types[i] = env.Type
	}
	return types
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// A single connection keeps :memory: databases stable across goroutines.
	conn.SetMaxOpenConns(1)
	if err := db.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func setupOrchestrator(t *testing.T, connected ...string) (*sql.DB, *fakeCommander, *Orchestrator) {
	t.Helper()
	conn := setupTestDB(t)
	for _, name := range connected {
		if _, err := agents.CreateAgent(conn, name, ""); err != nil {
			t.Fatal(err)
		}
	}
	gw := newFakeCommander(connected...)
	return conn, gw, New(conn, gw, events.NewBus(), nil)
}
