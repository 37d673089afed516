package gateway

import "sync"

// Registry is the single source of truth for which transport currently
// represents each agent. At most one live connection per agent name is
// authoritative at any instant; all mutation happens under one mutex.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*AgentConn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*AgentConn)}
}

// Register makes conn the authoritative transport for the agent name.
// Duplicate registration policy: evict and close the prior transport. The
// evicted connection (if any) is returned so the caller can log it.
func (r *Registry) Register(name string, conn *AgentConn) *AgentConn {
	r.mu.Lock()
	prev := r.conns[name]
	r.conns[name] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close()
		return prev
	}
	return nil
}

// Get returns the live transport for the agent, or nil.
func (r *Registry) Get(name string) *AgentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[name]
}

// Remove drops the entry, but only if conn is still the registered
// transport. This makes disconnect cleanup idempotent and safe against a
// rapid reconnect that has already replaced the entry.
func (r *Registry) Remove(name string, conn *AgentConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[name] == conn {
		delete(r.conns, name)
		return true
	}
	return false
}

// Names returns the names of all connected agents.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for name := range r.conns {
		out = append(out, name)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll evicts and closes every connection (server shutdown).
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*AgentConn, 0, len(r.conns))
	for name, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, name)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
