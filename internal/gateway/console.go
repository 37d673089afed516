package gateway

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"warden/internal/events"
)

// SessionState tracks a console session through its lifecycle.
type SessionState int

const (
	SessionRequested SessionState = iota
	SessionAgentConnected
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionRequested:
		return "requested"
	case SessionAgentConnected:
		return "agent_connected"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// consoleSession pairs one frontend transport with one agent for the
// duration of a console. Pure in-memory state; nothing is persisted.
type consoleSession struct {
	id        string
	vmID      string
	agentName string
	userID    string
	createdAt time.Time

	frontend   *websocket.Conn
	frontendMu sync.Mutex // serializes writes to the frontend

	mu         sync.Mutex
	state      SessionState
	earlyInput [][]byte // input received before the agent acknowledged
}

func (s *consoleSession) writeToFrontend(data []byte) error {
	s.frontendMu.Lock()
	defer s.frontendMu.Unlock()
	return s.frontend.WriteMessage(websocket.BinaryMessage, data)
}

// ConsoleRouter multiplexes byte streams between frontend console clients
// and their target agents over the single per-agent connection.
type ConsoleRouter struct {
	registry *Registry
	bus      *events.Bus
	metrics  *Metrics

	mu       sync.Mutex
	sessions map[string]*consoleSession
}

func NewConsoleRouter(registry *Registry, bus *events.Bus, metrics *Metrics) *ConsoleRouter {
	return &ConsoleRouter{
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		sessions: make(map[string]*consoleSession),
	}
}

// Open starts a session: it registers the frontend transport, asks the agent
// to hook up the VM's serial console, and then pumps frontend input until
// the frontend disconnects. VM-level validation (running, scheduled, agent
// known) is the caller's job and happens once, before Open.
func (r *ConsoleRouter) Open(frontend *websocket.Conn, vmID, agentName, userID string) error {
	agent := r.registry.Get(agentName)
	if agent == nil {
		return &AgentUnavailableError{Agent: agentName}
	}

	sess := &consoleSession{
		id:        uuid.NewString(),
		vmID:      vmID,
		agentName: agentName,
		userID:    userID,
		createdAt: time.Now().UTC(),
		frontend:  frontend,
		state:     SessionRequested,
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	r.metrics.ConsoleSessions.Inc()

	err := agent.Send(&Envelope{
		Type:      TypeConsoleConnect,
		RequestID: uuid.NewString(),
		SessionID: sess.id,
		VMID:      vmID,
	})
	if err != nil {
		r.close(sess.id, "agent send failed", false)
		return &AgentUnavailableError{Agent: agentName}
	}

	log.Printf("[Console] Session %s opened: vm=%s agent=%s user=%s", sess.id, vmID, agentName, userID)
	r.bus.Publish(events.Event{
		Type:      events.ConsoleOpened,
		Severity:  events.SeverityInfo,
		AgentName: agentName,
		Message:   fmt.Sprintf("console session %s opened for VM %s", sess.id, vmID),
	})

	// Pump frontend input. Blocks until the frontend goes away.
	for {
		_, data, err := frontend.ReadMessage()
		if err != nil {
			break
		}
		r.input(sess, data)
	}

	r.close(sess.id, "frontend disconnected", true)
	return nil
}

// input forwards frontend bytes to the agent, buffering anything that
// arrives before the agent has acknowledged the session.
func (r *ConsoleRouter) input(sess *consoleSession, data []byte) {
	sess.mu.Lock()
	switch sess.state {
	case SessionRequested:
		// Buffer-and-replay: input before the agent ack is held in order.
		buf := make([]byte, len(data))
		copy(buf, data)
		sess.earlyInput = append(sess.earlyInput, buf)
		sess.mu.Unlock()
		return
	case SessionClosed:
		sess.mu.Unlock()
		return
	default:
		sess.state = SessionActive
	}
	sess.mu.Unlock()

	r.forwardToAgent(sess, data)
}

func (r *ConsoleRouter) forwardToAgent(sess *consoleSession, data []byte) {
	agent := r.registry.Get(sess.agentName)
	if agent == nil {
		r.close(sess.id, "agent unavailable", false)
		return
	}
	err := agent.Send(&Envelope{
		Type:      TypeConsoleData,
		SessionID: sess.id,
		Data:      string(data),
	})
	if err != nil {
		r.close(sess.id, "agent write failed", false)
	}
}

// HandleAgentEnvelope routes console frames arriving from an agent.
func (r *ConsoleRouter) HandleAgentEnvelope(agentName string, env *Envelope) {
	r.mu.Lock()
	sess := r.sessions[env.SessionID]
	r.mu.Unlock()

	if sess == nil || sess.agentName != agentName {
		log.Printf("[Console] Frame for unknown session %q from agent %q dropped", env.SessionID, agentName)
		return
	}

	switch env.Type {
	case TypeConsoleConnected:
		sess.mu.Lock()
		if sess.state != SessionRequested {
			sess.mu.Unlock()
			return
		}
		sess.state = SessionAgentConnected
		early := sess.earlyInput
		sess.earlyInput = nil
		if len(early) > 0 {
			sess.state = SessionActive
		}
		sess.mu.Unlock()

		// Replay buffered input in arrival order.
		for _, data := range early {
			r.forwardToAgent(sess, data)
		}

	case TypeConsoleData:
		sess.mu.Lock()
		if sess.state == SessionAgentConnected {
			sess.state = SessionActive
		}
		closed := sess.state == SessionClosed
		sess.mu.Unlock()
		if closed {
			return
		}
		if err := sess.writeToFrontend([]byte(env.Data)); err != nil {
			r.close(sess.id, "frontend write failed", true)
		}

	case TypeConsoleDisconnected:
		r.close(sess.id, "agent closed console", false)
	}
}

// CloseAllForAgent force-closes every session bound to a disconnecting
// agent. The agent is gone, so it is not notified.
func (r *ConsoleRouter) CloseAllForAgent(agentName string) {
	r.mu.Lock()
	var ids []string
	for id, sess := range r.sessions {
		if sess.agentName == agentName {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.close(id, "agent disconnected", false)
	}
}

// Count returns the number of routed sessions.
func (r *ConsoleRouter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// close tears a session down: removes it from the table, best-effort
// notifies the agent when asked, and closes the frontend transport.
// Idempotent — both sides may race to close.
func (r *ConsoleRouter) close(sessionID, reason string, notifyAgent bool) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.state = SessionClosed
	sess.mu.Unlock()
	r.metrics.ConsoleSessions.Dec()

	if notifyAgent {
		if agent := r.registry.Get(sess.agentName); agent != nil {
			agent.Send(&Envelope{
				Type:      TypeConsoleDisconnect,
				SessionID: sessionID,
			})
		}
	}

	sess.frontendMu.Lock()
	sess.frontend.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(2*time.Second),
	)
	sess.frontend.Close()
	sess.frontendMu.Unlock()

	log.Printf("[Console] Session %s closed: %s", sessionID, reason)
	r.bus.Publish(events.Event{
		Type:      events.ConsoleClosed,
		Severity:  events.SeverityInfo,
		AgentName: sess.agentName,
		Message:   fmt.Sprintf("console session %s closed: %s", sessionID, reason),
	})
}
