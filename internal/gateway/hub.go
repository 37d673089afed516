package gateway

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"warden/internal/agents"
	"warden/internal/events"
	"warden/internal/vms"
)

const (
	maxFrameSize  = 512 * 1024
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second
	frameQueueLen = 64
)

// Hub owns the agent side of the gateway: it admits connections, registers
// transports, runs the per-connection dispatch loop, and exposes correlated
// request sending to the orchestrator.
type Hub struct {
	db      *sql.DB
	bus     *events.Bus
	metrics *Metrics

	registry *Registry
	console  *ConsoleRouter
	upgrader websocket.Upgrader

	commandTimeout time.Duration
}

// NewHub creates a hub. commandTimeout bounds every correlated request.
func NewHub(db *sql.DB, bus *events.Bus, metrics *Metrics, commandTimeout time.Duration) *Hub {
	registry := NewRegistry()
	return &Hub{
		db:       db,
		bus:      bus,
		metrics:  metrics,
		registry: registry,
		console:  NewConsoleRouter(registry, bus, metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		commandTimeout: commandTimeout,
	}
}

// Registry exposes the connection registry (liveness sweep, handlers).
func (h *Hub) Registry() *Registry { return h.registry }

// Console exposes the console session router.
func (h *Hub) Console() *ConsoleRouter { return h.console }

// ConnectedAgents returns the names of agents with a live transport.
func (h *Hub) ConnectedAgents() []string { return h.registry.Names() }

// HandleAgentConnection upgrades an agent's connection and runs it to
// completion. Admission parameters arrive as query parameters, out-of-band
// of the envelope protocol:
//
//   - agent: required, fleet-unique agent name
//   - token: required, one-time registration token
func (h *Hub) HandleAgentConnection(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("agent")
	token := r.URL.Query().Get("token")
	if name == "" || token == "" {
		http.Error(w, "agent and token query parameters required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade failed for agent %q: %v", name, err)
		return
	}

	conn := newAgentConn(name, ws, h.commandTimeout)

	// Capture frames from the instant the transport opens. Anything that
	// arrives before admission completes waits in the queue and replays in
	// arrival order once dispatch starts.
	frames := make(chan []byte, frameQueueLen)
	go h.readPump(conn, frames)

	if err := h.admit(name, token); err != nil {
		var admission *AdmissionError
		if errors.As(err, &admission) {
			log.Printf("[Gateway] %v", admission)
			conn.Send(&Envelope{Type: TypeError, Error: admission.Reason})
		} else {
			log.Printf("[Gateway] Admission of agent %q failed: %v", name, err)
		}
		// The buffered frames are discarded along with the connection.
		conn.Close()
		return
	}

	if prev := h.registry.Register(name, conn); prev != nil {
		log.Printf("[Gateway] Agent %q reconnected, prior transport evicted", name)
		// The evicted connection's teardown skips its decrement because the
		// identity-checked Remove fails, so the displacement decrements here.
		h.metrics.ConnectedAgents.Dec()
	}
	h.metrics.ConnectedAgents.Inc()

	log.Printf("[Gateway] Agent %q connected", name)
	h.bus.Publish(events.Event{
		Type:      events.AgentOnline,
		Severity:  events.SeverityInfo,
		AgentName: name,
		Message:   fmt.Sprintf("agent %q connected", name),
	})

	// Serialized dispatch: one frame fully handled before the next.
	for raw := range frames {
		h.dispatch(conn, raw)
	}

	h.teardown(name, conn, "disconnected")
}

// admit consumes the one-time token and brings the agent record online.
func (h *Hub) admit(name, token string) error {
	if err := agents.ConsumeRegistrationToken(h.db, token, name); err != nil {
		reason := ReasonTokenNotFound
		switch {
		case errors.Is(err, agents.ErrTokenExpired):
			reason = ReasonTokenExpired
		case errors.Is(err, agents.ErrTokenUsed):
			reason = ReasonTokenUsed
		case errors.Is(err, agents.ErrTokenNotFound):
			reason = ReasonTokenNotFound
		default:
			return fmt.Errorf("token validation: %w", err)
		}
		return &AdmissionError{Agent: name, Reason: reason, Err: err}
	}

	existing, err := agents.GetAgentByName(h.db, name)
	if err != nil {
		return fmt.Errorf("lookup agent: %w", err)
	}
	if existing == nil {
		if _, err := agents.CreateAgent(h.db, name, ""); err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
	}
	return agents.MarkOnline(h.db, name)
}

// teardown runs once per connection when its dispatch loop ends. The
// registry removal is identity-checked, so an evicted connection never
// clobbers the state of the replacement that evicted it.
func (h *Hub) teardown(name string, conn *AgentConn, reason string) {
	conn.Close()

	if !h.registry.Remove(name, conn) {
		return // already evicted by a newer transport or force-offline
	}
	h.metrics.ConnectedAgents.Dec()

	// Pending requests already failed via conn.Close; sessions bound to
	// this agent are forced closed.
	h.console.CloseAllForAgent(name)

	if err := agents.UpdateStatus(h.db, name, agents.StatusOffline); err != nil {
		log.Printf("[Gateway] Failed to mark agent %q offline: %v", name, err)
	}

	log.Printf("[Gateway] Agent %q %s", name, reason)
	h.bus.Publish(events.Event{
		Type:      events.AgentOffline,
		Severity:  events.SeverityWarning,
		AgentName: name,
		Message:   fmt.Sprintf("agent %q %s", name, reason),
	})
}

// ForceOffline is the administrator's kill switch: it evicts the connection
// and marks the agent offline immediately.
func (h *Hub) ForceOffline(name string) {
	if conn := h.registry.Get(name); conn != nil {
		if h.registry.Remove(name, conn) {
			h.metrics.ConnectedAgents.Dec()
			h.console.CloseAllForAgent(name)
		}
		conn.Close()
	}
	if err := agents.UpdateStatus(h.db, name, agents.StatusOffline); err != nil {
		log.Printf("[Gateway] Failed to force agent %q offline: %v", name, err)
	}

	h.bus.Publish(events.Event{
		Type:      events.AgentForcedOffline,
		Severity:  events.SeverityWarning,
		AgentName: name,
		Message:   fmt.Sprintf("agent %q forced offline by administrator", name),
	})
}

// readPump reads frames off the websocket into the per-connection queue.
// It is the only reader; queue order is arrival order.
func (h *Hub) readPump(conn *AgentConn, frames chan<- []byte) {
	ws := conn.ws
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(conn)

	defer close(frames)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] Read error from agent %q: %v", conn.Name, err)
			}
			conn.Close()
			return
		}
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		select {
		case frames <- message:
		case <-conn.done:
			// Nobody drains the queue after a failed admission; a full
			// queue must not pin this goroutine.
			return
		}
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (h *Hub) pingLoop(conn *AgentConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			err := conn.ws.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(10*time.Second),
			)
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Decoding is total: a bad frame gets an
// error envelope back and the connection stays open.
func (h *Hub) dispatch(conn *AgentConn, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		h.metrics.FramesTotal.WithLabelValues("invalid").Inc()
		log.Printf("[Gateway] Bad frame from agent %q: %v", conn.Name, err)
		conn.Send(&Envelope{Type: TypeError, Error: err.Error()})
		return
	}
	h.metrics.FramesTotal.WithLabelValues(string(env.Type)).Inc()

	// Correlated responses resolve their waiter; a statusUpdate without a
	// requestId is an unsolicited report, routed through the switch below.
	if isResponse(env.Type) && env.RequestID != "" {
		if !conn.resolve(env) {
			// The waiter already timed out and moved on.
			log.Printf("[Gateway] Dropping %s with unknown requestId %q from agent %q",
				env.Type, env.RequestID, conn.Name)
		}
		return
	}

	switch env.Type {
	case TypeAgentHeartbeat:
		if err := agents.TouchHeartbeat(h.db, conn.Name); err != nil {
			log.Printf("[Gateway] Heartbeat write for agent %q: %v", conn.Name, err)
		}

	case TypeAgentRegister:
		// Post-admission capability report.
		if env.Capacity != "" {
			if err := agents.SetCapacity(h.db, conn.Name, env.Capacity); err != nil {
				log.Printf("[Gateway] Capacity update for agent %q: %v", conn.Name, err)
			}
		}
		if env.RequestID != "" {
			conn.Send(&Envelope{Type: TypeSuccess, RequestID: env.RequestID})
		}

	case TypeAgentUnregister:
		log.Printf("[Gateway] Agent %q requested deregistration", conn.Name)
		if err := agents.DeleteAgent(h.db, conn.Name); err != nil {
			log.Printf("[Gateway] Deregistration of agent %q: %v", conn.Name, err)
		}
		h.bus.Publish(events.Event{
			Type:      events.AgentDeregistered,
			Severity:  events.SeverityInfo,
			AgentName: conn.Name,
			Message:   fmt.Sprintf("agent %q deregistered", conn.Name),
		})
		conn.Close()

	case TypeSuccess, TypeError:
		log.Printf("[Gateway] Dropping %s without a requestId from agent %q",
			env.Type, conn.Name)

	case TypeStatusUpdate:
		// Unsolicited report: reconcile the persisted VM status.
		h.reconcileVMStatus(env.VMID, env.Status)

	case TypeConsoleConnected, TypeConsoleData, TypeConsoleDisconnected:
		h.console.HandleAgentEnvelope(conn.Name, env)

	default:
		// Command types are outbound only.
		conn.Send(&Envelope{
			Type:      TypeError,
			RequestID: env.RequestID,
			Error:     fmt.Sprintf("unexpected message type %q", env.Type),
		})
	}
}

// reconcileVMStatus applies an agent-reported VM status to the store.
func (h *Hub) reconcileVMStatus(vmID, reported string) {
	if vmID == "" {
		return
	}
	status := vms.Status(reported)
	switch status {
	case vms.StatusCreated, vms.StatusRunning, vms.StatusPaused,
		vms.StatusShutdown, vms.StatusDeleted, vms.StatusError:
	default:
		log.Printf("[Gateway] Ignoring status report %q for VM %s", reported, vmID)
		return
	}
	if err := vms.UpdateStatus(h.db, vmID, status); err != nil {
		log.Printf("[Gateway] Status reconcile for VM %s: %v", vmID, err)
	}
}

// Request sends a correlated command to the named agent and waits for its
// response, bounded by the hub's command timeout.
func (h *Hub) Request(agentName string, env *Envelope) (*Envelope, error) {
	conn := h.registry.Get(agentName)
	if conn == nil {
		h.metrics.RequestsTotal.WithLabelValues("agent_unavailable").Inc()
		return nil, &AgentUnavailableError{Agent: agentName}
	}

	h.metrics.PendingRequests.Inc()
	resp, err := conn.Request(env)
	h.metrics.PendingRequests.Dec()

	switch {
	case err == nil:
		h.metrics.RequestsTotal.WithLabelValues("ok").Inc()
	case isTimeout(err):
		h.metrics.RequestsTotal.WithLabelValues("timeout").Inc()
	case isRemoteError(err):
		h.metrics.RequestsTotal.WithLabelValues("remote_error").Inc()
	default:
		h.metrics.RequestsTotal.WithLabelValues("agent_unavailable").Inc()
	}
	return resp, err
}

func isTimeout(err error) bool {
	var corr *CorrelationError
	return errors.As(err, &corr) && corr.Timeout
}

func isRemoteError(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}

// Shutdown closes every agent connection.
func (h *Hub) Shutdown() {
	h.registry.CloseAll()
}
