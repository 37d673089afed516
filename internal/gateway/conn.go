package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AgentConn wraps one agent's WebSocket with serialized writes and the
// per-connection correlation table. All outbound traffic to an agent —
// orchestrator commands, console forwarding, error replies — goes through
// here.
type AgentConn struct {
	Name    string
	timeout time.Duration

	ws      *websocket.Conn
	writeMu sync.Mutex

	// pending maps requestId → the waiter's reply channel.
	mu      sync.Mutex
	pending map[string]chan *Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newAgentConn(name string, ws *websocket.Conn, timeout time.Duration) *AgentConn {
	return &AgentConn{
		Name:    name,
		timeout: timeout,
		ws:      ws,
		pending: make(map[string]chan *Envelope),
		done:    make(chan struct{}),
	}
}

// Send writes an envelope to the agent. Writes are serialized; the websocket
// does not allow concurrent writers.
func (c *AgentConn) Send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// Request sends a correlated command and blocks until the matching response
// arrives, the deadline elapses, or the agent disconnects — whichever first.
// A timeout cancels only this waiter: the pending entry is purged and the
// connection stays up.
func (c *AgentConn) Request(env *Envelope) (*Envelope, error) {
	env.RequestID = uuid.NewString()

	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, &AgentUnavailableError{Agent: c.Name}
	default:
	}
	c.pending[env.RequestID] = ch
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.purge(env.RequestID)
		return nil, &AgentUnavailableError{Agent: c.Name}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			return resp, &RemoteError{Agent: c.Name, Message: resp.Error}
		}
		return resp, nil
	case <-timer.C:
		c.purge(env.RequestID)
		return nil, &CorrelationError{RequestID: env.RequestID, Timeout: true}
	case <-c.done:
		c.purge(env.RequestID)
		return nil, &AgentUnavailableError{Agent: c.Name}
	}
}

// resolve routes a response envelope to its waiter. Returns false for
// unknown or already-expired requestIds; the caller logs and drops those.
func (c *AgentConn) resolve(env *Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()

	if ok {
		ch <- env
	}
	return ok
}

func (c *AgentConn) purge(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// PendingCount returns the number of in-flight correlated requests.
func (c *AgentConn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears the connection down. Every pending waiter unblocks with
// AgentUnavailable via the done channel. Idempotent.
func (c *AgentConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection evicted"),
			time.Now().Add(2*time.Second),
		)
		if err := c.ws.Close(); err != nil {
			log.Printf("[Gateway] Close of %q transport: %v", c.Name, err)
		}
	})
}

// Done is closed when the connection is torn down.
func (c *AgentConn) Done() <-chan struct{} { return c.done }
