package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type consoleFixture struct {
	router   *ConsoleRouter
	registry *Registry

	agentWS    *websocket.Conn // the fake agent's end of the transport
	frontendWS *websocket.Conn // the fake browser's end of the transport

	openDone chan error
}

// setupConsole wires a router with one registered agent and opens a session
// for vm-1 through it. The fake agent's first read is the consoleConnect.
func setupConsole(t *testing.T) (*consoleFixture, *Envelope) {
	t.Helper()

	agentClient, agentServer := wsPair(t)
	registry := NewRegistry()
	registry.Register("h1", newAgentConn("h1", agentServer, time.Second))

	router := NewConsoleRouter(registry, newTestBus(), NewMetrics())

	frontendClient, frontendServer := wsPair(t)

	fx := &consoleFixture{
		router:     router,
		registry:   registry,
		agentWS:    agentClient,
		frontendWS: frontendClient,
		openDone:   make(chan error, 1),
	}
	go func() {
		fx.openDone <- router.Open(frontendServer, "vm-1", "h1", "admin")
	}()

	var connect Envelope
	fx.agentWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := fx.agentWS.ReadJSON(&connect); err != nil {
		t.Fatalf("agent never received consoleConnect: %v", err)
	}
	if connect.Type != TypeConsoleConnect || connect.VMID != "vm-1" || connect.SessionID == "" {
		t.Fatalf("unexpected connect envelope: %+v", connect)
	}
	return fx, &connect
}

func (fx *consoleFixture) readAgentEnvelope(t *testing.T) *Envelope {
	t.Helper()
	var env Envelope
	fx.agentWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := fx.agentWS.ReadJSON(&env); err != nil {
		t.Fatalf("agent read: %v", err)
	}
	return &env
}

func TestConsole_EarlyInputBufferedAndReplayed(t *testing.T) {
	fx, connect := setupConsole(t)

	// Input arrives before the agent has acknowledged the session.
	for _, chunk := range []string{"ls -la\n", "pwd\n"} {
		if err := fx.frontendWS.WriteMessage(websocket.BinaryMessage, []byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	// Give the frontend pump time to buffer both chunks.
	time.Sleep(100 * time.Millisecond)

	fx.router.HandleAgentEnvelope("h1", &Envelope{
		Type:      TypeConsoleConnected,
		SessionID: connect.SessionID,
	})

	// The buffered input replays in arrival order.
	first := fx.readAgentEnvelope(t)
	if first.Type != TypeConsoleData || first.Data != "ls -la\n" {
		t.Fatalf("unexpected first replayed frame: %+v", first)
	}
	second := fx.readAgentEnvelope(t)
	if second.Data != "pwd\n" {
		t.Fatalf("unexpected second replayed frame: %+v", second)
	}
}

func TestConsole_AgentOutputForwardedToFrontend(t *testing.T) {
	fx, connect := setupConsole(t)

	fx.router.HandleAgentEnvelope("h1", &Envelope{
		Type:      TypeConsoleConnected,
		SessionID: connect.SessionID,
	})
	fx.router.HandleAgentEnvelope("h1", &Envelope{
		Type:      TypeConsoleData,
		SessionID: connect.SessionID,
		Data:      "login: ",
	})

	fx.frontendWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := fx.frontendWS.ReadMessage()
	if err != nil {
		t.Fatalf("frontend read: %v", err)
	}
	if string(data) != "login: " {
		t.Fatalf("expected console output, got %q", data)
	}
}

func TestConsole_FrontendDisconnectNotifiesAgent(t *testing.T) {
	fx, connect := setupConsole(t)

	fx.router.HandleAgentEnvelope("h1", &Envelope{
		Type:      TypeConsoleConnected,
		SessionID: connect.SessionID,
	})

	fx.frontendWS.Close()

	select {
	case err := <-fx.openDone:
		if err != nil {
			t.Fatalf("Open returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after frontend disconnect")
	}

	env := fx.readAgentEnvelope(t)
	if env.Type != TypeConsoleDisconnect || env.SessionID != connect.SessionID {
		t.Fatalf("expected consoleDisconnect, got %+v", env)
	}
	if fx.router.Count() != 0 {
		t.Fatalf("session should be removed, %d left", fx.router.Count())
	}
}

func TestConsole_AgentDisconnectClosesSessions(t *testing.T) {
	fx, _ := setupConsole(t)

	fx.router.CloseAllForAgent("h1")

	if fx.router.Count() != 0 {
		t.Fatalf("expected no sessions, got %d", fx.router.Count())
	}

	// The frontend transport is closed out from under the client.
	fx.frontendWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := fx.frontendWS.ReadMessage(); err != nil {
			break
		}
	}

	select {
	case <-fx.openDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after forced close")
	}
}

func TestConsole_AgentClosingConsoleEndsSession(t *testing.T) {
	fx, connect := setupConsole(t)

	fx.router.HandleAgentEnvelope("h1", &Envelope{
		Type:      TypeConsoleDisconnected,
		SessionID: connect.SessionID,
	})

	if fx.router.Count() != 0 {
		t.Fatalf("expected no sessions, got %d", fx.router.Count())
	}
}

func TestConsole_FramesForUnknownSessionDropped(t *testing.T) {
	fx, connect := setupConsole(t)

	// Wrong agent name: a connection must not inject into sessions it
	// does not own.
	fx.router.HandleAgentEnvelope("h2", &Envelope{
		Type:      TypeConsoleData,
		SessionID: connect.SessionID,
		Data:      "injected",
	})

	fx.frontendWS.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := fx.frontendWS.ReadMessage(); err == nil {
		t.Fatal("frame from wrong agent must not reach the frontend")
	}
	if fx.router.Count() != 1 {
		t.Fatal("session must survive a dropped frame")
	}
}

func TestConsole_OpenFailsWithoutAgent(t *testing.T) {
	registry := NewRegistry()
	router := NewConsoleRouter(registry, newTestBus(), NewMetrics())

	_, frontendServer := wsPair(t)
	err := router.Open(frontendServer, "vm-1", "ghost", "admin")
	var unavailable *AgentUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected AgentUnavailableError, got %v", err)
	}
	if router.Count() != 0 {
		t.Fatal("no session should linger")
	}
}
