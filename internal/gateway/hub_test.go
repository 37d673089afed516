package gateway

import (
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"warden/internal/agents"
)

func setupHub(t *testing.T, timeout time.Duration) (*sql.DB, *Hub, *httptest.Server) {
	t.Helper()
	conn := setupTestDB(t)
	hub := NewHub(conn, newTestBus(), NewMetrics(), timeout)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleAgentConnection))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return conn, hub, srv
}

func freshToken(t *testing.T, conn *sql.DB, name string) string {
	t.Helper()
	tok, err := agents.CreateRegistrationToken(conn, name, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tok.Token
}

func dialAgent(t *testing.T, srv *httptest.Server, name, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(
		wsURL(srv.URL)+"/?agent="+name+"&token="+token, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func connected(hub *Hub, name string) func() bool {
	return func() bool {
		for _, n := range hub.ConnectedAgents() {
			if n == name {
				return true
			}
		}
		return false
	}
}

func TestHub_AdmitsAgentWithValidToken(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	agent, err := agents.GetAgentByName(conn, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if agent == nil {
		t.Fatal("agent record should have been created on admission")
	}
	if agent.Status != agents.StatusOnline {
		t.Fatalf("expected online, got %s", agent.Status)
	}
}

func TestHub_RejectsUnknownToken(t *testing.T) {
	_, hub, srv := setupHub(t, time.Second)

	ws := dialAgent(t, srv, "h1", "bogus")

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("expected an error envelope before close, got %v", err)
	}
	if env.Type != TypeError || env.Error != ReasonTokenNotFound {
		t.Fatalf("unexpected rejection envelope: %+v", env)
	}

	// The gateway closes the connection after the rejection.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after rejection")
	}
	if len(hub.ConnectedAgents()) != 0 {
		t.Fatal("rejected agent must not be registered")
	}
}

func TestHub_RejectsReusedToken(t *testing.T) {
	conn, _, srv := setupHub(t, time.Second)

	token := freshToken(t, conn, "h1")
	if err := agents.ConsumeRegistrationToken(conn, token, "h1"); err != nil {
		t.Fatal(err)
	}

	ws := dialAgent(t, srv, "h1", token)
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Error != ReasonTokenUsed {
		t.Fatalf("expected %s, got %q", ReasonTokenUsed, env.Error)
	}
}

func TestHub_RejectsMissingQueryParameters(t *testing.T) {
	_, _, srv := setupHub(t, time.Second)

	resp, err := http.Get(srv.URL + "/?agent=h1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHub_FramesBeforeAdmissionAreNotLost(t *testing.T) {
	conn, _, srv := setupHub(t, time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))

	// Fire a heartbeat immediately, racing admission. It must be queued
	// and dispatched once the connection is admitted.
	if err := ws.WriteJSON(&Envelope{Type: TypeAgentHeartbeat}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "heartbeat to land", func() bool {
		agent, err := agents.GetAgentByName(conn, "h1")
		return err == nil && agent != nil && agent.LastHeartbeat != nil
	})
}

func TestHub_CorrelatedRequestRoundTrip(t *testing.T) {
	conn, hub, srv := setupHub(t, 2*time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	// Fake agent: answer vmBoot with success and endpoint facts.
	go func() {
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == TypeVMBoot {
				ws.WriteJSON(&Envelope{
					Type:      TypeSuccess,
					RequestID: env.RequestID,
					Facts:     map[string]string{"consolePath": "/run/vm-1.vnc"},
				})
			}
		}
	}()

	resp, err := hub.Request("h1", &Envelope{Type: TypeVMBoot, VMID: "vm-1"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Facts["consolePath"] != "/run/vm-1.vnc" {
		t.Fatalf("facts lost in transit: %+v", resp.Facts)
	}
}

func TestHub_RequestToUnknownAgent(t *testing.T) {
	_, hub, _ := setupHub(t, time.Second)

	_, err := hub.Request("ghost", &Envelope{Type: TypeVMBoot, VMID: "vm-1"})
	var unavailable *AgentUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected AgentUnavailableError, got %v", err)
	}
}

func TestHub_DuplicateNameEvictsPriorConnection(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	first := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "first connection to register", connected(hub, "h1"))

	dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))

	// The prior transport is closed by the gateway.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	waitFor(t, 2*time.Second, "replacement to be authoritative", func() bool {
		return hub.Registry().Count() == 1
	})

	// The eviction must not flip the (still connected) agent offline.
	agent, err := agents.GetAgentByName(conn, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != agents.StatusOnline {
		t.Fatalf("agent must stay online through eviction, got %s", agent.Status)
	}
}

func TestHub_EvictionKeepsConnectedAgentsGaugeAccurate(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	first := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "first connection to register", connected(hub, "h1"))

	second := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// One agent connected means a gauge of exactly one; the displaced
	// transport must not leave its increment behind.
	waitFor(t, 2*time.Second, "gauge to settle after eviction", func() bool {
		return testutil.ToFloat64(hub.metrics.ConnectedAgents) == 1
	})

	second.Close()
	waitFor(t, 2*time.Second, "gauge to drop on disconnect", func() bool {
		return testutil.ToFloat64(hub.metrics.ConnectedAgents) == 0
	})
}

func TestHub_ReadPumpExitsWhenClosedWithFullQueue(t *testing.T) {
	hub := NewHub(setupTestDB(t), newTestBus(), NewMetrics(), time.Second)
	client, server := wsPair(t)
	conn := newAgentConn("h1", server, time.Second)

	// Nobody drains the queue, as after a failed admission.
	frames := make(chan []byte, 1)
	pumpDone := make(chan struct{})
	go func() {
		hub.readPump(conn, frames)
		close(pumpDone)
	}()

	for i := 0; i < 3; i++ {
		if err := client.WriteJSON(&Envelope{Type: TypeAgentHeartbeat}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 2*time.Second, "queue to fill", func() bool {
		return len(frames) == 1
	})
	// Let the pump pick up the next frame and block on the full queue.
	time.Sleep(50 * time.Millisecond)

	conn.Close()

	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump stayed blocked on a full queue after close")
	}
}

func TestHub_DisconnectMarksAgentOffline(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	ws.Close()

	waitFor(t, 2*time.Second, "agent h1 to unregister", func() bool {
		return len(hub.ConnectedAgents()) == 0
	})
	waitFor(t, 2*time.Second, "agent h1 to go offline", func() bool {
		agent, err := agents.GetAgentByName(conn, "h1")
		return err == nil && agent != nil && agent.Status == agents.StatusOffline
	})
}

func TestHub_DisconnectFailsInFlightRequests(t *testing.T) {
	conn, hub, srv := setupHub(t, 5*time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	errCh := make(chan error, 1)
	go func() {
		_, err := hub.Request("h1", &Envelope{Type: TypeVMBoot, VMID: "vm-1"})
		errCh <- err
	}()

	// Read the command so it is truly in flight, then vanish.
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	ws.Close()

	select {
	case err := <-errCh:
		var unavailable *AgentUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("expected AgentUnavailableError, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request did not unblock on disconnect")
	}
}

func TestHub_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeError {
		t.Fatalf("expected error envelope, got %+v", env)
	}

	// Still connected and still dispatching.
	if err := ws.WriteJSON(&Envelope{Type: TypeAgentHeartbeat}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "heartbeat after bad frame", func() bool {
		agent, err := agents.GetAgentByName(conn, "h1")
		return err == nil && agent != nil && agent.LastHeartbeat != nil
	})
}

func TestHub_CommandTypeInboundGetsErrorReply(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	// vmBoot flows gateway → agent; an agent sending it is a protocol
	// violation answered with an error envelope.
	if err := ws.WriteJSON(&Envelope{Type: TypeVMBoot, RequestID: "r9", VMID: "vm-1"}); err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeError || env.RequestID != "r9" {
		t.Fatalf("expected correlated error reply, got %+v", env)
	}
}

func TestHub_CorrelatedStatusUpdateResolvesWaiter(t *testing.T) {
	conn, hub, srv := setupHub(t, 2*time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	// A statusUpdate carrying the requestId answers a status query instead
	// of reconciling the store.
	go func() {
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == TypeVMStatus {
				ws.WriteJSON(&Envelope{
					Type:      TypeStatusUpdate,
					RequestID: env.RequestID,
					VMID:      env.VMID,
					Status:    "paused",
				})
			}
		}
	}()

	resp, err := hub.Request("h1", &Envelope{Type: TypeVMStatus, VMID: "vm-1"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Type != TypeStatusUpdate || resp.Status != "paused" {
		t.Fatalf("unexpected status response: %+v", resp)
	}
}

func TestHub_UnsolicitedStatusUpdateReconcilesVM(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	vmID := seedRunningVM(t, conn)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	// No requestId: this is an agent-initiated report, not a response.
	if err := ws.WriteJSON(&Envelope{Type: TypeStatusUpdate, VMID: vmID, Status: "shutdown"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "status to reconcile", func() bool {
		var status string
		err := conn.QueryRow("SELECT status FROM vms WHERE id = ?", vmID).Scan(&status)
		return err == nil && status == "shutdown"
	})
}

func TestHub_ForceOffline(t *testing.T) {
	conn, hub, srv := setupHub(t, time.Second)

	ws := dialAgent(t, srv, "h1", freshToken(t, conn, "h1"))
	waitFor(t, 2*time.Second, "agent h1 to register", connected(hub, "h1"))

	hub.ForceOffline("h1")

	if len(hub.ConnectedAgents()) != 0 {
		t.Fatal("forced-offline agent must be evicted")
	}
	agent, err := agents.GetAgentByName(conn, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != agents.StatusOffline {
		t.Fatalf("expected offline, got %s", agent.Status)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// seedRunningVM inserts a minimal running VM row for reconcile tests.
func seedRunningVM(t *testing.T, conn *sql.DB) string {
	t.Helper()
	const id = "11111111-1111-1111-1111-111111111111"
	_, err := conn.Exec(`
		INSERT INTO vms (id, name, project_id, status, cpu, memory_mb, disk_gb, created_at, updated_at)
		VALUES (?, 'web-1', 'proj-a', 'running', 1, 512, 10, datetime('now'), datetime('now'))
	`, id)
	if err != nil {
		t.Fatal(err)
	}
	return id
}
