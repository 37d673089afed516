package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/agents"
	"warden/internal/authz"
	"warden/internal/config"
	"warden/internal/db"
	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/orchestrator"
	"warden/internal/vms"
)

// setupAPI wires the handler package globals against a fresh in-memory
// store and an agentless hub, and returns the mux with auth disabled.
func setupAPI(t *testing.T) (*sql.DB, *http.ServeMux) {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	conn.SetMaxOpenConns(1)
	if err := db.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	bus := events.NewBus()
	hub := gateway.NewHub(conn, bus, gateway.NewMetrics(), time.Second)
	t.Cleanup(hub.Shutdown)

	DB = conn
	Hub = hub
	Orch = orchestrator.New(conn, hub, bus, nil)
	Cfg = config.Config{HeartbeatThreshold: time.Minute}
	Authz = authz.AllowAll{}

	passthrough := func(next http.HandlerFunc) http.HandlerFunc { return next }
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", Health)
	RegisterAgentRoutes(mux, passthrough)
	RegisterVMRoutes(mux, passthrough)
	RegisterVolumeRoutes(mux, passthrough)
	RegisterConsoleRoutes(mux, passthrough)
	return conn, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetVM(t *testing.T) {
	_, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/vms", map[string]any{
		"name": "web-1", "project_id": "proj-a", "cpu": 2, "memory_mb": 2048, "disk_gb": 20,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created vms.VM
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != vms.StatusCreated {
		t.Fatalf("expected created, got %s", created.Status)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/vms/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateVM_Validation(t *testing.T) {
	_, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/vms", map[string]any{
		"name": "web-1", "project_id": "proj-a", "cpu": 0, "memory_mb": 2048, "disk_gb": 20,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBootVM_NoAgentsIs503(t *testing.T) {
	conn, mux := setupAPI(t)

	vm, err := vms.CreateVM(conn, "web-1", "proj-a", 1, 512, 10)
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/vms/"+vm.ID+"/boot", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPauseVM_InvalidTransitionIs409(t *testing.T) {
	conn, mux := setupAPI(t)

	vm, err := vms.CreateVM(conn, "web-1", "proj-a", 1, 512, 10)
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/vms/"+vm.ID+"/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVMOp_MissingVMIs404(t *testing.T) {
	_, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/vms/no-such-vm/boot", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTokenLifecycle(t *testing.T) {
	conn, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/agents/tokens", map[string]any{
		"agent_name": "h1", "expires_in": "1h",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var tok agents.RegistrationToken
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatal(err)
	}
	if tok.Token == "" || tok.AgentName != "h1" || tok.ExpiresAt == nil {
		t.Fatalf("unexpected token: %+v", tok)
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/agents/tokens", nil)
	var list []agents.RegistrationToken
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one token, got %d", len(list))
	}

	rec = doJSON(t, mux, http.MethodDelete, "/api/v1/agents/tokens/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	remaining, err := agents.ListRegistrationTokens(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected token deleted, %d left", len(remaining))
	}
}

func TestCreateToken_RejectsBadDuration(t *testing.T) {
	_, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/agents/tokens", map[string]any{
		"agent_name": "h1", "expires_in": "soon",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListAgents_RecomputesLiveness(t *testing.T) {
	conn, mux := setupAPI(t)

	// Persisted as online, but the heartbeat is far older than the
	// threshold: the API must report it offline.
	if _, err := agents.CreateAgent(conn, "h1", ""); err != nil {
		t.Fatal(err)
	}
	stamp := time.Now().UTC().Add(-10 * time.Minute).Format("2006-01-02 15:04:05")
	if _, err := conn.Exec("UPDATE agents SET status = 'online', last_heartbeat = ? WHERE name = 'h1'", stamp); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/agents", nil)
	var list []struct {
		Name            string        `json:"name"`
		Status          agents.Status `json:"status"`
		EffectiveStatus agents.Status `json:"effective_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one agent, got %d", len(list))
	}
	if list[0].Status != agents.StatusOnline || list[0].EffectiveStatus != agents.StatusOffline {
		t.Fatalf("expected persisted online / effective offline, got %s / %s",
			list[0].Status, list[0].EffectiveStatus)
	}
}

func TestDeregisterAgent_BlockedWhileHostingVMs(t *testing.T) {
	conn, mux := setupAPI(t)

	agent, err := agents.CreateAgent(conn, "h1", "")
	if err != nil {
		t.Fatal(err)
	}
	vm, err := vms.CreateVM(conn, "web-1", "proj-a", 1, 512, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := vms.AssignAgent(conn, vm.ID, agent.ID); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodDelete, "/api/v1/agents/h1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCreateVolume_DefaultsFormat(t *testing.T) {
	_, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/volumes", map[string]any{
		"name": "data-1", "project_id": "proj-a", "size_gb": 10,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var vol struct {
		Format string `json:"format"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &vol); err != nil {
		t.Fatal(err)
	}
	if vol.Format != "qcow2" || vol.Status != "available" {
		t.Fatalf("unexpected volume: %+v", vol)
	}
}

func TestAttachVolume_RequiresVMID(t *testing.T) {
	_, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/volumes/v1/attach", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestConsole_DeniedByOracleIs403(t *testing.T) {
	conn, mux := setupAPI(t)

	// An oracle with no relationships denies everyone.
	Authz = authz.NewMemory()

	vm, err := vms.CreateVM(conn, "web-1", "proj-a", 1, 512, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := vms.UpdateStatus(conn, vm.ID, vms.StatusRunning); err != nil {
		t.Fatal(err)
	}
	agent, err := agents.CreateAgent(conn, "h1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := vms.AssignAgent(conn, vm.ID, agent.ID); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/vms/"+vm.ID+"/console", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestConsole_NotRunningIs409(t *testing.T) {
	conn, mux := setupAPI(t)

	vm, err := vms.CreateVM(conn, "web-1", "proj-a", 1, 512, 10)
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/vms/"+vm.ID+"/console", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	_, mux := setupAPI(t)

	rec := doJSON(t, mux, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status          string `json:"status"`
		ConnectedAgents int    `json:"connected_agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.ConnectedAgents != 0 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
