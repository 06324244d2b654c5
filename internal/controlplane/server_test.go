package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/agentpool/internal/audit"
	"github.com/fentz26/agentpool/internal/bus"
	"github.com/fentz26/agentpool/internal/cleanup"
	"github.com/fentz26/agentpool/internal/dispatch"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/lock"
	"github.com/fentz26/agentpool/internal/metrics"
	"github.com/fentz26/agentpool/internal/models"
	"github.com/fentz26/agentpool/internal/queue"
	"github.com/fentz26/agentpool/internal/registry"
	"github.com/fentz26/agentpool/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type fakeEnvironments struct{}

func (fakeEnvironments) Attach(_ context.Context, conv, envID string) (*models.Environment, error) {
	switch envID {
	case "env-1":
		if conv == "bound" {
			return nil, store.ErrConversationBound
		}
		return &models.Environment{ID: envID, Status: models.EnvironmentActive, References: 2}, nil
	case "env-gone":
		return nil, fmt.Errorf("%w: %s", isolation.ErrEnvironmentInactive, envID)
	}
	return nil, fmt.Errorf("%w: %s", isolation.ErrEnvironmentNotFound, envID)
}

func (fakeEnvironments) Release(_ context.Context, conv string) (isolation.ReleaseResult, error) {
	if conv == "known" {
		return isolation.ReleaseResult{EnvID: "env-1", Remaining: 0}, nil
	}
	return isolation.ReleaseResult{}, isolation.ErrEnvironmentNotFound
}

type fakeCleaner struct {
	codebase string
}

func (c *fakeCleaner) Run(_ context.Context, trigger, codebaseID string) (*cleanup.Report, error) {
	c.codebase = codebaseID
	return &cleanup.Report{Trigger: trigger}, nil
}

type testServer struct {
	server  *Server
	store   *store.Store
	cleaner *fakeCleaner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.NewMemoryBus(zerolog.Nop())
	t.Cleanup(func() { b.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	agents := registry.New(st, registry.Timeout(5*time.Second, 3), zerolog.Nop())
	d := dispatch.New(dispatch.Config{TickInterval: time.Hour}, dispatch.Deps{
		Store:    st,
		Bus:      b,
		Channels: bus.Channels{Prefix: "api"},
		Locker:   lock.NewStoreLocker(st),
		Queue:    queue.NewStoreQueue(st),
		Registry: agents,
		PDR:      audit.NewPDRWriter(st, zerolog.Nop()),
		Metrics:  m,
	}, zerolog.Nop())
	if err := d.Start(); err != nil {
		t.Fatalf("Failed to start dispatcher: %v", err)
	}
	t.Cleanup(d.Stop)

	cleaner := &fakeCleaner{}
	service := NewService(Deps{
		Dispatcher:   d,
		Store:        st,
		Agents:       agents,
		Environments: fakeEnvironments{},
		Cleaner:      cleaner,
	})
	return &testServer{
		server:  NewServer(service, "127.0.0.1:0", "test", reg, zerolog.Nop()),
		store:   st,
		cleaner: cleaner,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w.Result()
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", "")
	expectStatus(t, resp, http.StatusOK)

	var health HealthResponse
	decodeBody(t, resp, &health)
	if !health.OK {
		t.Errorf("Expected health.OK to be true, got %+v", health)
	}
	if health.DB != "ok" || health.Bus != "ok" {
		t.Errorf("Expected db and bus ok, got db=%q bus=%q", health.DB, health.Bus)
	}
	if health.Version != "test" {
		t.Errorf("Expected version 'test', got %q", health.Version)
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/health", "")
	expectStatus(t, resp, http.StatusMethodNotAllowed)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	ts := newTestServer(t)
	ts.store.Close()

	resp := ts.do(t, http.MethodGet, "/health", "")
	expectStatus(t, resp, http.StatusServiceUnavailable)

	var health HealthResponse
	decodeBody(t, resp, &health)
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestTaskLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/tasks", `{"description":"bump deps","priority":3,"codebase_id":"web"}`)
	expectStatus(t, resp, http.StatusCreated)
	var created models.Task
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Status != models.TaskStatusQueued || created.Priority != 3 {
		t.Fatalf("Unexpected task: %+v", created)
	}

	resp = ts.do(t, http.MethodGet, "/tasks/"+created.ID, "")
	expectStatus(t, resp, http.StatusOK)

	resp = ts.do(t, http.MethodGet, "/tasks?status=queued", "")
	expectStatus(t, resp, http.StatusOK)
	var tasks []models.Task
	decodeBody(t, resp, &tasks)
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 queued task, got %d", len(tasks))
	}

	resp = ts.do(t, http.MethodPost, "/tasks/"+created.ID+"/approve", `{"approved":true}`)
	expectStatus(t, resp, http.StatusConflict)

	resp = ts.do(t, http.MethodPost, "/tasks/"+created.ID+"/cancel", `{"reason":"not needed"}`)
	expectStatus(t, resp, http.StatusOK)
	var cancelled models.Task
	decodeBody(t, resp, &cancelled)
	if cancelled.Status != models.TaskStatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}

	resp = ts.do(t, http.MethodPost, "/tasks/"+created.ID+"/cancel", "")
	expectStatus(t, resp, http.StatusConflict)

	resp = ts.do(t, http.MethodGet, "/tasks/"+created.ID+"/attempts", "")
	expectStatus(t, resp, http.StatusOK)
	var attempts []models.Attempt
	decodeBody(t, resp, &attempts)
	if len(attempts) != 0 {
		t.Errorf("Expected no attempts, got %d", len(attempts))
	}

	resp = ts.do(t, http.MethodGet, "/audit?task_id="+created.ID, "")
	expectStatus(t, resp, http.StatusOK)
	var entries []models.PDREntry
	decodeBody(t, resp, &entries)
	actions := map[string]bool{}
	for _, e := range entries {
		actions[e.Action] = true
	}
	if !actions["task.enqueue"] || !actions["task.cancel"] {
		t.Errorf("Expected enqueue and cancel records, got %v", actions)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodPost, "/tasks", `{"description":""}`), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, "/tasks", `{"description":"x","priority":-1}`), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, "/tasks", `{not json`), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/tasks?status=bogus", ""), http.StatusBadRequest)
}

func TestAudit_LimitValidation(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodGet, "/audit?limit=ten", ""), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodGet, "/audit?limit=", ""), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/audit?limit=5", ""), http.StatusOK)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, ts.do(t, http.MethodGet, "/tasks/missing", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, "/tasks/missing/cancel", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodGet, "/tasks/missing/attempts", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, "/agents/ghost/stop", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, "/agents/ghost/kill", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, "/conversations/unknown/release", ""), http.StatusNotFound)
}

func TestAgentsAndEnvironments_EmptyLists(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/agents", "/environments?codebase=web"} {
		resp := ts.do(t, http.MethodGet, path, "")
		expectStatus(t, resp, http.StatusOK)
		body, _ := io.ReadAll(resp.Body)
		if strings.TrimSpace(string(body)) != "[]" {
			t.Errorf("%s: expected empty list, got %s", path, body)
		}
	}
}

func TestAttachConversation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/conversations/conv-y/attach", `{"env_id":"env-1"}`)
	expectStatus(t, resp, http.StatusOK)
	var env models.Environment
	decodeBody(t, resp, &env)
	if env.ID != "env-1" || env.References != 2 {
		t.Errorf("Unexpected environment: %+v", env)
	}

	expectStatus(t, ts.do(t, http.MethodPost, "/conversations/conv-y/attach", ""), http.StatusBadRequest)
	expectStatus(t, ts.do(t, http.MethodPost, "/conversations/conv-y/attach", `{"env_id":"missing"}`), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodPost, "/conversations/conv-y/attach", `{"env_id":"env-gone"}`), http.StatusConflict)
	expectStatus(t, ts.do(t, http.MethodPost, "/conversations/bound/attach", `{"env_id":"env-1"}`), http.StatusConflict)
}

func TestReleaseAndCleanup(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/conversations/known/release", "")
	expectStatus(t, resp, http.StatusOK)
	var rel isolation.ReleaseResult
	decodeBody(t, resp, &rel)
	if rel.EnvID != "env-1" {
		t.Errorf("Expected env-1, got %q", rel.EnvID)
	}

	resp = ts.do(t, http.MethodPost, "/cleanup?codebase=web", "")
	expectStatus(t, resp, http.StatusOK)
	var rep cleanup.Report
	decodeBody(t, resp, &rep)
	if rep.Trigger != cleanup.TriggerManual {
		t.Errorf("Expected manual trigger, got %q", rep.Trigger)
	}
	if ts.cleaner.codebase != "web" {
		t.Errorf("Expected cleanup scoped to web, got %q", ts.cleaner.codebase)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.do(t, http.MethodPost, "/tasks", `{"description":"x"}`), http.StatusCreated)

	resp := ts.do(t, http.MethodGet, "/metrics", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "agentpool_tasks_enqueued_total 1") {
		t.Errorf("Expected enqueued counter in metrics output")
	}
}
