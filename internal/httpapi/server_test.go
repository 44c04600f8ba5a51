package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/praxis-ai/coordinator/internal/auth"
	"github.com/praxis-ai/coordinator/internal/complexity"
	"github.com/praxis-ai/coordinator/internal/coorddb"
	"github.com/praxis-ai/coordinator/internal/dashboard"
	"github.com/praxis-ai/coordinator/internal/delegation"
	"github.com/praxis-ai/coordinator/internal/events"
	"github.com/praxis-ai/coordinator/internal/flags"
	"github.com/praxis-ai/coordinator/internal/hierarchy"
	"github.com/praxis-ai/coordinator/internal/hookmetrics"
	"github.com/praxis-ai/coordinator/internal/ratelimit"
	"github.com/praxis-ai/coordinator/internal/retrieval"
	"github.com/praxis-ai/coordinator/internal/sessionregistry"
	"github.com/praxis-ai/coordinator/internal/statemachine"
	"github.com/praxis-ai/coordinator/internal/taskmanager"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	bus     *events.Bus
	db      *coorddb.DB
	states  *statemachine.Manager
	tasks   *taskmanager.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	bus := events.NewBus(64)

	db, err := coorddb.Open(coorddb.Config{DSN: ":memory:", SessionID: "test-session"}, logger, bus)
	if err != nil {
		t.Fatalf("coorddb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tasks, err := taskmanager.NewManager("", logger, bus)
	if err != nil {
		t.Fatalf("taskmanager.NewManager: %v", err)
	}
	retriever, err := retrieval.NewRetriever(retrieval.Config{}, nil, nil, logger, bus)
	if err != nil {
		t.Fatalf("retrieval.NewRetriever: %v", err)
	}
	states := statemachine.NewManager(statemachine.Config{}, logger, bus)

	srv := NewServer(":0", Deps{
		Dashboard: dashboard.NewManager(time.Hour, nil, logger, bus),
		Flags:     flags.NewRegistry(nil, logger, bus),
		Tracker:   ratelimit.NewTracker("free", logger),
		DB:        db,
		Sessions:  sessionregistry.NewRegistry(sessionregistry.Config{}, logger, bus),
		Bus:       bus,
		Auth:      auth.NewMiddleware(nil, "", true, logger),
		Coordination: CoordinationDeps{
			Decider:   delegation.NewDecider(logger, bus),
			Analyzer:  complexity.NewAnalyzer(logger, bus),
			Tasks:     tasks,
			Hierarchy: hierarchy.NewRegistry(hierarchy.Config{}, logger, bus),
			States:    states,
			Hooks:     hookmetrics.NewCollector("", logger),
			Retriever: retriever,
		},
	}, logger)

	return &testEnv{server: srv, handler: srv.Handler(), bus: bus, db: db, states: states, tasks: tasks}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndMetricsOpen(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}
	var health map[string]string
	decodeJSON(t, rec, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	rec = env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics exposition missing standard collectors")
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	// Swap in a middleware that actually enforces credentials.
	env.server.authMW = auth.NewMiddleware(auth.NewJWTManager("secret", time.Hour), "", false, zap.NewNop())
	handler := env.server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("/api/state without credentials: status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, health stays open", rec.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state map[string]interface{}
	decodeJSON(t, rec, &state)
	if state["status"] != "stopped" {
		t.Errorf("state.status = %v", state["status"])
	}
}

func TestFlagsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/flags", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var summary flags.Summary
	decodeJSON(t, rec, &summary)
	if summary.Total == 0 {
		t.Errorf("summary = %+v", summary)
	}

	rec = env.do(t, http.MethodPost, "/api/flags", `{"name":"contextRetrieval","value":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/flags", `{"name":"noSuchFlag","value":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown flag status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/flags", `{bad json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/flags", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT status = %d, want 405", rec.Code)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/ratelimit?projected_tokens=1000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	decodeJSON(t, rec, &body)
	if body["status"] == nil || body["check"] == nil {
		t.Errorf("body = %v", body)
	}
}

func TestConflictsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.db.RecordConflict(context.Background(), coorddb.ConflictInput{
		Type: "concurrent_edit", Resource: "file:main.go", Severity: "medium",
		SessionAID: "s1", SessionBID: "s2",
	}); err != nil {
		t.Fatalf("RecordConflict: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/conflicts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var page coorddb.ConflictPage
	decodeJSON(t, rec, &page)
	if len(page.Conflicts) != 1 || page.Summary.Pending != 1 {
		t.Errorf("page = %+v", page)
	}
}

func TestDelegationEvaluateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	body := `{
	  "task": {
	    "id": "t-api",
	    "title": "Split the migration",
	    "description": "Work proceeds independently per file.\n- part one\n- part two\n- part three",
	    "acceptance_criteria": ["a", "b", "c", "d", "e", "f"],
	    "requires": ["x", "y", "z"],
	    "blocks": ["q"]
	  },
	  "agent": {"id": "agent-1", "confidence": 0.2, "context_utilization": 0.8}
	}`
	rec := env.do(t, http.MethodPost, "/api/delegation/evaluate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var decision delegation.Decision
	decodeJSON(t, rec, &decision)
	if !decision.ShouldDelegate {
		t.Errorf("decision = %+v", decision)
	}

	rec = env.do(t, http.MethodPost, "/api/delegation/evaluate", `{"agent":{"id":"a"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing task status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/delegation/evaluate", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestComplexityAnalyzeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/complexity/analyze", `{"id":"t-1","title":"Fix typo in README","estimate":"5m"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result map[string]interface{}
	decodeJSON(t, rec, &result)
	if result["score"] == nil {
		t.Errorf("result = %v", result)
	}
}

func TestTaskEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/tasks", `{"id":"t-root","title":"Root task"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/tasks/subtask", `{"parent_id":"t-root","overrides":{"title":"Child"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("subtask status = %d body = %s", rec.Code, rec.Body.String())
	}
	var child taskmanager.Task
	decodeJSON(t, rec, &child)
	if child.ParentTaskID != "t-root" {
		t.Errorf("child = %+v", child)
	}

	rec = env.do(t, http.MethodPost, "/api/tasks/subtask", `{"parent_id":"ghost","overrides":{"title":"x"}}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown parent status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/tasks/status", `{"id":"`+child.ID+`","status":"completed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status update = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/tasks/status", `{"id":"ghost","status":"completed"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var tasks []taskmanager.Task
	decodeJSON(t, rec, &tasks)
	if len(tasks) != 2 {
		t.Errorf("listed %d tasks, want 2", len(tasks))
	}

	rec = env.do(t, http.MethodGet, "/api/tasks/validate", "")
	if rec.Code != http.StatusOK {
		t.Errorf("validate status = %d", rec.Code)
	}
	var validation taskmanager.ValidationResult
	decodeJSON(t, rec, &validation)
	if !validation.Valid {
		t.Errorf("validation = %+v", validation)
	}

	rec = env.do(t, http.MethodGet, "/api/tasks/stats", "")
	if rec.Code != http.StatusOK {
		t.Errorf("stats status = %d", rec.Code)
	}
}

func TestAgentStateEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/agents/state?id=ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", rec.Code)
	}

	if _, err := env.states.Register("agent-1", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/api/agents/state?id=agent-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/agents/aggregate?id=agent-1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("aggregate status = %d", rec.Code)
	}
}

func TestAuxiliaryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/api/sessions",
		"/api/hierarchy/export",
		"/api/hooks/stats",
		"/api/retrieval/stats",
	} {
		rec := env.do(t, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", target, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/retrieval/cache/clear", "")
	if rec.Code != http.StatusOK {
		t.Errorf("cache clear status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/retrieval/cache/clear", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET cache clear status = %d, want 405", rec.Code)
	}
}

func TestSSEReplay(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Emit("state:changed", "test", map[string]interface{}{"agent_id": "a1"})
	env.bus.Emit("task:created", "test", map[string]interface{}{"task_id": "t1"})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events?since=0", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.handler.ServeHTTP(rec, req)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not return after cancel")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: state:changed") || !strings.Contains(body, "event: task:created") {
		t.Errorf("replay body = %q", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
}
