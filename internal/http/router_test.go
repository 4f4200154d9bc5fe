package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/metrics"
	"github.com/totem/cluster-deployer/internal/repository/memory"
	"github.com/totem/cluster-deployer/internal/service/pipeline"
	"github.com/totem/cluster-deployer/internal/service/recovery"
	"github.com/totem/cluster-deployer/internal/ws"
)

type stubDeployer struct {
	mu         sync.Mutex
	deployErr  error
	deployed   []domain.Deployment
	undeployed [][2]string
	tasks      map[string]pipeline.Task
}

func (s *stubDeployer) SubmitDeploy(_ context.Context, request domain.Deployment) (pipeline.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deployErr != nil {
		return pipeline.Task{}, s.deployErr
	}
	s.deployed = append(s.deployed, request)
	return pipeline.Task{ID: "task-1", Kind: pipeline.KindDeploy, Status: pipeline.TaskPending}, nil
}

func (s *stubDeployer) SubmitUndeploy(_ context.Context, name, version string) (pipeline.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undeployed = append(s.undeployed, [2]string{name, version})
	return pipeline.Task{ID: "task-2", Kind: pipeline.KindUndeploy, Status: pipeline.TaskPending}, nil
}

func (s *stubDeployer) Task(id string) (pipeline.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

type stubRecovery struct {
	filter recovery.Filter
}

func (s *stubRecovery) Sweep(_ context.Context, filter recovery.Filter) (recovery.Result, error) {
	s.filter = filter
	if filter.State == "" {
		filter.State = domain.StatePromoted
	}
	return recovery.Result{State: filter.State, Submitted: []recovery.Submission{{SourceID: "a", TaskID: "t"}}}, nil
}

type stubHub struct {
	registered chan ws.Subscriber
	apps       chan string
}

func (h *stubHub) Register(app string, client ws.Subscriber) {
	h.apps <- app
	h.registered <- client
}

func (h *stubHub) Unregister(string, ws.Subscriber) {}

type fixture struct {
	router   *Router
	deployer *stubDeployer
	recovery *stubRecovery
	store    *memory.Store
	hub      *stubHub
}

func newFixture(t *testing.T, health map[string]HealthCheck) *fixture {
	t.Helper()
	f := &fixture{
		deployer: &stubDeployer{tasks: map[string]pipeline.Task{
			"done": {ID: "done", Kind: pipeline.KindDeploy, Status: pipeline.TaskError, Error: &domain.TaskError{Code: domain.CodeMinNodesRunning, Message: "not running"}},
		}},
		recovery: &stubRecovery{},
		store:    memory.New(),
		hub:      &stubHub{registered: make(chan ws.Subscriber, 1), apps: make(chan string, 1)},
	}
	reg := prometheus.NewRegistry()
	f.router = NewRouter(Deps{
		Deployer: f.deployer,
		Recovery: f.recovery,
		Store:    f.store,
		Hub:      f.hub,
		Metrics:  metrics.New(reg),
		Gatherer: reg,
		Health:   health,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSubmitDeploymentReturnsTask(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/apps", `{"meta-info":{"git":{"owner":"totem","repo":"spec-python","ref":"master","commit":"c1"}},"deployment":{"name":"spec-python"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["task_id"] != "task-1" || body["status"] != "PENDING" {
		t.Fatalf("unexpected task payload %v", body)
	}
	if len(f.deployer.deployed) != 1 || f.deployer.deployed[0].MetaInfo.Git.Repo != "spec-python" {
		t.Fatalf("expected request decoded, got %+v", f.deployer.deployed)
	}
}

func TestSubmitDeploymentErrors(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodPost, "/apps", "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/apps", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	f.deployer.deployErr = domain.NewValidationError("meta-info is required", map[string]any{"field": "meta-info"})
	rec := f.do(http.MethodPost, "/apps", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for validation error, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["code"] != domain.CodeValidation || body["error"] != "meta-info is required" {
		t.Fatalf("unexpected error payload %v", body)
	}

	f.deployer.deployErr = pipeline.ErrClosed
	if rec := f.do(http.MethodPost, "/apps", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when pipeline closed, got %d", rec.Code)
	}
}

func TestDeleteRoutes(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodDelete, "/apps/spec-python", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/apps/spec-python/versions/v2", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/apps/spec-python/other/v2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subroute, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/apps/spec-python", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	got := f.deployer.undeployed
	if len(got) != 2 || got[0] != [2]string{"spec-python", ""} || got[1] != [2]string{"spec-python", "v2"} {
		t.Fatalf("unexpected undeploy calls %v", got)
	}
}

func TestGetTask(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/tasks/done", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	taskErr, _ := body["error"].(map[string]any)
	if body["status"] != "ERROR" || taskErr["code"] != domain.CodeMinNodesRunning {
		t.Fatalf("unexpected task payload %v", body)
	}
	if rec := f.do(http.MethodGet, "/tasks/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetDeploymentWithEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := domain.Deployment{ID: "local-app-v1", Cluster: "local", Spec: domain.Spec{Name: "app", Version: "v1"}, State: domain.StatePromoted}
	if err := f.store.CreateDeployment(ctx, &d); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, typ := range []string{domain.EventDeploymentStarted, domain.EventPromoted} {
		if err := f.store.AddEvent(ctx, &domain.Event{Type: typ, DeploymentID: d.ID}); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	rec := f.do(http.MethodGet, "/deployments/local-app-v1?events=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	deployment, _ := body["deployment"].(map[string]any)
	if deployment["state"] != "PROMOTED" {
		t.Fatalf("unexpected deployment %v", deployment)
	}
	events, _ := body["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected events limited to 1, got %d", len(events))
	}

	if rec := f.do(http.MethodGet, "/deployments/unknown", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/deployments/local-app-v1?events=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestRecoveryTrigger(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/recovery", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for empty body, got %d", rec.Code)
	}
	if body := decode(t, rec); body["state"] != "PROMOTED" {
		t.Fatalf("expected default state in result, got %v", body)
	}

	rec = f.do(http.MethodPost, "/recovery", `{"state":"failed","exclude-names":["legacy"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if f.recovery.filter.State != domain.StateFailed || len(f.recovery.filter.ExcludeNames) != 1 {
		t.Fatalf("unexpected filter %+v", f.recovery.filter)
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	f := newFixture(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := f.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decode(t, rec)
	components, _ := body["components"].(map[string]any)
	redis, _ := components["redis"].(map[string]any)
	store, _ := components["store"].(map[string]any)
	if body["status"] != "degraded" || redis["status"] != "down" || store["status"] != "up" {
		t.Fatalf("unexpected health payload %v", body)
	}

	healthy := newFixture(t, map[string]HealthCheck{"store": func(context.Context) error { return nil }})
	if rec := healthy.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesRequests(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/tasks/done", "")
	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `totem_deployer_http_requests_total{method="GET",route="/tasks/:id",status="200"} 1`) {
		t.Fatalf("expected request counter in metrics output:\n%s", rec.Body.String())
	}
}

func TestEventsWebsocketSubscribesToApp(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?app=spec-python"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var client ws.Subscriber
	select {
	case app := <-f.hub.apps:
		if app != "spec-python" {
			t.Fatalf("expected subscription to spec-python, got %s", app)
		}
		client = <-f.hub.registered
	case <-time.After(2 * time.Second):
		t.Fatalf("expected client registration")
	}

	if err := client.Send([]byte(`{"level":"SUCCESS"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(msg, []byte(`{"level":"SUCCESS"}`)) {
		t.Fatalf("unexpected message %s", msg)
	}
}
