package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/metrics"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/service/pipeline"
	"github.com/totem/cluster-deployer/internal/service/recovery"
	"github.com/totem/cluster-deployer/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	maxRequestBody     = 1 << 20
)

// Deployer accepts deployment work and reports task progress.
type Deployer interface {
	SubmitDeploy(ctx context.Context, request domain.Deployment) (pipeline.Task, error)
	SubmitUndeploy(ctx context.Context, name, version string) (pipeline.Task, error)
	Task(id string) (pipeline.Task, bool)
}

// Recoverer runs a recovery sweep.
type Recoverer interface {
	Sweep(ctx context.Context, filter recovery.Filter) (recovery.Result, error)
}

// Subscriptions attaches websocket clients to per-application streams.
type Subscriptions interface {
	Register(app string, client ws.Subscriber)
	Unregister(app string, client ws.Subscriber)
}

// HealthCheck probes one backend.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators served by the Router.
type Deps struct {
	Deployer Deployer
	Recovery Recoverer
	Store    repository.Store
	Hub      Subscriptions
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
	Logger   *slog.Logger
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	deployer Deployer
	recovery Recoverer
	store    repository.Store
	hub      Subscriptions
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	health   map[string]HealthCheck
	upgrader websocket.Upgrader
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "http"),
		deployer: deps.Deployer,
		recovery: deps.Recovery,
		store:    deps.Store,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		gatherer: gatherer,
		health:   deps.Health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/apps", r.audit(r.instrument("/apps", r.handleApps)))
	r.mux.HandleFunc("/apps/", r.audit(r.instrument("/apps/:name", r.handleAppSubroutes)))
	r.mux.HandleFunc("/tasks/", r.instrument("/tasks/:id", r.handleTask))
	r.mux.HandleFunc("/deployments/", r.audit(r.instrument("/deployments/:id", r.handleDeployment)))
	r.mux.HandleFunc("/recovery", r.audit(r.instrument("/recovery", r.handleRecovery)))
	r.mux.HandleFunc("/ws/events", r.audit(r.handleEventsWS))
}

func (r *Router) handleApps(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var request domain.Deployment
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := r.deployer.SubmitDeploy(req.Context(), request)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// handleAppSubroutes serves DELETE /apps/{name} and
// DELETE /apps/{name}/versions/{version}.
func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/apps/"), "/"), "/")
	var name, version string
	switch {
	case len(parts) == 1 && parts[0] != "":
		name = parts[0]
	case len(parts) == 3 && parts[1] == "versions" && parts[0] != "" && parts[2] != "":
		name, version = parts[0], parts[2]
	default:
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	task, err := r.deployer.SubmitUndeploy(req.Context(), name, version)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/tasks/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	task, ok := r.deployer.Task(id)
	if !ok {
		r.notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "deployment id required")
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("events"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "events must be a non-negative integer")
			return
		}
		limit = n
	}
	d, err := r.store.GetDeployment(req.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	events, err := r.store.ListEvents(req.Context(), id, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment": d,
		"events":     events,
	})
}

func (r *Router) handleRecovery(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var filter recovery.Filter
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&filter); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	filter.State = domain.State(strings.ToUpper(strings.TrimSpace(string(filter.State))))
	result, err := r.recovery.Sweep(req.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	app := strings.TrimSpace(req.URL.Query().Get("app"))
	if app == "" {
		app = ws.AllApps
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(app, client)
	go client.Drain(func() {
		r.hub.Unregister(app, client)
		client.Close()
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]any, len(names))
	status := "ok"
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.health[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
