package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/repository/memory"
	"github.com/totem/cluster-deployer/internal/retry"
	"github.com/totem/cluster-deployer/internal/service/fleet"
	"github.com/totem/cluster-deployer/internal/service/health"
	"github.com/totem/cluster-deployer/internal/service/lock"
	"github.com/totem/cluster-deployer/internal/service/normalize"
	"github.com/totem/cluster-deployer/internal/service/notify"
	"github.com/totem/cluster-deployer/internal/service/proxy"
)

const appName = "spec-python"

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) levels() []notify.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Level, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Level)
	}
	return out
}

type harness struct {
	p        *Pipeline
	store    *memory.Store
	fleet    *fleet.Memory
	proxy    *proxy.Memory
	locks    lock.Service
	notifier *recordingNotifier
	endpoint string
	status   *atomic.Int32
}

func testConfig() Config {
	fast := retry.Constant(3, time.Millisecond)
	return Config{
		Cluster:          "local",
		Workers:          2,
		Transient:        retry.Constant(2, time.Millisecond),
		Lock:             fast,
		Concurrency:      fast,
		Readiness:        fast,
		Discovery:        fast,
		Undeploy:         fast,
		HealthCheckDelay: time.Millisecond,
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	status := &atomic.Int32{}
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    memory.New(),
		fleet:    fleet.NewMemory(),
		proxy:    proxy.NewMemory(),
		locks:    lock.New(lock.NewMemoryStore(), "locks", time.Minute, logger),
		notifier: &recordingNotifier{},
		endpoint: strings.TrimPrefix(srv.URL, "http://"),
		status:   status,
	}
	h.p = New(cfg, Deps{
		Normalizer: normalize.New("local", normalize.DefaultDefaults(normalize.Images{
			Prefix:   "registry/",
			Register: "registry/register:1",
			Logger:   "registry/logger:1",
		})),
		Store:    h.store,
		Locks:    h.locks,
		Fleet:    h.fleet,
		Proxy:    h.proxy,
		Health:   health.New(srv.Client()),
		Notifier: h.notifier,
		Logger:   logger,
	})
	return h
}

// discoverable registers one node for version behind the check upstream.
func (h *harness) discoverable(version string, mode domain.Mode) {
	h.proxy.AddNode(proxy.UpstreamName(appName, version, 8080, mode), "node-"+version, h.endpoint)
}

func request(version string, mode domain.Mode) domain.Deployment {
	return domain.Deployment{
		MetaInfo: &domain.MetaInfo{Git: domain.GitInfo{Owner: "totem", Repo: appName, Ref: "master", Commit: "c1"}},
		Spec: domain.Spec{
			Name:    appName,
			Version: version,
			Mode:    mode,
			Check:   domain.Check{Port: 8080, Path: "/health"},
		},
		Proxy: domain.Proxy{Hosts: map[string]domain.Host{
			"web": {Hostname: "spec.example.com", Locations: map[string]domain.Location{
				"home": {Port: 8080, Path: "/"},
			}},
		}},
	}
}

func (h *harness) eventTypes(t *testing.T, id string) []string {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func (h *harness) assertUnlocked(t *testing.T) {
	t.Helper()
	l, err := h.locks.Acquire(context.Background(), appName)
	if err != nil {
		t.Fatalf("expected lock to be released, got %v", err)
	}
	_, _ = h.locks.Release(context.Background(), l)
}

func (h *harness) state(t *testing.T, version string) domain.State {
	t.Helper()
	d, err := h.store.GetDeployment(context.Background(), domain.DeploymentID("local", appName, version))
	if err != nil {
		t.Fatalf("get deployment %s: %v", version, err)
	}
	return d.State
}

func (h *harness) units(t *testing.T, version string) []domain.Unit {
	t.Helper()
	units, err := h.fleet.ListUnits(context.Background(), appName, fleet.Selector{Version: version})
	if err != nil {
		t.Fatalf("list units: %v", err)
	}
	return units
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func TestDeployHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.discoverable("v1", domain.ModeBlueGreen)

	d, err := h.p.Deploy(context.Background(), request("v1", domain.ModeBlueGreen))
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if d.State != domain.StatePromoted {
		t.Fatalf("expected PROMOTED, got %s", d.State)
	}
	if got := h.state(t, "v1"); got != domain.StatePromoted {
		t.Fatalf("expected stored state PROMOTED, got %s", got)
	}
	if got := len(h.units(t, "v1")); got != 6 {
		t.Fatalf("expected 6 units (3 services x 2 nodes), got %d", got)
	}
	host, ok := h.proxy.Host("spec.example.com")
	if !ok || len(host.Locations) != 1 || host.Locations[0].Upstream != "spec-python-v1-8080" {
		t.Fatalf("expected host wired to versioned upstream, got %+v", host)
	}
	if _, ok := h.proxy.Upstream("spec-python-v1-8080"); !ok {
		t.Fatalf("expected upstream registered")
	}

	want := []string{
		"STAGE_LOCKING",
		domain.EventDeploymentStarted,
		"STAGE_PRE_UNDEPLOY",
		"STAGE_DEPLOYING",
		domain.EventUpstreamsRegistered,
		"STAGE_STARTING",
		domain.EventUnitsStarted,
		"STAGE_AWAITING_READY",
		domain.EventUnitsDeployed,
		"STAGE_AWAITING_DISCOVERY",
		domain.EventNodesDiscovered,
		"STAGE_HEALTH_CHECKING",
		domain.EventNodesHealthy,
		"STAGE_PROMOTING",
		domain.EventProxyWired,
		domain.EventPromoted,
		"STAGE_DONE",
	}
	got := h.eventTypes(t, d.ID)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events\nexpected %v\ngot      %v", want, got)
	}

	levels := h.notifier.levels()
	if len(levels) != 3 || levels[0] != notify.LevelPending || levels[1] != notify.LevelStarted || levels[2] != notify.LevelSuccess {
		t.Fatalf("expected pending, started, success notifications, got %v", levels)
	}
	h.assertUnlocked(t)
}

func TestDeploySupersedesPreviousBlueGreenVersion(t *testing.T) {
	h := newHarness(t, nil)
	h.discoverable("v1", domain.ModeBlueGreen)
	h.discoverable("v2", domain.ModeBlueGreen)
	ctx := context.Background()

	if _, err := h.p.Deploy(ctx, request("v1", domain.ModeBlueGreen)); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	if _, err := h.p.Deploy(ctx, request("v2", domain.ModeBlueGreen)); err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	h.p.Wait()

	if got := h.state(t, "v1"); got != domain.StateDecommissioned {
		t.Fatalf("expected v1 DECOMMISSIONED, got %s", got)
	}
	if got := h.state(t, "v2"); got != domain.StatePromoted {
		t.Fatalf("expected v2 PROMOTED, got %s", got)
	}
	if got := len(h.units(t, "v1")); got != 0 {
		t.Fatalf("expected v1 units undeployed after cooldown, got %d", got)
	}
	if got := len(h.units(t, "v2")); got != 6 {
		t.Fatalf("expected v2 units untouched, got %d", got)
	}
	promoted, _ := h.store.CountByState(ctx, domain.StatePromoted)
	if promoted != 1 {
		t.Fatalf("expected exactly one promoted deployment, got %d", promoted)
	}
	h.assertUnlocked(t)
}

func TestDeployReadinessTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.fleet.SetStartState(fleet.SubAutoRestart)

	d, err := h.p.Deploy(context.Background(), request("v1", domain.ModeBlueGreen))
	if err == nil {
		t.Fatalf("expected readiness failure")
	}
	if code := domain.AsTaskError(err).Code; code != domain.CodeMinNodesRunning {
		t.Fatalf("expected %s, got %s", domain.CodeMinNodesRunning, code)
	}
	if d.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", d.State)
	}
	if got := h.state(t, "v1"); got != domain.StateFailed {
		t.Fatalf("expected stored FAILED, got %s", got)
	}
	if got := len(h.units(t, "v1")); got != 0 {
		t.Fatalf("expected units undeployed by compensation, got %d", got)
	}
	events := h.eventTypes(t, d.ID)
	if contains(events, domain.EventUnitsDeployed) {
		t.Fatalf("expected no %s event, got %v", domain.EventUnitsDeployed, events)
	}
	if !contains(events, domain.EventDeploymentFailed) || !contains(events, "STAGE_ERROR_COMPENSATION") {
		t.Fatalf("expected failure events, got %v", events)
	}
	levels := h.notifier.levels()
	if levels[len(levels)-1] != notify.LevelFailed {
		t.Fatalf("expected a failure notification last, got %v", levels)
	}
	h.assertUnlocked(t)
}

func TestDeployPreUndeployScopeByMode(t *testing.T) {
	tests := []struct {
		mode      domain.Mode
		wantStop  bool
		wantScope fleet.Selector
	}{
		{domain.ModeBlueGreen, true, fleet.Selector{Version: "v2"}},
		{domain.ModeRedGreen, true, fleet.Selector{}},
		{domain.ModeAB, false, fleet.Selector{}},
		{domain.ModeCustom, false, fleet.Selector{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			h := newHarness(t, nil)
			h.discoverable("v2", tt.mode)
			ctx := context.Background()
			if err := h.fleet.InstallUnit(ctx, appName, "v1", 1, "app", domain.TemplateArgs{Image: "old"}); err != nil {
				t.Fatalf("install: %v", err)
			}

			if _, err := h.p.Deploy(ctx, request("v2", tt.mode)); err != nil {
				t.Fatalf("deploy: %v", err)
			}
			var stops []fleet.Call
			for _, c := range h.fleet.Calls() {
				if c.Op == "stop" {
					stops = append(stops, c)
				}
			}
			if !tt.wantStop {
				if len(stops) != 0 {
					t.Fatalf("expected no undeploy for %s, got %+v", tt.mode, stops)
				}
				if len(h.units(t, "v1")) != 1 {
					t.Fatalf("expected v1 units kept for %s", tt.mode)
				}
				return
			}
			if len(stops) != 1 || stops[0].Selector != tt.wantScope {
				t.Fatalf("expected one undeploy scoped %+v, got %+v", tt.wantScope, stops)
			}
			v1Left := len(h.units(t, "v1"))
			if tt.mode == domain.ModeRedGreen && v1Left != 0 {
				t.Fatalf("expected red-green to remove every version, %d v1 units left", v1Left)
			}
			if tt.mode == domain.ModeBlueGreen && v1Left != 1 {
				t.Fatalf("expected blue-green to keep other versions, %d v1 units left", v1Left)
			}
		})
	}
}

func TestDeployFailsWhenLockIsHeld(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	other, err := h.locks.Acquire(ctx, appName)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	d, err := h.p.Deploy(ctx, request("v1", domain.ModeBlueGreen))
	if !domain.IsLocked(err) {
		t.Fatalf("expected ResourceLockedError, got %v", err)
	}
	if d.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", d.State)
	}
	if _, err := h.store.GetDeployment(ctx, d.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected no record written without the lock, got %v", err)
	}
	if events := h.eventTypes(t, d.ID); len(events) != 0 {
		t.Fatalf("expected no events without the lock, got %v", events)
	}
	if levels := h.notifier.levels(); len(levels) != 1 || levels[0] != notify.LevelFailed {
		t.Fatalf("expected a single failure notification, got %v", levels)
	}
	for _, c := range h.fleet.Calls() {
		if c.Op == "install" || c.Op == "stop" {
			t.Fatalf("expected no fleet activity without the lock, got %+v", c)
		}
	}
	released, err := h.locks.Release(ctx, other)
	if err != nil || !released {
		t.Fatalf("expected foreign lock untouched, released=%v err=%v", released, err)
	}
}

func TestDeployConcurrencyLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartConcurrency = 1 })
	ctx := context.Background()
	busy := domain.Deployment{ID: "local-other-1", Spec: domain.Spec{Name: "other", Version: "1"}, State: domain.StateStarted}
	if err := h.store.CreateDeployment(ctx, &busy); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := h.p.Deploy(ctx, request("v1", domain.ModeBlueGreen))
	if !domain.IsConcurrencyLimit(err) {
		t.Fatalf("expected ConcurrencyLimitError, got %v", err)
	}
	if got := h.state(t, "v1"); got != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}
	h.assertUnlocked(t)
}

func TestDeployDiscoveryTimeout(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.p.Deploy(context.Background(), request("v1", domain.ModeBlueGreen))
	if code := domain.AsTaskError(err).Code; code != domain.CodeMinNodesDiscover {
		t.Fatalf("expected %s, got %v", domain.CodeMinNodesDiscover, err)
	}
	if got := len(h.units(t, "v1")); got != 0 {
		t.Fatalf("expected units rolled back, got %d", got)
	}
	h.assertUnlocked(t)
}

func TestDeployHealthCheckFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.status.Store(http.StatusServiceUnavailable)
	h.discoverable("v1", domain.ModeBlueGreen)

	_, err := h.p.Deploy(context.Background(), request("v1", domain.ModeBlueGreen))
	if code := domain.AsTaskError(err).Code; code != domain.CodeNodeCheckFailed {
		t.Fatalf("expected %s, got %v", domain.CodeNodeCheckFailed, err)
	}
	if got := h.state(t, "v1"); got != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}
	if _, ok := h.proxy.Host("spec.example.com"); ok {
		t.Fatalf("expected no traffic wired for an unhealthy deployment")
	}
}

func TestDeploySkipsDiscoveryWithoutCheckPort(t *testing.T) {
	h := newHarness(t, nil)
	req := request("v1", domain.ModeBlueGreen)
	req.Spec.Check.Port = 0

	d, err := h.p.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if contains(h.eventTypes(t, d.ID), domain.EventNodesDiscovered) {
		t.Fatalf("expected discovery to be skipped")
	}
}

func TestDeployRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	req := request("v1", domain.ModeBlueGreen)
	req.MetaInfo = nil
	_, err := h.p.Deploy(context.Background(), req)
	if !domain.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, err := h.p.SubmitDeploy(context.Background(), req); !domain.IsValidation(err) {
		t.Fatalf("expected submit to reject invalid request, got %v", err)
	}
}

func (h *harness) stored(t *testing.T, version string) domain.Deployment {
	t.Helper()
	d, err := h.store.GetDeployment(context.Background(), domain.DeploymentID("local", appName, version))
	if err != nil {
		t.Fatalf("get deployment %s: %v", version, err)
	}
	return *d
}

type deployOutcome struct {
	d   domain.Deployment
	err error
}

func TestDeploySameVersionWhileInFlight(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HealthCheckDelay = 5 * time.Millisecond })
	h.status.Store(http.StatusInternalServerError)
	h.discoverable("v1", domain.ModeBlueGreen)
	ctx := context.Background()
	req := request("v1", domain.ModeBlueGreen)
	req.Spec.Check.Attempts = 1000

	first := make(chan deployOutcome, 1)
	go func() {
		d, err := h.p.Deploy(ctx, req)
		first <- deployOutcome{d, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := h.store.GetDeployment(ctx, domain.DeploymentID("local", appName, "v1"))
		if err == nil && d.Stage == string(domain.StageHealthChecking) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first deployment never reached health checking")
		}
		time.Sleep(2 * time.Millisecond)
	}

	_, err := h.p.Deploy(ctx, req)
	if !domain.IsLocked(err) {
		t.Fatalf("expected second run to be refused with ResourceLockedError, got %v", err)
	}
	inFlight := h.stored(t, "v1")
	if inFlight.State != domain.StateStarted || inFlight.Stage != string(domain.StageHealthChecking) {
		t.Fatalf("expected in-flight record untouched, got %s/%s", inFlight.State, inFlight.Stage)
	}

	h.status.Store(http.StatusOK)
	var res deployOutcome
	select {
	case res = <-first:
	case <-time.After(10 * time.Second):
		t.Fatalf("first deployment did not finish")
	}
	if res.err != nil {
		t.Fatalf("expected first run to promote, got %v", res.err)
	}
	if got := h.state(t, "v1"); got != domain.StatePromoted {
		t.Fatalf("expected stored PROMOTED, got %s", got)
	}
	if got := len(h.units(t, "v1")); got != 6 {
		t.Fatalf("expected 6 units kept, got %d", got)
	}
	if host, ok := h.proxy.Host("spec.example.com"); !ok || host.Locations[0].Upstream != "spec-python-v1-8080" {
		t.Fatalf("expected traffic on the promoted upstream, got %+v", host)
	}
	h.assertUnlocked(t)
}

func TestDeployRefusesLiveRecordWithSameID(t *testing.T) {
	tests := []struct {
		state domain.State
		check func(error) bool
	}{
		{domain.StateNew, domain.IsLocked},
		{domain.StateStarted, domain.IsLocked},
		{domain.StatePromoted, domain.IsValidation},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			existing := domain.Deployment{
				ID:    domain.DeploymentID("local", appName, "v1"),
				Spec:  domain.Spec{Name: appName, Version: "v1"},
				State: tt.state,
				Stage: string(domain.StageStarting),
			}
			if err := h.store.CreateDeployment(ctx, &existing); err != nil {
				t.Fatalf("create: %v", err)
			}

			_, err := h.p.Deploy(ctx, request("v1", domain.ModeBlueGreen))
			if !tt.check(err) {
				t.Fatalf("unexpected error for existing %s record: %v", tt.state, err)
			}
			d := h.stored(t, "v1")
			if d.State != tt.state || d.Stage != string(domain.StageStarting) {
				t.Fatalf("expected existing record untouched, got %s/%s", d.State, d.Stage)
			}
			if events := h.eventTypes(t, d.ID); len(events) != 0 {
				t.Fatalf("expected no events on a foreign record, got %v", events)
			}
			if len(h.fleet.Calls()) != 0 {
				t.Fatalf("expected no fleet activity, got %+v", h.fleet.Calls())
			}
			h.assertUnlocked(t)
		})
	}
}

func TestDeployRetriesFailedVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.p.Deploy(ctx, request("v1", domain.ModeBlueGreen)); err == nil {
		t.Fatalf("expected discovery failure")
	}
	if got := h.state(t, "v1"); got != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}

	h.discoverable("v1", domain.ModeBlueGreen)
	d, err := h.p.Deploy(ctx, request("v1", domain.ModeBlueGreen))
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if d.State != domain.StatePromoted || h.state(t, "v1") != domain.StatePromoted {
		t.Fatalf("expected a FAILED record to be replaced and promoted, got %s", d.State)
	}
}

func TestDeploySkipsHealthCheckWithoutPath(t *testing.T) {
	h := newHarness(t, nil)
	h.status.Store(http.StatusServiceUnavailable)
	h.discoverable("v1", domain.ModeBlueGreen)
	req := request("v1", domain.ModeBlueGreen)
	req.Spec.Check.Path = ""

	d, err := h.p.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	events := h.eventTypes(t, d.ID)
	if !contains(events, domain.EventNodesDiscovered) {
		t.Fatalf("expected discovery to run, got %v", events)
	}
	if contains(events, domain.EventNodesHealthy) {
		t.Fatalf("expected health check to be skipped, got %v", events)
	}
	if d.State != domain.StatePromoted {
		t.Fatalf("expected PROMOTED, got %s", d.State)
	}
}

func TestUndeployDecommissionsApplication(t *testing.T) {
	h := newHarness(t, nil)
	h.discoverable("v1", domain.ModeBlueGreen)
	ctx := context.Background()
	d, err := h.p.Deploy(ctx, request("v1", domain.ModeBlueGreen))
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	result, err := h.p.Undeploy(ctx, appName, "")
	if err != nil {
		t.Fatalf("undeploy: %v", err)
	}
	if len(result.Decommissioned) != 1 || result.Decommissioned[0] != d.ID {
		t.Fatalf("expected %s decommissioned, got %+v", d.ID, result)
	}
	if got := h.state(t, "v1"); got != domain.StateDecommissioned {
		t.Fatalf("expected DECOMMISSIONED, got %s", got)
	}
	if got := len(h.units(t, "")); got != 0 {
		t.Fatalf("expected no units left, got %d", got)
	}
	if !contains(h.eventTypes(t, d.ID), domain.EventDeploymentDeleted) {
		t.Fatalf("expected %s event", domain.EventDeploymentDeleted)
	}
	h.assertUnlocked(t)
}

func waitTask(t *testing.T, p *Pipeline, id string) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := p.Task(id)
		if !ok {
			t.Fatalf("task %s not found", id)
		}
		if task.Status != TaskPending {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s still pending", id)
	return Task{}
}

func TestSubmitReportsTaskOutcome(t *testing.T) {
	h := newHarness(t, nil)
	h.discoverable("v1", domain.ModeBlueGreen)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.Start(ctx)
	defer h.p.Close()

	ok, err := h.p.SubmitDeploy(ctx, request("v1", domain.ModeBlueGreen))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok.Status != TaskPending {
		t.Fatalf("expected PENDING handle, got %s", ok.Status)
	}
	task := waitTask(t, h.p, ok.ID)
	if task.Status != TaskReady {
		t.Fatalf("expected READY, got %s (%+v)", task.Status, task.Error)
	}
	out, isDeployment := task.Output.(domain.Deployment)
	if !isDeployment || out.State != domain.StatePromoted {
		t.Fatalf("expected promoted deployment output, got %#v", task.Output)
	}

	failing, err := h.p.SubmitDeploy(ctx, request("v9", domain.ModeBlueGreen))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task = waitTask(t, h.p, failing.ID)
	if task.Status != TaskError || task.Error == nil || task.Error.Code != domain.CodeMinNodesDiscover {
		t.Fatalf("expected ERROR with %s, got %+v", domain.CodeMinNodesDiscover, task)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	h := newHarness(t, nil)
	h.p.Start(context.Background())
	h.p.Close()
	_, err := h.p.SubmitUndeploy(context.Background(), appName, "")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
