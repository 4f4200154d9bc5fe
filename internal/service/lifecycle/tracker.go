package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/service/fleet"
	"github.com/totem/cluster-deployer/internal/service/proxy"
)

// ErrInvalidTransition is returned when a state change is not allowed, most
// notably any attempt to leave FAILED or DECOMMISSIONED.
var ErrInvalidTransition = errors.New("invalid state transition")

// Tracker owns deployment state, stage checkpoints, history and the advisory
// runtime snapshot.
type Tracker struct {
	store  repository.Store
	fleet  fleet.Provider
	proxy  proxy.Client
	logger *slog.Logger
}

// New constructs a Tracker.
func New(store repository.Store, fleetProvider fleet.Provider, proxyClient proxy.Client, logger *slog.Logger) Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return Tracker{
		store:  store,
		fleet:  fleetProvider,
		proxy:  proxyClient,
		logger: logger.With("component", "lifecycle"),
	}
}

// Create persists a freshly normalized deployment.
func (t Tracker) Create(ctx context.Context, d *domain.Deployment) error {
	if d.State == "" {
		d.State = domain.StateNew
	}
	if err := t.store.CreateDeployment(ctx, d); err != nil {
		return fmt.Errorf("create deployment %s: %w", d.ID, err)
	}
	return nil
}

// Transition moves d to state, refusing changes the state machine forbids.
// The stored record is authoritative for the current state.
func (t Tracker) Transition(ctx context.Context, d *domain.Deployment, to domain.State) error {
	current, err := t.store.GetDeployment(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("load deployment %s: %w", d.ID, err)
	}
	if !domain.CanTransition(current.State, to) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, d.ID, current.State, to)
	}
	if current.State == to {
		d.State = to
		return nil
	}
	if err := t.store.UpdateState(ctx, d.ID, to); err != nil {
		return fmt.Errorf("update state %s: %w", d.ID, err)
	}
	d.State = to
	t.logger.Info("deployment state changed", "deployment_id", d.ID, "from", current.State, "to", to)
	return nil
}

// Checkpoint persists the stage reached and appends its STAGE_ event.
func (t Tracker) Checkpoint(ctx context.Context, d *domain.Deployment, stage domain.Stage) error {
	if err := t.store.UpdateStage(ctx, d.ID, string(stage)); err != nil {
		return fmt.Errorf("checkpoint %s: %w", d.ID, err)
	}
	d.Stage = string(stage)
	return t.Record(ctx, *d, stage.EventType(), map[string]any{"state": d.State})
}

// Record appends an event about d.
func (t Tracker) Record(ctx context.Context, d domain.Deployment, eventType string, details map[string]any) error {
	event := &domain.Event{
		Type:         eventType,
		DeploymentID: d.ID,
		Details:      details,
		Search:       domain.SearchParamsFor(d),
		Component:    domain.EventComponent,
	}
	if err := t.store.AddEvent(ctx, event); err != nil {
		return fmt.Errorf("add event %s: %w", eventType, err)
	}
	return nil
}

// Match selects deployments of one application for decommissioning. Empty
// States selects every non-terminal state.
type Match struct {
	Version        string
	ExcludeVersion string
	States         []domain.State
}

var liveStates = []domain.State{domain.StateNew, domain.StateStarted, domain.StatePromoted}

// Decommission marks the matching deployments of name as DECOMMISSIONED.
// Terminal records are never touched.
func (t Tracker) Decommission(ctx context.Context, name string, match Match) ([]domain.Deployment, error) {
	states := match.States
	if len(states) == 0 {
		states = liveStates
	}
	var affected []domain.Deployment
	for _, state := range states {
		if state.Terminal() {
			continue
		}
		matches, err := t.store.FilterDeployments(ctx, repository.DeploymentFilter{Name: name, Version: match.Version, State: state})
		if err != nil {
			return affected, fmt.Errorf("filter deployments %s: %w", name, err)
		}
		for _, d := range matches {
			if match.ExcludeVersion != "" && d.Spec.Version == match.ExcludeVersion {
				continue
			}
			affected = append(affected, d)
		}
		if _, err := t.store.UpdateStateBulk(ctx, name, domain.StateDecommissioned, repository.BulkMatch{
			State:          state,
			Version:        match.Version,
			ExcludeVersion: match.ExcludeVersion,
		}); err != nil {
			return affected, fmt.Errorf("decommission %s: %w", name, err)
		}
	}
	for i := range affected {
		affected[i].State = domain.StateDecommissioned
		if err := t.Record(ctx, affected[i], domain.EventDecommissioned, nil); err != nil {
			t.logger.Warn("decommission event not recorded", "deployment_id", affected[i].ID, "error", err)
		}
	}
	if len(affected) > 0 {
		t.logger.Info("deployments decommissioned", "app", name, "count", len(affected))
	}
	return affected, nil
}

// Live reports whether any deployment of name and version is still in a
// non-terminal state.
func (t Tracker) Live(ctx context.Context, name, version string) (bool, error) {
	matches, err := t.store.FilterDeployments(ctx, repository.DeploymentFilter{Name: name, Version: version})
	if err != nil {
		return false, fmt.Errorf("filter deployments %s: %w", name, err)
	}
	for _, d := range matches {
		if !d.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// SyncUnits refreshes the advisory unit snapshot of d from the fleet.
func (t Tracker) SyncUnits(ctx context.Context, d *domain.Deployment) error {
	units, err := t.fleet.ListUnits(ctx, d.Spec.Name, fleet.Selector{Version: d.Spec.Version})
	if err != nil {
		return fmt.Errorf("list units %s: %w", d.ID, err)
	}
	if err := t.store.UpdateRuntimeUnits(ctx, d.ID, units); err != nil {
		return fmt.Errorf("update runtime units %s: %w", d.ID, err)
	}
	d.Runtime.Units = units
	return nil
}

// SyncUpstreams refreshes the advisory upstream snapshot of d from the proxy.
func (t Tracker) SyncUpstreams(ctx context.Context, d *domain.Deployment) error {
	upstreams := make(map[string][]domain.Node, len(d.Proxy.Upstreams))
	for key := range d.Proxy.Upstreams {
		port, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		name := proxy.UpstreamName(d.Spec.Name, d.Spec.Version, port, d.Spec.Mode)
		registered, err := t.proxy.GetRegisteredNodes(ctx, name)
		if err != nil {
			return fmt.Errorf("registered nodes %s: %w", name, err)
		}
		upstreams[name] = Nodes(registered)
	}
	if err := t.store.UpdateRuntimeUpstreams(ctx, d.ID, upstreams); err != nil {
		return fmt.Errorf("update runtime upstreams %s: %w", d.ID, err)
	}
	d.Runtime.Upstreams = upstreams
	return nil
}

// Nodes converts a registered node map into a stable slice.
func Nodes(registered map[string]string) []domain.Node {
	nodes := make([]domain.Node, 0, len(registered))
	for id, endpoint := range registered {
		nodes = append(nodes, domain.Node{ID: id, Endpoint: endpoint})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}
