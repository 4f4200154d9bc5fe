package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/retry"
	"github.com/totem/cluster-deployer/internal/service/fleet"
	"github.com/totem/cluster-deployer/internal/service/lifecycle"
	"github.com/totem/cluster-deployer/internal/service/lock"
	"github.com/totem/cluster-deployer/internal/service/notify"
)

// run is one pass of a deployment through the stages. It only moves forward:
// every failure goes to compensation, never back to an earlier stage.
type run struct {
	p     *Pipeline
	d     domain.Deployment
	log   *slog.Logger
	lock  *lock.Lock
	nodes map[string]string
	// created is set once this run owns the stored record.
	created bool
	// deployed is set once units may exist for this version.
	deployed bool
}

type step struct {
	stage domain.Stage
	fn    func(context.Context) error
}

func (r *run) execute(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			r.compensate(ctx, err)
		}
		r.release(ctx)
	}()

	if err = r.claim(ctx); err != nil {
		return err
	}
	steps := []step{
		{domain.StageLocking, r.admit},
		{domain.StagePreUndeploy, r.preUndeploy},
		{domain.StageDeploying, r.deployUnits},
		{domain.StageStarting, r.startUnits},
		{domain.StageAwaitingReady, r.awaitReady},
		{domain.StageAwaitingDiscovery, r.awaitDiscovery},
		{domain.StageHealthChecking, r.checkHealth},
		{domain.StagePromoting, r.promote},
	}
	for _, s := range steps {
		if err = r.stage(ctx, s.stage, s.fn); err != nil {
			return err
		}
	}
	if cerr := r.p.tracker.Checkpoint(ctx, &r.d, domain.StageDone); cerr != nil {
		r.log.Warn("checkpoint failed", "stage", domain.StageDone, "error", cerr)
	}
	return nil
}

func (r *run) stage(ctx context.Context, stage domain.Stage, fn func(context.Context) error) error {
	if err := r.p.tracker.Checkpoint(ctx, &r.d, stage); err != nil {
		return err
	}
	r.log.Info("stage entered", "stage", stage)
	start := time.Now()
	err := fn(ctx)
	r.p.metrics.StageObserved(string(stage), err, time.Since(start))
	if err != nil {
		r.log.Warn("stage failed", "stage", stage, "error", err)
	}
	return err
}

func (r *run) record(ctx context.Context, eventType string, details map[string]any) {
	if err := r.p.tracker.Record(ctx, r.d, eventType, details); err != nil {
		r.log.Warn("event not recorded", "type", eventType, "error", err)
	}
}

// claim takes the application lock and only then writes the deployment
// record. A live record with the same id belongs to another run and is
// left untouched.
func (r *run) claim(ctx context.Context) error {
	l, err := r.p.acquireLock(ctx, r.d.Spec.Name, r.log)
	if err != nil {
		return err
	}
	r.lock = &l

	existing, err := r.p.store.GetDeployment(ctx, r.d.ID)
	switch {
	case err == nil && existing.State == domain.StatePromoted:
		return domain.NewValidationError("deployment "+r.d.ID+" is already promoted", map[string]any{
			"id":    r.d.ID,
			"state": existing.State,
		})
	case err == nil && !existing.State.Terminal():
		return &domain.ResourceLockedError{Name: r.d.ID}
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return domain.Transient("load deployment", err)
	}
	if err := r.p.tracker.Create(ctx, &r.d); err != nil {
		return err
	}
	r.created = true
	r.p.notifier.Notify(notify.For(r.d, notify.LevelPending, "deployment requested"))
	return nil
}

// admit moves the run to STARTED under the cluster wide cap on STARTED
// deployments.
func (r *run) admit(ctx context.Context) error {
	if limit := r.p.cfg.StartConcurrency; limit > 0 {
		err := retry.Do(ctx, r.p.cfg.Concurrency, func(err error) bool {
			return domain.IsConcurrencyLimit(err) || domain.IsTransient(err)
		}, func(ctx context.Context) error {
			started, err := r.p.store.CountByState(ctx, domain.StateStarted)
			if err != nil {
				return domain.Transient("count started deployments", err)
			}
			if started >= limit {
				return &domain.ConcurrencyLimitError{Limit: limit, Started: started}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := r.p.tracker.Transition(ctx, &r.d, domain.StateStarted); err != nil {
		return err
	}
	r.record(ctx, domain.EventDeploymentStarted, map[string]any{"mode": r.d.Spec.Mode, "nodes": r.d.Spec.Nodes})
	r.p.notifier.Notify(notify.For(r.d, notify.LevelStarted, "deployment started"))
	return nil
}

// preUndeploySelector picks the units to clear before deploying: the same
// version for blue-green, every version for red-green, nothing otherwise.
func preUndeploySelector(d domain.Deployment) (fleet.Selector, bool) {
	switch d.Spec.Mode {
	case domain.ModeBlueGreen:
		return fleet.Selector{Version: d.Spec.Version}, true
	case domain.ModeRedGreen:
		return fleet.Selector{}, true
	default:
		return fleet.Selector{}, false
	}
}

func (r *run) preUndeploy(ctx context.Context) error {
	sel, ok := preUndeploySelector(r.d)
	if !ok {
		return nil
	}
	if err := r.p.exec.Undeploy(ctx, r.d.Spec.Name, sel, r.d.Spec.Stop.CheckRetries); err != nil {
		return err
	}
	if wait := r.p.cfg.PreUndeployWait; wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *run) deployUnits(ctx context.Context) error {
	r.deployed = true
	upstreams, err := r.p.exec.RegisterUpstreams(ctx, r.d)
	if err != nil {
		return err
	}
	r.record(ctx, domain.EventUpstreamsRegistered, map[string]any{"upstreams": upstreams})
	installed, err := r.p.exec.Deploy(ctx, r.d)
	if err != nil {
		return err
	}
	r.log.Info("units installed", "units", installed)
	return nil
}

func (r *run) startUnits(ctx context.Context) error {
	started, err := r.p.exec.Start(ctx, r.d)
	if err != nil {
		return err
	}
	r.record(ctx, domain.EventUnitsStarted, map[string]any{"units": started})
	return nil
}

func (r *run) awaitReady(ctx context.Context) error {
	units, err := r.p.exec.AwaitReady(ctx, r.d)
	if err != nil {
		return err
	}
	if err := r.p.tracker.SyncUnits(ctx, &r.d); err != nil {
		r.log.Warn("runtime units not refreshed", "error", err)
	}
	r.record(ctx, domain.EventUnitsDeployed, map[string]any{"units": len(units)})
	return nil
}

func (r *run) awaitDiscovery(ctx context.Context) error {
	upstream, ok := CheckUpstream(r.d)
	if !ok {
		r.log.Debug("no check port, discovery skipped")
		return nil
	}
	nodes, err := r.p.exec.AwaitDiscovery(ctx, r.d)
	if err != nil {
		return err
	}
	r.nodes = nodes
	if err := r.p.tracker.SyncUpstreams(ctx, &r.d); err != nil {
		r.log.Warn("runtime upstreams not refreshed", "error", err)
	}
	r.record(ctx, domain.EventNodesDiscovered, map[string]any{"upstream": upstream, "nodes": lifecycle.Nodes(nodes)})
	return nil
}

func (r *run) checkHealth(ctx context.Context) error {
	if len(r.nodes) == 0 {
		return nil
	}
	if r.d.Spec.Check.Path == "" {
		r.log.Debug("no check path, health check skipped")
		return nil
	}
	if err := r.p.exec.CheckNodes(ctx, r.d, r.nodes); err != nil {
		return err
	}
	r.record(ctx, domain.EventNodesHealthy, map[string]any{"nodes": len(r.nodes)})
	return nil
}

// promote wires traffic, retires superseded versions for exclusive modes and
// marks this deployment PROMOTED.
func (r *run) promote(ctx context.Context) error {
	hosts, listeners, err := r.p.exec.WireProxy(ctx, r.d)
	if err != nil {
		return err
	}
	r.record(ctx, domain.EventProxyWired, map[string]any{"hosts": hosts, "listeners": listeners})

	var superseded []domain.Deployment
	if r.d.Spec.Mode.ExclusivePromotion() {
		superseded, err = r.p.tracker.Decommission(ctx, r.d.Spec.Name, lifecycle.Match{
			ExcludeVersion: r.d.Spec.Version,
			States:         []domain.State{domain.StatePromoted},
		})
		if err != nil {
			return err
		}
	}
	if err := r.p.tracker.Transition(ctx, &r.d, domain.StatePromoted); err != nil {
		return err
	}
	if r.d.Spec.Mode == domain.ModeBlueGreen {
		versions := make([]string, 0, len(superseded))
		for _, s := range superseded {
			versions = append(versions, s.Spec.Version)
		}
		r.p.scheduleDecommission(ctx, r.d.Spec.Name, versions, r.d.Spec.Stop.CheckRetries)
	}
	r.record(ctx, domain.EventPromoted, nil)
	r.p.notifier.Notify(notify.For(r.d, notify.LevelSuccess, "deployment promoted"))
	return nil
}

// compensate rolls back a failed run: best-effort undeploy of this version,
// FAILED state, failure event and notification. It runs even when ctx is
// already cancelled. A run that never created its record only notifies.
func (r *run) compensate(ctx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.p.cfg.CompensationTimeout)
	defer cancel()

	taskErr := domain.AsTaskError(cause)
	failedStage := r.d.Stage
	if !r.created {
		r.d.State = domain.StateFailed
		r.notifyFailed(taskErr, failedStage)
		r.log.Error("deployment not started", "code", taskErr.Code, "error", cause)
		return
	}
	if err := r.p.tracker.Checkpoint(ctx, &r.d, domain.StageCompensating); err != nil {
		r.log.Warn("checkpoint failed", "stage", domain.StageCompensating, "error", err)
	}
	if r.deployed && r.lock != nil {
		if err := r.p.exec.Undeploy(ctx, r.d.Spec.Name, fleet.Selector{Version: r.d.Spec.Version}, r.d.Spec.Stop.CheckRetries); err != nil {
			r.log.Error("rollback undeploy failed", "error", err)
		}
	}
	if err := r.p.tracker.Transition(ctx, &r.d, domain.StateFailed); err != nil {
		r.log.Warn("deployment not marked failed", "error", err)
	}

	r.record(ctx, domain.EventDeploymentFailed, map[string]any{
		"stage":   failedStage,
		"code":    taskErr.Code,
		"message": taskErr.Message,
		"details": taskErr.Details,
	})
	r.notifyFailed(taskErr, failedStage)
	r.log.Error("deployment failed", "stage", failedStage, "code", taskErr.Code, "error", cause)
}

func (r *run) notifyFailed(taskErr *domain.TaskError, stage string) {
	n := notify.For(r.d, notify.LevelFailed, "deployment failed")
	n.Error = taskErr
	n.Details = map[string]any{"stage": stage}
	r.p.notifier.Notify(n)
}

// release drops the application lock if this run holds it. It is a no-op on
// every call after the first.
func (r *run) release(ctx context.Context) {
	if r.lock == nil {
		return
	}
	l := *r.lock
	r.lock = nil
	r.p.releaseLock(ctx, l, r.log)
}
