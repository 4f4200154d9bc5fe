package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/metrics"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/retry"
	"github.com/totem/cluster-deployer/internal/service/fleet"
	"github.com/totem/cluster-deployer/internal/service/health"
	"github.com/totem/cluster-deployer/internal/service/lifecycle"
	"github.com/totem/cluster-deployer/internal/service/lock"
	"github.com/totem/cluster-deployer/internal/service/normalize"
	"github.com/totem/cluster-deployer/internal/service/notify"
	"github.com/totem/cluster-deployer/internal/service/proxy"
)

const releaseTimeout = 30 * time.Second

// ErrClosed is returned when submitting to a pipeline that is shutting down.
var ErrClosed = errors.New("pipeline closed")

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Normalizer normalize.Normalizer
	Store      repository.Store
	Locks      lock.Service
	Fleet      fleet.Provider
	Proxy      proxy.Client
	Health     health.Checker
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Pipeline turns deployment requests into promoted application versions and
// undeploys them again.
type Pipeline struct {
	cfg        Config
	normalizer normalize.Normalizer
	store      repository.Store
	tracker    lifecycle.Tracker
	locks      lock.Service
	exec       Executors
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger

	tasks      *Tasks
	queue      chan job
	closing    chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once
	workers    sync.WaitGroup
	background sync.WaitGroup
}

// New constructs a Pipeline. Call Start before submitting tasks.
func New(cfg Config, deps Deps) *Pipeline {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Pipeline{
		cfg:        cfg,
		normalizer: deps.Normalizer,
		store:      deps.Store,
		tracker:    lifecycle.New(deps.Store, deps.Fleet, deps.Proxy, logger),
		locks:      deps.Locks,
		exec:       NewExecutors(cfg, deps.Fleet, deps.Proxy, deps.Health),
		notifier:   notifier,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "pipeline"),
		tasks:      NewTasks(cfg.TaskRetention),
		queue:      make(chan job, cfg.QueueSize),
		closing:    make(chan struct{}),
	}
}

// Deploy runs the whole pipeline for request and returns the deployment in
// its final state. A non-nil error means the deployment ended FAILED. The
// record is only written once the application lock is held, so an invalid
// request or a lost lock leaves the store untouched.
func (p *Pipeline) Deploy(ctx context.Context, request domain.Deployment) (domain.Deployment, error) {
	done := p.metrics.RunStarted()
	defer done()

	d, err := p.normalizer.Normalize(request)
	if err != nil {
		p.metrics.RunFinished(KindDeploy, "invalid")
		return domain.Deployment{}, err
	}
	r := &run{
		p:   p,
		d:   d,
		log: p.logger.With("deployment_id", d.ID, "app", d.Spec.Name, "version", d.Spec.Version),
	}
	if err := r.execute(ctx); err != nil {
		p.metrics.RunFinished(KindDeploy, "failed")
		return r.d, err
	}
	p.metrics.RunFinished(KindDeploy, "promoted")
	return r.d, nil
}

// UndeployResult reports what an explicit undeploy removed.
type UndeployResult struct {
	Name           string   `json:"name"`
	Version        string   `json:"version,omitempty"`
	Decommissioned []string `json:"decommissioned"`
}

// Undeploy removes every unit of name, or only those of version, and marks
// the matching deployments DECOMMISSIONED.
func (p *Pipeline) Undeploy(ctx context.Context, name, version string) (UndeployResult, error) {
	log := p.logger.With("app", name, "version", version)
	result := UndeployResult{Name: name, Version: version, Decommissioned: []string{}}
	err := p.withLock(ctx, name, log, func(ctx context.Context) error {
		if err := p.exec.Undeploy(ctx, name, fleet.Selector{Version: version}, 0); err != nil {
			return err
		}
		affected, err := p.tracker.Decommission(ctx, name, lifecycle.Match{Version: version})
		if err != nil {
			return err
		}
		details := map[string]any{"name": name, "version": version}
		if len(affected) == 0 {
			stub := domain.Deployment{Cluster: p.cfg.Cluster, Spec: domain.Spec{Name: name, Version: version}}
			if err := p.tracker.Record(ctx, stub, domain.EventDeploymentDeleted, details); err != nil {
				log.Warn("event not recorded", "type", domain.EventDeploymentDeleted, "error", err)
			}
		}
		for _, d := range affected {
			result.Decommissioned = append(result.Decommissioned, d.ID)
			if err := p.tracker.Record(ctx, d, domain.EventDeploymentDeleted, details); err != nil {
				log.Warn("event not recorded", "type", domain.EventDeploymentDeleted, "error", err)
			}
		}
		return nil
	})
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	p.metrics.RunFinished(KindUndeploy, outcome)
	if err != nil {
		return result, err
	}
	log.Info("application undeployed", "decommissioned", len(result.Decommissioned))
	return result, nil
}

// Wait blocks until scheduled background decommissions have finished.
func (p *Pipeline) Wait() {
	p.background.Wait()
}

// acquireLock takes the application lock, waiting for other holders within
// the lock retry policy.
func (p *Pipeline) acquireLock(ctx context.Context, name string, log *slog.Logger) (lock.Lock, error) {
	var held lock.Lock
	err := retry.Do(ctx, p.cfg.Lock, func(err error) bool {
		return domain.IsLocked(err) || domain.IsTransient(err)
	}, func(ctx context.Context) error {
		l, err := p.locks.Acquire(ctx, name)
		if err != nil {
			if domain.IsLocked(err) {
				p.metrics.LockContended(name)
				log.Debug("application locked, waiting")
			}
			return err
		}
		held = l
		return nil
	})
	return held, err
}

func (p *Pipeline) releaseLock(ctx context.Context, l lock.Lock, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, err := p.locks.Release(ctx, l); err != nil {
		log.Error("lock release failed", "error", err)
	}
}

func (p *Pipeline) withLock(ctx context.Context, name string, log *slog.Logger, fn func(context.Context) error) error {
	l, err := p.acquireLock(ctx, name, log)
	if err != nil {
		return err
	}
	defer p.releaseLock(ctx, l, log)
	return fn(ctx)
}

// scheduleDecommission undeploys superseded versions once the cooldown has
// passed. A version that became live again in the meantime is kept.
func (p *Pipeline) scheduleDecommission(ctx context.Context, name string, versions []string, checkRetries int) {
	if len(versions) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := p.logger.With("app", name)
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		if p.cfg.PromoteCooldown > 0 {
			timer := time.NewTimer(p.cfg.PromoteCooldown)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-p.closing:
				log.Warn("shutdown before superseded versions were undeployed", "versions", versions)
				return
			}
		}
		ctx, cancel := context.WithTimeout(ctx, p.cfg.CompensationTimeout)
		defer cancel()
		err := p.withLock(ctx, name, log, func(ctx context.Context) error {
			var errs []error
			for _, version := range versions {
				live, err := p.tracker.Live(ctx, name, version)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if live {
					log.Info("superseded version is live again, keeping units", "version", version)
					continue
				}
				if err := p.exec.Undeploy(ctx, name, fleet.Selector{Version: version}, checkRetries); err != nil {
					errs = append(errs, fmt.Errorf("undeploy %s: %w", version, err))
					continue
				}
				log.Info("superseded version undeployed", "version", version)
			}
			return errors.Join(errs...)
		})
		if err != nil {
			log.Error("decommission failed", "versions", versions, "error", err)
		}
	}()
}
