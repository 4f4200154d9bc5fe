package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/totem/cluster-deployer/internal/repository"
)

const purgeTimeout = time.Minute

// Janitor deletes expired deployment records on a fixed interval.
type Janitor struct {
	store    repository.DeploymentRepository
	interval time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// NewJanitor returns nil when interval is not positive.
func NewJanitor(store repository.DeploymentRepository, logger *slog.Logger, interval time.Duration) *Janitor {
	if store == nil || interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "janitor"),
		now:      time.Now,
	}
}

// Run purges once at start and then once per interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "interval", j.interval)
	j.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.runIteration(ctx)
		}
	}
}

// Purge deletes every record expired at the current time.
func (j *Janitor) Purge(ctx context.Context) (int, error) {
	return j.store.PurgeExpired(ctx, j.now().UTC())
}

func (j *Janitor) runIteration(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, purgeTimeout)
	defer cancel()

	purged, err := j.Purge(ctx)
	if err != nil {
		j.logger.Error("purge expired deployments failed", "error", err)
		return
	}
	if purged > 0 {
		j.logger.Info("expired deployments purged", "count", purged)
	}
}
