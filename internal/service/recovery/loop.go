package recovery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/pkg/config"
)

const sweepTimeout = time.Minute

// Loop runs a sweep on a fixed interval.
type Loop struct {
	sweeper  *Sweeper
	filter   Filter
	interval time.Duration
	logger   *slog.Logger

	now func() time.Time
}

// NewLoop returns nil when no recovery interval is configured.
func NewLoop(sweeper *Sweeper, logger *slog.Logger, cfg config.DeployerConfig) *Loop {
	if sweeper == nil || cfg.RecoveryInterval <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		sweeper: sweeper,
		filter: Filter{
			State:        domain.State(strings.ToUpper(strings.TrimSpace(cfg.RecoveryState))),
			ExcludeNames: cfg.RecoveryExclude,
		},
		interval: cfg.RecoveryInterval,
		logger:   logger.With("component", "recovery"),
		now:      time.Now,
	}
}

// Run sweeps once per interval until ctx is cancelled. The first sweep
// waits a full interval so a restarting process does not redeploy at once.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("recovery loop started", "interval", l.interval, "state", l.filter.State)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("recovery loop stopped")
			return
		case <-ticker.C:
			l.runIteration(ctx)
		}
	}
}

func (l *Loop) runIteration(parent context.Context) {
	timeout := sweepTimeout
	if l.interval < timeout {
		timeout = l.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := l.now()
	result, err := l.sweeper.Sweep(ctx, l.filter)
	if err != nil {
		l.logger.Error("recovery sweep failed", "error", err)
		return
	}
	l.logger.Debug("recovery sweep finished", "submitted", len(result.Submitted), "failed", len(result.Failed), "took", l.now().Sub(start))
}
