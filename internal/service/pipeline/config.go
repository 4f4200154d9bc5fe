package pipeline

import (
	"time"

	"github.com/totem/cluster-deployer/internal/retry"
	"github.com/totem/cluster-deployer/pkg/config"
)

// Config is the immutable tuning of a Pipeline. It is copied into the
// pipeline at construction and never modified afterwards.
type Config struct {
	Cluster string
	// Workers bounds concurrently executing runs.
	Workers int
	// QueueSize bounds submitted runs waiting for a worker.
	QueueSize int
	// StartConcurrency caps deployments simultaneously STARTED cluster-wide. Zero disables the cap.
	StartConcurrency int
	// FanOut bounds concurrent unit operations within one stage. Zero means unbounded.
	FanOut int
	// PromoteCooldown delays undeploying superseded blue-green versions.
	PromoteCooldown time.Duration
	// PreUndeployWait pauses between pre-create undeploy and deploy.
	PreUndeployWait time.Duration

	Transient   retry.Policy
	Lock        retry.Policy
	Concurrency retry.Policy
	Readiness   retry.Policy
	Discovery   retry.Policy
	Undeploy    retry.Policy

	// HealthCheckDelay spaces node probe attempts. The attempt count comes from the deployment.
	HealthCheckDelay time.Duration
	// CompensationTimeout bounds the rollback after a failed run.
	CompensationTimeout time.Duration
	// TaskRetention is how long finished task handles stay queryable.
	TaskRetention time.Duration
}

// ConfigFrom derives the pipeline configuration from service configuration.
func ConfigFrom(cfg config.DeployerConfig) Config {
	return Config{
		Cluster:             cfg.ClusterName,
		Workers:             cfg.Workers,
		QueueSize:           cfg.Workers * 4,
		StartConcurrency:    cfg.StartConcurrency,
		PromoteCooldown:     cfg.PromoteCooldown,
		PreUndeployWait:     cfg.PreUndeployWait,
		Transient:           retry.Constant(cfg.TransientRetries, cfg.TransientDelay),
		Lock:                retry.Constant(cfg.LockRetries, cfg.LockRetryDelay),
		Concurrency:         retry.Constant(cfg.ConcurrencyRetries, cfg.ConcurrencyDelay),
		Readiness:           retry.Constant(cfg.ReadinessRetries, cfg.ReadinessDelay),
		Discovery:           retry.Constant(cfg.DiscoveryRetries, cfg.DiscoveryDelay),
		Undeploy:            retry.Constant(cfg.UndeployRetries, cfg.UndeployDelay),
		HealthCheckDelay:    cfg.HealthCheckDelay,
		CompensationTimeout: cfg.CompensationTimeout,
		TaskRetention:       24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 4
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = 15 * time.Minute
	}
	if c.HealthCheckDelay <= 0 {
		c.HealthCheckDelay = time.Second
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = 24 * time.Hour
	}
	return c
}
