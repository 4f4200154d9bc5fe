package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/totem/cluster-deployer/internal/app/migrate"
	httpx "github.com/totem/cluster-deployer/internal/http"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/repository/memory"
	"github.com/totem/cluster-deployer/internal/repository/postgres"
	"github.com/totem/cluster-deployer/internal/service/fleet"
	"github.com/totem/cluster-deployer/internal/service/lock"
	"github.com/totem/cluster-deployer/internal/service/proxy"
	"github.com/totem/cluster-deployer/pkg/config"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendRedis    = "redis"
	backendDocker   = "docker"
)

// backends holds the external collaborators selected by configuration.
type backends struct {
	store   repository.Store
	locks   lock.Store
	fleet   fleet.Provider
	proxy   proxy.Client
	checks  map[string]httpx.HealthCheck
	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects every configured backend. Anything opened is closed
// again when a later backend fails.
func openBackends(ctx context.Context, cfg config.DeployerConfig, log *slog.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]httpx.HealthCheck)}
	ready := false
	defer func() {
		if !ready {
			b.Close()
		}
	}()

	switch backend(cfg.StoreBackend) {
	case backendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			return nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ping(ctx); err != nil {
			return nil, fmt.Errorf("database ping: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		b.store = postgres.New(pool, cfg.DeploymentExpiry)
	case backendMemory:
		b.store = memory.New(memory.WithExpiry(cfg.DeploymentExpiry))
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	b.checks["store"] = b.store.Ping

	var rdb redis.UniversalClient
	if backend(cfg.LockBackend) == backendRedis || backend(cfg.ProxyBackend) == backendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b.closers = append(b.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		rdb = client
		b.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	switch backend(cfg.LockBackend) {
	case backendRedis:
		b.locks = lock.NewRedisStore(rdb)
	case backendMemory:
		b.locks = lock.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}

	switch backend(cfg.ProxyBackend) {
	case backendRedis:
		b.proxy = proxy.NewRedisClient(rdb, cfg.ProxyBase, log)
	case backendMemory:
		b.proxy = proxy.NewMemory()
	default:
		return nil, fmt.Errorf("unsupported proxy backend %q", cfg.ProxyBackend)
	}

	switch backend(cfg.FleetBackend) {
	case backendDocker:
		docker, err := fleet.NewDocker(cfg.DockerHost, cfg.ClusterName, cfg.DockerNet, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = docker.Close() })
		if err := docker.Ping(ctx); err != nil {
			return nil, err
		}
		b.fleet = docker
		b.checks["docker"] = docker.Ping
	case backendMemory:
		b.fleet = fleet.NewMemory()
	default:
		return nil, fmt.Errorf("unsupported fleet backend %q", cfg.FleetBackend)
	}

	log.Info("backends ready",
		"store", cfg.StoreBackend,
		"lock", cfg.LockBackend,
		"proxy", cfg.ProxyBackend,
		"fleet", cfg.FleetBackend,
	)
	ready = true
	return b, nil
}

func backend(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
