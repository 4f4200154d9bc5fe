package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	httpx "github.com/totem/cluster-deployer/internal/http"
	"github.com/totem/cluster-deployer/internal/metrics"
	"github.com/totem/cluster-deployer/internal/service/health"
	"github.com/totem/cluster-deployer/internal/service/lifecycle"
	"github.com/totem/cluster-deployer/internal/service/lock"
	"github.com/totem/cluster-deployer/internal/service/normalize"
	"github.com/totem/cluster-deployer/internal/service/notify"
	"github.com/totem/cluster-deployer/internal/service/pipeline"
	"github.com/totem/cluster-deployer/internal/service/recovery"
	"github.com/totem/cluster-deployer/internal/ws"
	"github.com/totem/cluster-deployer/pkg/config"
	"github.com/totem/cluster-deployer/pkg/logger"
)

func main() {
	cfg := config.LoadDeployerConfig()
	log := logger.New("deployer", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialise backends", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	hub := ws.NewHub(ctx)
	defer hub.Close()

	channels := []notify.Channel{
		notify.NewLogChannel(log, notify.LevelPending),
		notify.NewHubChannel(hub, notify.Level(cfg.HubLevel)),
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, notify.NewSlackChannel(cfg.SlackWebhookURL, cfg.SlackChannel, notify.Level(cfg.SlackLevel), nil))
	}
	if cfg.GithubToken != "" {
		channels = append(channels, notify.NewGithubChannel(cfg.GithubURL, cfg.GithubToken, cfg.BaseURL, notify.Level(cfg.GithubLevel), nil))
	}
	dispatcher := notify.NewDispatcher(log, channels...)

	m := metrics.New(prometheus.DefaultRegisterer)
	p := pipeline.New(pipeline.ConfigFrom(cfg), pipeline.Deps{
		Normalizer: normalize.New(cfg.ClusterName, normalize.DefaultDefaults(normalize.Images{
			Prefix:   cfg.ImagePrefix,
			Register: cfg.RegisterImage,
			Logger:   cfg.LoggerImage,
		})),
		Store:    b.store,
		Locks:    lock.New(b.locks, cfg.LockBase, cfg.LockTTL, log),
		Fleet:    b.fleet,
		Proxy:    b.proxy,
		Health:   health.New(nil),
		Notifier: dispatcher,
		Metrics:  m,
		Logger:   log,
	})
	p.Start(ctx)

	sweeper := recovery.New(b.store, p, log)
	go recovery.NewLoop(sweeper, log, cfg).Run(ctx)
	go lifecycle.NewJanitor(b.store, log, cfg.PurgeInterval).Run(ctx)

	router := httpx.NewRouter(httpx.Deps{
		Deployer: p,
		Recovery: sweeper,
		Store:    b.store,
		Hub:      hub,
		Metrics:  m,
		Health:   b.checks,
		Logger:   log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployer server starting", "addr", cfg.Addr, "cluster", cfg.ClusterName)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	}

	p.Close()
	dispatcher.Wait()
	log.Info("deployer stopped")
}
