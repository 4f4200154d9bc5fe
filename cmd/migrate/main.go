package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/totem/cluster-deployer/internal/app/migrate"
	"github.com/totem/cluster-deployer/pkg/config"
	"github.com/totem/cluster-deployer/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	cfg := config.LoadDeployerConfig()
	log := logger.New("deployer-migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", *command)
}
