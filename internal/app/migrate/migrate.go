package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Runner applies the deployer schema with goose.
type Runner struct {
	pool          *pgxpool.Pool
	migrationsDir string
	log           *slog.Logger
}

// New returns a migration runner reading SQL files from migrationsDir.
func New(pool *pgxpool.Pool, migrationsDir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if migrationsDir == "" {
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, migrationsDir: migrationsDir, log: log.With("component", "migrate")}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		for _, res := range results {
			r.logResult(res)
		}
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.log.Info("migrations applied", "count", len(results))
		return nil
	})
}

// Status logs applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, st := range statuses {
			r.log.Info("migration", "version", st.Source.Version, "path", st.Source.Path, "state", string(st.State), "applied_at", st.AppliedAt)
		}
		return nil
	})
}

// Down rolls back the latest migration, or down to targetVersion when positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		if targetVersion > 0 {
			results, err := p.DownTo(ctx, targetVersion)
			for _, res := range results {
				r.logResult(res)
			}
			if err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
			return nil
		}
		res, err := p.Down(ctx)
		if res != nil {
			r.logResult(res)
		}
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (r Runner) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer func(db *sql.DB) { _ = db.Close() }(db)

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(r.migrationsDir))
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return fn(runCtx, provider)
}

func (r Runner) logResult(res *goose.MigrationResult) {
	if res == nil || res.Source == nil {
		return
	}
	if res.Error != nil {
		r.log.Error("migration failed", "version", res.Source.Version, "direction", res.Direction, "error", res.Error)
		return
	}
	r.log.Info("migration", "version", res.Source.Version, "direction", res.Direction, "duration_ms", res.Duration.Milliseconds())
}
