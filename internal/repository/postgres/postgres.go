package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
)

// Repository implements the deployer Store on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	expiry time.Duration
	now    func() time.Time
}

// New constructs a Repository. Records not PROMOTED expire expiry after
// their last state change.
func New(pool *pgxpool.Pool, expiry time.Duration) *Repository {
	if expiry <= 0 {
		expiry = repository.DefaultExpiry
	}
	return &Repository{pool: pool, expiry: expiry, now: time.Now}
}

var _ repository.Store = (*Repository)(nil)

const deploymentColumns = `document, state, stage, runtime, started_at, modified_at, promoted_at`

// CreateDeployment upserts a deployment document keyed by id.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	doc, err := domain.MarshalDocument(*deployment)
	if err != nil {
		return err
	}
	runtime, err := json.Marshal(deployment.Runtime)
	if err != nil {
		return fmt.Errorf("encode runtime: %w", err)
	}
	now := r.now().UTC()
	const query = `INSERT INTO deployments (id, cluster, name, version, state, stage, document, runtime, started_at, modified_at, promoted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			stage = EXCLUDED.stage,
			document = EXCLUDED.document,
			runtime = EXCLUDED.runtime,
			started_at = EXCLUDED.started_at,
			modified_at = EXCLUDED.modified_at,
			promoted_at = EXCLUDED.promoted_at,
			expires_at = EXCLUDED.expires_at`
	_, err = r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.Cluster,
		deployment.Spec.Name,
		deployment.Spec.Version,
		string(deployment.State),
		deployment.Stage,
		doc,
		runtime,
		deployment.StartedAt,
		now,
		deployment.PromotedAt,
		repository.ExpiresAt(deployment.State, now, r.expiry),
	)
	return err
}

// GetDeployment fetches a deployment by id.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpdateState sets the state of one deployment and moves its expiry.
func (r *Repository) UpdateState(ctx context.Context, id string, state domain.State) error {
	const query = `UPDATE deployments
		SET state = $2,
			modified_at = $3,
			promoted_at = CASE WHEN $2 = 'PROMOTED' THEN $3 ELSE promoted_at END,
			expires_at = $4
		WHERE id = $1`
	now := r.now().UTC()
	tag, err := r.pool.Exec(ctx, query, id, string(state), now, repository.ExpiresAt(state, now, r.expiry))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStage records the last pipeline stage reached.
func (r *Repository) UpdateStage(ctx context.Context, id string, stage string) error {
	const query = `UPDATE deployments SET stage = $2, modified_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, stage, r.now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStateBulk transitions every matching deployment of an application.
func (r *Repository) UpdateStateBulk(ctx context.Context, name string, state domain.State, match repository.BulkMatch) (int, error) {
	var b strings.Builder
	b.WriteString(`UPDATE deployments
		SET state = $2,
			modified_at = $3,
			promoted_at = CASE WHEN $2 = 'PROMOTED' THEN $3 ELSE promoted_at END,
			expires_at = $4
		WHERE name = $1`)
	now := r.now().UTC()
	args := []any{name, string(state), now, repository.ExpiresAt(state, now, r.expiry)}
	if match.State != "" {
		args = append(args, string(match.State))
		fmt.Fprintf(&b, " AND state = $%d", len(args))
	}
	if match.Version != "" {
		args = append(args, match.Version)
		fmt.Fprintf(&b, " AND version = $%d", len(args))
	}
	if match.ExcludeVersion != "" {
		args = append(args, match.ExcludeVersion)
		fmt.Fprintf(&b, " AND version <> $%d", len(args))
	}
	tag, err := r.pool.Exec(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// FilterDeployments lists deployments matching filter, most recently modified first.
func (r *Repository) FilterDeployments(ctx context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + deploymentColumns + ` FROM deployments WHERE TRUE`)
	var args []any
	if filter.Name != "" {
		args = append(args, filter.Name)
		fmt.Fprintf(&b, " AND name = $%d", len(args))
	}
	if filter.Version != "" {
		args = append(args, filter.Version)
		fmt.Fprintf(&b, " AND version = $%d", len(args))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		fmt.Fprintf(&b, " AND state = $%d", len(args))
	}
	if len(filter.ExcludeNames) > 0 {
		args = append(args, filter.ExcludeNames)
		fmt.Fprintf(&b, " AND NOT (name = ANY($%d))", len(args))
	}
	b.WriteString(" ORDER BY modified_at DESC")

	rows, err := r.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PurgeExpired deletes deployments whose expiry has passed. Events are kept.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	const query = `DELETE FROM deployments WHERE expires_at IS NOT NULL AND expires_at <= $1`
	tag, err := r.pool.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CountByState counts deployments in a state.
func (r *Repository) CountByState(ctx context.Context, state domain.State) (int, error) {
	const query = `SELECT COUNT(1) FROM deployments WHERE state = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, string(state)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateRuntimeUnits replaces the advisory unit snapshot.
func (r *Repository) UpdateRuntimeUnits(ctx context.Context, id string, units []domain.Unit) error {
	raw, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("encode units: %w", err)
	}
	const query = `UPDATE deployments SET runtime = jsonb_set(runtime, '{units}', $2::jsonb, true) WHERE id = $1`
	return r.execOne(ctx, query, id, raw)
}

// UpdateRuntimeUpstreams replaces the advisory upstream snapshot.
func (r *Repository) UpdateRuntimeUpstreams(ctx context.Context, id string, upstreams map[string][]domain.Node) error {
	raw, err := json.Marshal(upstreams)
	if err != nil {
		return fmt.Errorf("encode upstreams: %w", err)
	}
	const query = `UPDATE deployments SET runtime = jsonb_set(runtime, '{upstreams}', $2::jsonb, true) WHERE id = $1`
	return r.execOne(ctx, query, id, raw)
}

// AddEvent appends an event.
func (r *Repository) AddEvent(ctx context.Context, event *domain.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Date.IsZero() {
		event.Date = r.now().UTC()
	}
	if event.Component == "" {
		event.Component = domain.EventComponent
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	search, err := json.Marshal(event.Search)
	if err != nil {
		return fmt.Errorf("encode event search: %w", err)
	}
	const query = `INSERT INTO deployment_events (id, type, deployment_id, details, search, component, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.pool.Exec(ctx, query, event.ID, event.Type, event.DeploymentID, details, search, event.Component, event.Date)
	return err
}

// ListEvents returns the events recorded for a deployment, oldest first.
func (r *Repository) ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT id, type, deployment_id, details, search, component, created_at
		FROM deployment_events WHERE deployment_id = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e              domain.Event
			details, query []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.DeploymentID, &details, &query, &e.Component, &e.Date); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		if len(query) > 0 {
			if err := json.Unmarshal(query, &e.Search); err != nil {
				return nil, fmt.Errorf("decode event search: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanDeployment(row pgx.Row) (domain.Deployment, error) {
	var (
		doc, runtime []byte
		state, stage string
		startedAt    time.Time
		modifiedAt   time.Time
		promotedAt   *time.Time
	)
	if err := row.Scan(&doc, &state, &stage, &runtime, &startedAt, &modifiedAt, &promotedAt); err != nil {
		return domain.Deployment{}, err
	}
	d, err := domain.UnmarshalDocument(doc)
	if err != nil {
		return domain.Deployment{}, err
	}
	d.Runtime = domain.Runtime{}
	if len(runtime) > 0 {
		if err := json.Unmarshal(runtime, &d.Runtime); err != nil {
			return domain.Deployment{}, fmt.Errorf("decode runtime: %w", err)
		}
	}
	d.State = domain.State(state)
	d.Stage = stage
	d.StartedAt = startedAt
	d.ModifiedAt = modifiedAt
	d.PromotedAt = promotedAt
	return d, nil
}
