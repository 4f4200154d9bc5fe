package repository

import (
	"context"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
)

// DefaultExpiry is used when a store is built without an expiry.
const DefaultExpiry = 4 * 7 * 24 * time.Hour

// ExpiresAt returns when a record that entered state at changed may be
// purged. PROMOTED records never expire.
func ExpiresAt(state domain.State, changed time.Time, expiry time.Duration) *time.Time {
	if state == domain.StatePromoted {
		return nil
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	at := changed.Add(expiry)
	return &at
}

// DeploymentFilter selects deployments. Empty fields match everything.
type DeploymentFilter struct {
	Name         string
	Version      string
	State        domain.State
	ExcludeNames []string
}

// BulkMatch restricts a bulk state transition. Empty fields match everything.
type BulkMatch struct {
	State          domain.State
	Version        string
	ExcludeVersion string
}

// DeploymentRepository persists deployment records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateState(ctx context.Context, id string, state domain.State) error
	UpdateStage(ctx context.Context, id string, stage string) error
	UpdateStateBulk(ctx context.Context, name string, state domain.State, match BulkMatch) (int, error)
	FilterDeployments(ctx context.Context, filter DeploymentFilter) ([]domain.Deployment, error)
	CountByState(ctx context.Context, state domain.State) (int, error)
	UpdateRuntimeUnits(ctx context.Context, id string, units []domain.Unit) error
	UpdateRuntimeUpstreams(ctx context.Context, id string, upstreams map[string][]domain.Node) error
	// PurgeExpired deletes records whose expiry is at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// EventRepository appends and lists deployment events.
type EventRepository interface {
	AddEvent(ctx context.Context, event *domain.Event) error
	ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.Event, error)
}

// Store combines every persistence concern used by the deployer.
type Store interface {
	DeploymentRepository
	EventRepository
	Ping(ctx context.Context) error
}
