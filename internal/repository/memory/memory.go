package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
)

// Store keeps deployments and events in process memory.
type Store struct {
	mu          sync.RWMutex
	deployments map[string]domain.Deployment
	expires     map[string]time.Time
	events      []domain.Event
	expiry      time.Duration
	now         func() time.Time
}

var _ repository.Store = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithExpiry sets how long non-promoted records outlive their last state change.
func WithExpiry(expiry time.Duration) Option {
	return func(s *Store) {
		if expiry > 0 {
			s.expiry = expiry
		}
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		deployments: make(map[string]domain.Deployment),
		expires:     make(map[string]time.Time),
		expiry:      repository.DefaultExpiry,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDeployment inserts or replaces a deployment keyed by id.
func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := deployment.Clone()
	d.ModifiedAt = s.now().UTC()
	s.deployments[d.ID] = d
	s.setExpiry(d.ID, d.State, d.ModifiedAt)
	return nil
}

// GetDeployment returns a copy of the stored deployment.
func (s *Store) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := d.Clone()
	return &out, nil
}

// UpdateState sets the state of a single deployment.
func (s *Store) UpdateState(_ context.Context, id string, state domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.deployments[id] = s.transition(d, state)
	return nil
}

// UpdateStage records the last pipeline stage reached.
func (s *Store) UpdateStage(_ context.Context, id string, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Stage = stage
	d.ModifiedAt = s.now().UTC()
	s.deployments[id] = d
	return nil
}

// UpdateStateBulk transitions every deployment of name that matches.
func (s *Store) UpdateStateBulk(_ context.Context, name string, state domain.State, match repository.BulkMatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for id, d := range s.deployments {
		if d.Spec.Name != name {
			continue
		}
		if match.State != "" && d.State != match.State {
			continue
		}
		if match.Version != "" && d.Spec.Version != match.Version {
			continue
		}
		if match.ExcludeVersion != "" && d.Spec.Version == match.ExcludeVersion {
			continue
		}
		s.deployments[id] = s.transition(d, state)
		updated++
	}
	return updated, nil
}

// FilterDeployments lists deployments matching filter, newest first.
func (s *Store) FilterDeployments(_ context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Deployment
	for _, d := range s.deployments {
		if filter.Name != "" && d.Spec.Name != filter.Name {
			continue
		}
		if filter.Version != "" && d.Spec.Version != filter.Version {
			continue
		}
		if filter.State != "" && d.State != filter.State {
			continue
		}
		if slices.Contains(filter.ExcludeNames, d.Spec.Name) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out, nil
}

// CountByState counts deployments currently in state.
func (s *Store) CountByState(_ context.Context, state domain.State) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.deployments {
		if d.State == state {
			count++
		}
	}
	return count, nil
}

// UpdateRuntimeUnits replaces the advisory unit snapshot.
func (s *Store) UpdateRuntimeUnits(_ context.Context, id string, units []domain.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Runtime.Units = slices.Clone(units)
	s.deployments[id] = d
	return nil
}

// UpdateRuntimeUpstreams replaces the advisory upstream snapshot.
func (s *Store) UpdateRuntimeUpstreams(_ context.Context, id string, upstreams map[string][]domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	copied := make(map[string][]domain.Node, len(upstreams))
	for k, v := range upstreams {
		copied[k] = slices.Clone(v)
	}
	d.Runtime.Upstreams = copied
	s.deployments[id] = d
	return nil
}

// AddEvent appends an event, assigning id and date when missing.
func (s *Store) AddEvent(_ context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Date.IsZero() {
		event.Date = s.now().UTC()
	}
	if event.Component == "" {
		event.Component = domain.EventComponent
	}
	s.events = append(s.events, *event)
	return nil
}

// ListEvents returns events for a deployment in insertion order.
func (s *Store) ListEvents(_ context.Context, deploymentID string, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.events {
		if deploymentID != "" && e.DeploymentID != deploymentID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PurgeExpired deletes deployments whose expiry has passed. Events are kept.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, at := range s.expires {
		if at.After(now) {
			continue
		}
		delete(s.deployments, id)
		delete(s.expires, id)
		purged++
	}
	return purged, nil
}

// ExpiresAt reports when id may be purged; false means never.
func (s *Store) ExpiresAt(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.expires[id]
	return at, ok
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) transition(d domain.Deployment, state domain.State) domain.Deployment {
	now := s.now().UTC()
	d.State = state
	d.ModifiedAt = now
	if state == domain.StatePromoted {
		d.PromotedAt = &now
	}
	s.setExpiry(d.ID, state, now)
	return d
}

func (s *Store) setExpiry(id string, state domain.State, changed time.Time) {
	at := repository.ExpiresAt(state, changed, s.expiry)
	if at == nil {
		delete(s.expires, id)
		return
	}
	s.expires[id] = *at
}
