package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/totem/cluster-deployer/internal/domain"
)

// DefaultTTL bounds how long a crashed holder can keep an application locked.
const DefaultTTL = time.Hour

// Store is an atomic key store able to create a key only when absent and to
// delete it only when it still holds the expected token.
type Store interface {
	Create(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
}

// Lock is a held application lock.
type Lock struct {
	Name       string
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Service hands out per-application locks.
//
// The TTL is set once at acquisition and never refreshed, so a run that
// outlives it loses mutual exclusion silently.
type Service struct {
	store  Store
	base   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a lock Service. Keys are namespaced under base.
func New(store Store, base string, ttl time.Duration, logger *slog.Logger) Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		store:  store,
		base:   strings.TrimRight(base, ":/"),
		ttl:    ttl,
		logger: logger.With("component", "lock"),
		now:    time.Now,
	}
}

// Key returns the store key guarding name.
func (s Service) Key(name string) string {
	return s.base + ":" + name
}

// Acquire takes the lock for name once. It never retries; a held lock yields
// a ResourceLockedError.
func (s Service) Acquire(ctx context.Context, name string) (Lock, error) {
	key := s.Key(name)
	token := uuid.NewString()
	ok, err := s.store.Create(ctx, key, token, s.ttl)
	if err != nil {
		return Lock{}, domain.Transient("acquire lock", err)
	}
	if !ok {
		return Lock{}, &domain.ResourceLockedError{Name: name}
	}
	s.logger.Debug("lock acquired", "app", name, "key", key)
	return Lock{Name: name, Key: key, Token: token, TTL: s.ttl, AcquiredAt: s.now()}, nil
}

// Release deletes the lock if it is still held by this token. It returns
// false when the lock already expired or was taken over.
func (s Service) Release(ctx context.Context, l Lock) (bool, error) {
	if l.Key == "" || l.Token == "" {
		return false, nil
	}
	ok, err := s.store.CompareAndDelete(ctx, l.Key, l.Token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", l.Key, err)
	}
	if !ok {
		s.logger.Warn("lock already released or expired", "app", l.Name, "key", l.Key)
	}
	return ok, nil
}
