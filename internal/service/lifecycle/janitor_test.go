package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/totem/cluster-deployer/internal/domain"
	"github.com/totem/cluster-deployer/internal/repository"
	"github.com/totem/cluster-deployer/internal/repository/memory"
)

func seedStates(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	for version, state := range map[string]domain.State{
		"v1": domain.StateFailed,
		"v2": domain.StatePromoted,
		"v3": domain.StateDecommissioned,
	} {
		d := deployment(version)
		d.State = state
		if err := store.CreateDeployment(ctx, &d); err != nil {
			t.Fatalf("create %s: %v", version, err)
		}
	}
}

func TestJanitorPurgesOnlyExpiredRecords(t *testing.T) {
	store := memory.New(memory.WithExpiry(time.Hour))
	seedStates(t, store)
	j := NewJanitor(store, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)

	purged, err := j.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected nothing purged before expiry, got %d", purged)
	}

	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	purged, err = j.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 expired records purged, got %d", purged)
	}
	if _, err := store.GetDeployment(context.Background(), deployment("v2").ID); err != nil {
		t.Fatalf("expected promoted record kept, got %v", err)
	}
	if _, err := store.GetDeployment(context.Background(), deployment("v1").ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected failed record purged, got %v", err)
	}
}

func TestJanitorRunPurgesAtStartAndStops(t *testing.T) {
	store := memory.New(memory.WithExpiry(time.Hour))
	seedStates(t, store)
	j := NewJanitor(store, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour)
	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		left, _ := store.FilterDeployments(context.Background(), repository.DeploymentFilter{})
		if len(left) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected first purge at start, %d records left", len(left))
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not stop after cancel")
	}
}

func TestNilJanitor(t *testing.T) {
	j := NewJanitor(memory.New(), nil, 0)
	if j != nil {
		t.Fatalf("expected nil janitor without interval")
	}
	j.Run(context.Background())
}
