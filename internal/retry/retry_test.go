package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totem/cluster-deployer/internal/domain"
)

func fast(attempts int) Policy {
	return Constant(attempts, time.Millisecond)
}

func TestDoReturnsLastErrorOnExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "attempt 3", err.Error())
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	validation := domain.NewValidationError("bad request", nil)
	err := Transient(context.Background(), fast(5), func(context.Context) error {
		calls++
		return validation
	})
	assert.Equal(t, 1, calls)
	assert.True(t, domain.IsValidation(err))
}

func TestTransientRecovers(t *testing.T) {
	calls := 0
	err := Transient(context.Background(), fast(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.Transient("docker list", errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Constant(10, time.Hour), func(error) bool { return true }, func(context.Context) error {
		return errors.New("never")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollSurfacesPendingReason(t *testing.T) {
	checks := 0
	reason := domain.MinNodesNotRunning("app", "1", 2, 1)
	err := Poll(context.Background(), fast(4), fast(2), func(context.Context) (Status, error) {
		checks++
		return Pending(reason), nil
	})
	assert.Equal(t, 4, checks)
	assert.True(t, domain.IsNotConverged(err))
	assert.Equal(t, reason.Error(), err.Error())
}

func TestPollSeparatesTransientBudget(t *testing.T) {
	checks := 0
	err := Poll(context.Background(), fast(2), fast(3), func(context.Context) (Status, error) {
		checks++
		switch checks {
		case 1, 2:
			return Status{}, domain.Transient("list units", errors.New("timeout"))
		case 3:
			return Pending(nil), nil
		default:
			return Ready(), nil
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 4, checks)
}

func TestPollStopsOnFatalError(t *testing.T) {
	checks := 0
	fatal := errors.New("boom")
	err := Poll(context.Background(), fast(5), fast(5), func(context.Context) (Status, error) {
		checks++
		return Status{}, fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, checks)
}

func TestBackoffKinds(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		want    []time.Duration
	}{
		{"constant", BackoffConstant, []time.Duration{10, 10, 10}},
		{"linear", BackoffLinear, []time.Duration{10, 20, 30}},
		{"fibonacci", BackoffFibonacci, []time.Duration{10, 20, 30}},
		{"exponential", BackoffExponential, []time.Duration{10, 20, 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{MaxAttempts: 4, Delay: 10 * time.Millisecond, Backoff: tt.backoff}
			b := p.backoff()
			for i, want := range tt.want {
				next, stop := b.Next()
				require.False(t, stop, "step %d", i)
				assert.Equal(t, want*time.Millisecond, next, "step %d", i)
			}
			_, stop := b.Next()
			assert.True(t, stop)
		})
	}
}
