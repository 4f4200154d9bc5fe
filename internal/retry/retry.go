package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/totem/cluster-deployer/internal/domain"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffFibonacci   Backoff = "fibonacci"
	BackoffExponential Backoff = "exponential"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff
	MaxDelay    time.Duration
}

// Constant returns a fixed-delay policy.
func Constant(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Backoff: BackoffConstant}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff() goretry.Backoff {
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	var b goretry.Backoff
	switch p.Backoff {
	case BackoffLinear:
		b = linear(delay)
	case BackoffFibonacci:
		b = goretry.NewFibonacci(delay)
	case BackoffExponential:
		b = goretry.NewExponential(delay)
	default:
		b = goretry.NewConstant(delay)
	}
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	return goretry.WithMaxRetries(uint64(p.attempts()-1), b)
}

func linear(base time.Duration) goretry.Backoff {
	var (
		mu sync.Mutex
		n  int64
	)
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return time.Duration(n) * base, false
	})
}

// Do runs op until it succeeds, fails with an error retryable rejects, or the
// policy is exhausted. Exhaustion returns the last error op produced.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) error) error {
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

// Transient retries op on transient infrastructure errors only.
func Transient(ctx context.Context, p Policy, op func(context.Context) error) error {
	return Do(ctx, p, domain.IsTransient, op)
}

// Status is the outcome of one convergence check.
type Status struct {
	ready  bool
	reason error
}

// Ready reports a converged check.
func Ready() Status {
	return Status{ready: true}
}

// Pending reports a check that has not converged yet. reason is surfaced if
// polling runs out of attempts.
func Pending(reason error) Status {
	if reason == nil {
		reason = errNotConverged
	}
	return Status{reason: reason}
}

// IsReady reports whether the check converged.
func (s Status) IsReady() bool { return s.ready }

// Reason returns why the check is still pending.
func (s Status) Reason() error { return s.reason }

var errNotConverged = errors.New("not converged")

type pendingError struct {
	reason error
}

func (e *pendingError) Error() string { return e.reason.Error() }

func (e *pendingError) Unwrap() error { return e.reason }

func isPending(err error) bool {
	var p *pendingError
	return errors.As(err, &p)
}

// Poll calls check until it reports Ready. Pending results consume the long
// policy; transient errors from a single check consume the transient policy
// and do not count against the long budget. Any other error stops polling.
func Poll(ctx context.Context, long, transient Policy, check func(context.Context) (Status, error)) error {
	err := Do(ctx, long, isPending, func(ctx context.Context) error {
		var st Status
		if err := Transient(ctx, transient, func(ctx context.Context) error {
			var err error
			st, err = check(ctx)
			return err
		}); err != nil {
			return err
		}
		if st.IsReady() {
			return nil
		}
		return &pendingError{reason: st.Reason()}
	})
	var p *pendingError
	if errors.As(err, &p) {
		return p.reason
	}
	return err
}
