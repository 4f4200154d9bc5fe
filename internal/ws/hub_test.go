package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []string
	fail   bool
	closed bool
}

func (r *recorder) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.msgs = append(r.msgs, string(p))
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...), r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubRoutesByApp(t *testing.T) {
	hub := NewHub(context.Background())
	defer hub.Close()

	a, b, all := &recorder{}, &recorder{}, &recorder{}
	hub.Register("app-a", a)
	hub.Register("app-b", b)
	hub.Register(AllApps, all)

	hub.Broadcast("app-a", []byte("one"))
	hub.Broadcast("app-b", []byte("two"))

	waitFor(t, func() bool {
		msgs, _ := all.snapshot()
		return len(msgs) == 2
	})
	if msgs, _ := a.snapshot(); len(msgs) != 1 || msgs[0] != "one" {
		t.Fatalf("expected app-a to receive only its event, got %v", msgs)
	}
	if msgs, _ := b.snapshot(); len(msgs) != 1 || msgs[0] != "two" {
		t.Fatalf("expected app-b to receive only its event, got %v", msgs)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(context.Background())
	defer hub.Close()

	bad := &recorder{fail: true}
	hub.Register("app", bad)
	hub.Broadcast("app", []byte("x"))

	waitFor(t, func() bool {
		_, closed := bad.snapshot()
		return closed
	})
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(ctx)
	sub := &recorder{}
	hub.Register("app", sub)
	cancel()

	waitFor(t, func() bool {
		_, closed := sub.snapshot()
		return closed
	})
	hub.Close()
	if hub.Broadcast("app", []byte("late")) {
		t.Fatalf("expected broadcast on a stopped hub to be dropped")
	}
}
