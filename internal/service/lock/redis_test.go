package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totem/cluster-deployer/internal/domain"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestRedisCreateSingleWinner(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		winner atomic.Value
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			ok, err := store.Create(ctx, "totem:locks:apps:spec-python", token, time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				winner.Store(token)
			}
		}(fmt.Sprintf("token-%d", i))
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	held, err := mr.Get("totem:locks:apps:spec-python")
	require.NoError(t, err)
	assert.Equal(t, winner.Load(), held)
}

func TestRedisReleaseWithForeignTokenKeepsLock(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.Create(ctx, "totem:locks:apps:spec-python", "owner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := store.CompareAndDelete(ctx, "totem:locks:apps:spec-python", "intruder")
	require.NoError(t, err)
	assert.False(t, deleted)
	held, err := mr.Get("totem:locks:apps:spec-python")
	require.NoError(t, err)
	assert.Equal(t, "owner", held)

	deleted, err = store.CompareAndDelete(ctx, "totem:locks:apps:spec-python", "owner")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("totem:locks:apps:spec-python"))
}

func TestRedisLockExpiresAfterTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := store.Create(ctx, "totem:locks:apps:spec-python", "first", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Create(ctx, "totem:locks:apps:spec-python", "second", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = store.Create(ctx, "totem:locks:apps:spec-python", "second", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	deleted, err := store.CompareAndDelete(ctx, "totem:locks:apps:spec-python", "first")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestServiceOverRedis(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := newTestService(store)
	ctx := context.Background()

	l, err := svc.Acquire(ctx, "spec-python")
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "spec-python")
	assert.True(t, domain.IsLocked(err))

	released, err := svc.Release(ctx, l)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = svc.Acquire(ctx, "spec-python")
	require.NoError(t, err)
}
