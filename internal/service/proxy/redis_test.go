package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totem/cluster-deployer/internal/domain"
)

// scanCounter counts SCAN round trips issued by the client.
type scanCounter struct {
	scans atomic.Int32
}

func (h *scanCounter) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *scanCounter) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "scan" {
			h.scans.Add(1)
		}
		return next(ctx, cmd)
	}
}

func (h *scanCounter) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func newRedisTest(t *testing.T) (*RedisClient, *miniredis.Miniredis, *scanCounter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	counter := &scanCounter{}
	rdb.AddHook(counter)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRedisClient(rdb, "totem:yoda:", logger), mr, counter
}

func TestGetRegisteredNodesAcrossScanPages(t *testing.T) {
	c, mr, counter := newRedisTest(t)
	c.batch = 3

	want := map[string]string{}
	for i := 0; i < 10; i++ {
		node := fmt.Sprintf("node-%02d", i)
		endpoint := fmt.Sprintf("10.0.0.%d:8080", i+1)
		want[node] = endpoint
		require.NoError(t, mr.Set("totem:yoda:upstreams:spec-python-8080:endpoints:"+node, endpoint))
	}
	require.NoError(t, mr.Set("totem:yoda:upstreams:other-8080:endpoints:node-x", "10.0.1.1:8080"))
	require.NoError(t, mr.Set("totem:yoda:upstreams:spec-python-8080:endpoints:empty", ""))

	nodes, err := c.GetRegisteredNodes(context.Background(), "spec-python-8080")
	require.NoError(t, err)
	assert.Equal(t, want, nodes)
	assert.Greater(t, counter.scans.Load(), int32(1))
}

func TestGetRegisteredNodesEmpty(t *testing.T) {
	c, _, _ := newRedisTest(t)
	nodes, err := c.GetRegisteredNodes(context.Background(), "missing-8080")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRegisterUpstreamExpires(t *testing.T) {
	c, mr, _ := newRedisTest(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterUpstream(ctx, UpstreamRecord{Name: "spec-python-8080", Mode: "http", TTLSeconds: 60}))
	raw, err := mr.Get("totem:yoda:upstreams:spec-python-8080")
	require.NoError(t, err)
	var got UpstreamRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "http", got.Mode)
	assert.Equal(t, time.Minute, mr.TTL("totem:yoda:upstreams:spec-python-8080"))

	mr.FastForward(61 * time.Second)
	assert.False(t, mr.Exists("totem:yoda:upstreams:spec-python-8080"))
}

func TestWireHostHasNoExpiry(t *testing.T) {
	c, mr, _ := newRedisTest(t)
	require.NoError(t, c.WireHost(context.Background(), HostRecord{Hostname: "app.example.com"}))
	assert.True(t, mr.Exists("totem:yoda:hosts:app.example.com"))
	assert.Zero(t, mr.TTL("totem:yoda:hosts:app.example.com"))
}

func TestRedisWriteFailureIsTransient(t *testing.T) {
	c, mr, _ := newRedisTest(t)
	mr.Close()
	err := c.WireListener(context.Background(), ListenerRecord{Name: "spec-python-22"})
	assert.True(t, domain.IsTransient(err))
	assert.Error(t, c.Ping(context.Background()))
}
