package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/totem/cluster-deployer/internal/domain"
)

const (
	defaultTimeout = 2 * time.Second
	scanBatch      = 100
)

// RedisClient stores proxy configuration in Redis under a yoda-style keyspace:
//
//	{base}:hosts:{hostname}
//	{base}:listeners:{name}
//	{base}:upstreams:{name}
//	{base}:upstreams:{name}:endpoints:{node}
//
// Endpoint keys are written by the discovery sidekick running next to each unit.
type RedisClient struct {
	client  redis.UniversalClient
	base    string
	timeout time.Duration
	batch   int64
	logger  *slog.Logger
}

// NewRedisClient wraps an existing Redis client.
func NewRedisClient(client redis.UniversalClient, base string, logger *slog.Logger) *RedisClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisClient{
		client:  client,
		base:    strings.TrimRight(base, ":"),
		timeout: defaultTimeout,
		batch:   scanBatch,
		logger:  logger.With("component", "proxy"),
	}
}

// WireHost stores the host routing table.
func (r *RedisClient) WireHost(ctx context.Context, host HostRecord) error {
	return r.put(ctx, r.key("hosts", host.Hostname), host, 0)
}

// WireListener stores a TCP listener.
func (r *RedisClient) WireListener(ctx context.Context, listener ListenerRecord) error {
	return r.put(ctx, r.key("listeners", listener.Name), listener, 0)
}

// RegisterUpstream stores upstream configuration, expiring after its TTL.
func (r *RedisClient) RegisterUpstream(ctx context.Context, upstream UpstreamRecord) error {
	return r.put(ctx, r.key("upstreams", upstream.Name), upstream, time.Duration(upstream.TTLSeconds)*time.Second)
}

// GetRegisteredNodes returns node id to endpoint for an upstream.
func (r *RedisClient) GetRegisteredNodes(ctx context.Context, upstream string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prefix := r.key("upstreams", upstream, "endpoints") + ":"
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", r.batch).Result()
		if err != nil {
			return nil, domain.Transient("scan endpoints", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	nodes := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return nodes, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, domain.Transient("read endpoints", err)
	}
	for i, v := range values {
		endpoint, ok := v.(string)
		if !ok || endpoint == "" {
			continue
		}
		nodes[strings.TrimPrefix(keys[i], prefix)] = endpoint
	}
	return nodes, nil
}

// Ping checks Redis connectivity.
func (r *RedisClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) put(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		r.logger.Error("proxy write failed", "key", key, "error", err)
		return domain.Transient("write "+key, err)
	}
	return nil
}

func (r *RedisClient) key(parts ...string) string {
	return r.base + ":" + strings.Join(parts, ":")
}
