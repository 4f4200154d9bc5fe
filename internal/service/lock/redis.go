package lock

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 2 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps locks in Redis using SET NX with a TTL.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, timeout: defaultRedisTimeout}
}

// Create sets key to token only if it does not exist.
func (r *RedisStore) Create(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.SetNX(ctx, key, token, ttl).Result()
}

// CompareAndDelete deletes key only while it holds token.
func (r *RedisStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	deleted, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}
