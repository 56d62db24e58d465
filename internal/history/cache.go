package history

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized outcome entries by outcome id.
type Cache interface {
	Set(ctx context.Context, outcomeID string, entry []byte, expiration time.Duration) error
	Get(ctx context.Context, outcomeID string) ([]byte, error)
}

// RedisCache keeps entries under "<prefix>outcome:<id>".
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps client. prefix namespaces the keys when several
// deployments share one Redis.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(outcomeID string) string {
	return c.prefix + "outcome:" + outcomeID
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, outcomeID string, entry []byte, expiration time.Duration) error {
	return c.client.Set(ctx, c.key(outcomeID), entry, expiration).Err()
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, outcomeID string) ([]byte, error) {
	raw, err := c.client.Get(ctx, c.key(outcomeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return raw, err
}
