package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yeto-platform/ingestcore/pkg/redis"
)

const snapshotKey = "registry:snapshot"

// RedisCache stores the registry snapshot as one JSON document so a freshly
// started instance can serve status while Postgres is unreachable.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Load(ctx context.Context) ([]Source, bool, error) {
	raw, err := c.client.Get(ctx, c.client.Key(snapshotKey))
	if redis.IsNilError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading registry snapshot: %w", err)
	}
	var sources []Source
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return nil, false, fmt.Errorf("decoding registry snapshot: %w", err)
	}
	return sources, true, nil
}

func (c *RedisCache) Save(ctx context.Context, sources []Source) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encoding registry snapshot: %w", err)
	}
	return c.client.Set(ctx, c.client.Key(snapshotKey), data, c.ttl)
}
