package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/yeto-platform/ingestcore/pkg/redis"
)

// StateStore remembers the level each source had on the previous pass so
// alerts fire once per transition into critical.
type StateStore interface {
	// Swap stores level and returns the previous one. known is false when
	// the source has not been seen before.
	Swap(ctx context.Context, sourceID string, level Level) (prev Level, known bool, err error)
	// Forget drops the stored level so the next pass counts as a transition.
	Forget(ctx context.Context, sourceID string) error
}

type MemoryStateStore struct {
	mu     sync.Mutex
	levels map[string]Level
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{levels: make(map[string]Level)}
}

func (m *MemoryStateStore) Swap(_ context.Context, sourceID string, level Level) (Level, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.levels[sourceID]
	m.levels[sourceID] = level
	return prev, ok, nil
}

func (m *MemoryStateStore) Forget(_ context.Context, sourceID string) error {
	m.mu.Lock()
	delete(m.levels, sourceID)
	m.mu.Unlock()
	return nil
}

// RedisStateStore keeps levels in Redis. SET with GET is atomic, so when
// several instances evaluate the same transition only one of them sees the
// old non-critical value.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: ttl}
}

func (r *RedisStateStore) key(sourceID string) string {
	return r.client.Key("monitor:health:" + sourceID)
}

func (r *RedisStateStore) Swap(ctx context.Context, sourceID string, level Level) (Level, bool, error) {
	prev, err := r.client.Swap(ctx, r.key(sourceID), string(level), r.ttl)
	if redis.IsNilError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Level(prev), true, nil
}

func (r *RedisStateStore) Forget(ctx context.Context, sourceID string) error {
	return r.client.Del(ctx, r.key(sourceID))
}
