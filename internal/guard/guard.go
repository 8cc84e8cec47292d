// Package guard provides single-flight guards: at most one concurrent
// execution per key. Overlapping pipeline triggers collapse into one active
// run per message; contention is a skip, never an error.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Guard grants exclusive execution per key.
type Guard interface {
	// TryAcquire returns a release function and true when the caller now
	// holds the key, or false when another holder is active.
	TryAcquire(ctx context.Context, key string) (func(), bool)
}

// Memory is the in-process guard, sufficient for a single-instance
// deployment.
type Memory struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewMemory creates an in-process guard.
func NewMemory() *Memory {
	return &Memory{active: make(map[string]bool)}
}

// TryAcquire implements Guard.
func (m *Memory) TryAcquire(ctx context.Context, key string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[key] {
		return nil, false
	}
	m.active[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.active, key)
			m.mu.Unlock()
		})
	}
	return release, true
}

// Redis is the cross-instance guard: SET NX with a TTL so a crashed holder
// cannot wedge a key forever.
type Redis struct {
	rdb        *redis.Client
	ttl        time.Duration
	failClosed bool
	logger     zerolog.Logger
}

// NewRedis creates a Redis-backed guard. ttl bounds how long a crashed
// holder can block a key. failClosed picks the behavior during a Redis
// outage: false admits callers (the matcher transaction still prevents
// double booking, but duplicate replies become possible), true skips them
// (no duplicates, no processing until Redis is back).
func NewRedis(rdb *redis.Client, ttl time.Duration, failClosed bool, logger zerolog.Logger) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, failClosed: failClosed, logger: logger}
}

// TryAcquire implements Guard.
func (r *Redis) TryAcquire(ctx context.Context, key string) (func(), bool) {
	lockKey := "guard:" + key

	ok, err := r.rdb.SetNX(ctx, lockKey, 1, r.ttl).Result()
	if err != nil {
		if r.failClosed {
			r.logger.Warn().Err(err).Str("key", key).Msg("Guard check failed, skipping processing")
			return nil, false
		}
		r.logger.Warn().Err(err).Str("key", key).Msg("Guard check failed, allowing processing")
		return func() {}, true
	}
	if !ok {
		r.logger.Debug().Str("key", key).Msg("Key held by a concurrent run, skipping")
		return nil, false
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := r.rdb.Del(context.Background(), lockKey).Err(); err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("Failed to release guard key")
			}
		})
	}
	return release, true
}
