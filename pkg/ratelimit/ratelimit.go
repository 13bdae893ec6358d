// Package ratelimit spends a per-caller token budget out of Redis. The
// window is fixed at one minute and opens on the first spend; the budget is
// counted in estimated completion tokens rather than requests, so one huge
// completion costs more than many short ones.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the slice of the Redis API the limiter touches. *redis.Client
// satisfies it.
type Store interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
}

type Limiter struct {
	store  Store
	limit  int64
	window time.Duration
}

// NewLimiter builds a limiter allowing limit tokens per caller per minute.
func NewLimiter(rdb *redis.Client, limit int64) *Limiter {
	return &Limiter{store: rdb, limit: limit, window: time.Minute}
}

// NewTestLimiter builds a limiter on an arbitrary store.
func NewTestLimiter(store Store, limit int64) *Limiter {
	return &Limiter{store: store, limit: limit, window: time.Minute}
}

// Allow spends tokens from the caller's current window and reports whether
// the caller is still under the limit. The spend lands before the check, so
// the burst that crosses the line is still charged to its window.
func (l *Limiter) Allow(ctx context.Context, callerID string, tokens int) (bool, error) {
	key := fmt.Sprintf("ratelimit:caller:%s", callerID)

	total, err := l.store.IncrBy(ctx, key, int64(tokens)).Result()
	if err != nil {
		return false, err
	}
	if total == int64(tokens) {
		// First spend of the window starts the clock.
		if err := l.store.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return total <= l.limit, nil
}
