package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether a caller may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NewRateLimiter uses a Redis fixed window when a client is given and an
// in-process token bucket per key otherwise.
func NewRateLimiter(rdb *redis.Client, perMinute int) RateLimiter {
	if rdb != nil {
		return &RedisRateLimiter{client: rdb, limit: int64(perMinute), window: time.Minute}
	}
	return NewMemoryRateLimiter(perMinute)
}

// RedisRateLimiter counts requests per key in fixed one-minute windows.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	redisKey := fmt.Sprintf("rate_limit:%s", key)

	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= r.limit, nil
}

// MemoryRateLimiter keeps one token bucket per key.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewMemoryRateLimiter allows perMinute requests per key with an equal burst.
func NewMemoryRateLimiter(perMinute int) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
	}
}

func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	if m.burst <= 0 {
		return true, nil
	}
	m.mu.Lock()
	limiter, ok := m.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(m.limit, m.burst)
		m.limiters[key] = limiter
	}
	m.mu.Unlock()
	return limiter.Allow(), nil
}
