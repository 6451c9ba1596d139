package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"lunawave-api/pkg/logging"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers which payment events were already accepted.
type ReplayGuard interface {
	// Claim records key and reports whether it was new.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a failed event can be delivered again.
	Release(ctx context.Context, key string) error
}

// NewReplayGuard uses Redis when a client is given, in-process memory otherwise.
func NewReplayGuard(rdb *redis.Client, ttl time.Duration, clock clockwork.Clock) ReplayGuard {
	if rdb != nil {
		return &RedisReplayGuard{client: rdb, ttl: ttl}
	}
	return NewMemoryReplayGuard(ttl, clock)
}

// ReplayKey derives the guard key for one provider status of one payment.
func ReplayKey(externalPaymentID, status string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", externalPaymentID, status)))
	return "webhook:" + hex.EncodeToString(hash[:16])
}

// RedisReplayGuard shares claims across instances via SETNX.
type RedisReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func (g *RedisReplayGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim replay key: %w", err)
	}
	if !ok {
		logging.Infof("Replay detected - key: %s", key)
	}
	return ok, nil
}

func (g *RedisReplayGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, key).Err()
}

// MemoryReplayGuard keeps claims in a map that is pruned hourly.
type MemoryReplayGuard struct {
	processed       map[string]time.Time
	mutex           sync.Mutex
	ttl             time.Duration
	cleanupInterval time.Duration
	clock           clockwork.Clock
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryReplayGuard starts the pruning goroutine; call Stop to end it.
func NewMemoryReplayGuard(ttl time.Duration, clock clockwork.Clock) *MemoryReplayGuard {
	g := &MemoryReplayGuard{
		processed:       make(map[string]time.Time),
		ttl:             ttl,
		cleanupInterval: time.Hour,
		clock:           clock,
		stopCleanup:     make(chan struct{}),
	}
	go g.startCleanupRoutine()
	return g
}

func (g *MemoryReplayGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.clock.Now()
	if seen, exists := g.processed[key]; exists && now.Sub(seen) < g.ttl {
		logging.Infof("Replay detected - key: %s, first seen at: %v", key, seen)
		return false, nil
	}
	g.processed[key] = now
	return true, nil
}

func (g *MemoryReplayGuard) Release(_ context.Context, key string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.processed, key)
	return nil
}

func (g *MemoryReplayGuard) startCleanupRoutine() {
	ticker := g.clock.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			g.cleanup()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *MemoryReplayGuard) cleanup() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.clock.Now()
	initial := len(g.processed)
	for key, seen := range g.processed {
		if now.Sub(seen) > g.ttl {
			delete(g.processed, key)
		}
	}
	if removed := initial - len(g.processed); removed > 0 {
		logging.Debugf("Replay guard cleanup: removed %d keys, remaining: %d", removed, len(g.processed))
	}
}

// Stop ends the pruning goroutine.
func (g *MemoryReplayGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCleanup) })
}
