package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"librashelf/internal/catalog"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	// memoryGuardSweep is the minimum gap between scans for expired claims.
	memoryGuardSweep = time.Minute
)

// RedisGuard remembers idempotency keys in Redis with SETNX, so every replica
// behind a load balancer sees the same claims.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client, ttl: idempotencyKeyTTL}
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w: %w", catalog.ErrTransientStore, err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w: %w", catalog.ErrTransientStore, err)
	}
	return nil
}

// MemoryGuard remembers idempotency keys in process memory until they expire.
// Expired claims are dropped by the next Claim after the sweep interval.
type MemoryGuard struct {
	mu        sync.Mutex
	claims    map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		claims: make(map[string]time.Time),
		ttl:    idempotencyKeyTTL,
		now:    time.Now,
	}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !now.Before(g.nextSweep) {
		for k, expires := range g.claims {
			if !now.Before(expires) {
				delete(g.claims, k)
			}
		}
		g.nextSweep = now.Add(memoryGuardSweep)
	}

	if expires, ok := g.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.claims[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.claims, key)
	return nil
}
