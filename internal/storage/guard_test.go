package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard()
	now := time.Now()
	g.now = func() time.Time { return now }

	claimed, err := g.Claim(ctx, "borrow:a")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = g.Claim(ctx, "borrow:a")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, g.Release(ctx, "borrow:a"))
	claimed, err = g.Claim(ctx, "borrow:a")
	require.NoError(t, err)
	assert.True(t, claimed)

	now = now.Add(idempotencyKeyTTL + time.Second)
	claimed, err = g.Claim(ctx, "borrow:a")
	require.NoError(t, err)
	assert.True(t, claimed, "expired claims can be taken again")
}

func TestMemoryGuard_DropsExpiredClaims(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard()
	now := time.Now()
	g.now = func() time.Time { return now }

	for _, key := range []string{"borrow:a", "borrow:b", "borrow:c"} {
		_, err := g.Claim(ctx, key)
		require.NoError(t, err)
	}
	assert.Len(t, g.claims, 3)

	now = now.Add(idempotencyKeyTTL + memoryGuardSweep)
	claimed, err := g.Claim(ctx, "borrow:d")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Len(t, g.claims, 1)
	assert.Contains(t, g.claims, "borrow:d")
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	g := NewRedisGuard(client)
	key := "borrow:" + uuid.NewString()
	t.Cleanup(func() { _ = g.Release(context.Background(), key) })

	claimed, err := g.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = g.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)

	ttl, err := client.TTL(ctx, idempotencyKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, g.Release(ctx, key))
	claimed, err = g.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)
}
