package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter(t *testing.T) {
	lim := NewMemory(2, time.Minute)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		ok, _, err := lim.Allow(ctx, "alice", now)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, retryAfter, err := lim.Allow(ctx, "alice", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retryAfter)

	ok, _, _ = lim.Allow(ctx, "bob", now)
	assert.True(t, ok, "keys are independent")

	ok, _, _ = lim.Allow(ctx, "alice", now.Add(61*time.Second))
	assert.True(t, ok, "window resets")
}

func TestRedisLimiterWindow(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := lim.Allow(ctx, "ip", time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, retryAfter, err := lim.Allow(ctx, "ip", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, retryAfter)
	assert.True(t, s.Exists("test:ip"))

	s.FastForward(600 * time.Millisecond)
	ok, _, err = lim.Allow(ctx, "ip", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterRejectsZeroWindow(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	_, _, err := NewRedis(client, 1, 0, "").Allow(context.Background(), "k", time.Now())
	assert.Error(t, err)
}
