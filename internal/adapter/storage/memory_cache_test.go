package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewMemoryCacheWithClock(clock.now)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 30*time.Second))

	val, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	clock.advance(29 * time.Second)
	_, ok, _ = cache.Get(ctx, "k")
	assert.True(t, ok)

	clock.advance(time.Second)
	_, ok, _ = cache.Get(ctx, "k")
	assert.False(t, ok, "entry must expire exactly at its ttl")
}

func TestMemoryCache_CopiesValue(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	buf := []byte("abc")
	require.NoError(t, cache.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'z'

	val, _, _ := cache.Get(ctx, "k")
	assert.Equal(t, "abc", string(val))
}

func TestMemoryRateLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewMemoryRateLimiter()
	limiter.now = clock.now

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "ip_anon", 2, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := limiter.Allow(ctx, "ip_anon", 2, time.Hour)
	assert.False(t, ok)

	// keys are independent
	ok, _ = limiter.Allow(ctx, "ip_alice", 2, time.Hour)
	assert.True(t, ok)

	clock.advance(time.Hour)
	ok, _ = limiter.Allow(ctx, "ip_anon", 2, time.Hour)
	assert.True(t, ok)
}
