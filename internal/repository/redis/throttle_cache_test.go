package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convert-service/internal/client"
	"convert-service/internal/config"
)

func newTestCache(t *testing.T) (*ThrottleCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rc := client.NewRedisClientFromConn(rdb, config.RedisConfig{KeyPrefix: "test"})
	return NewThrottleCache(rc), mr
}

func TestThrottleCache_FirstIncrementArmsExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	counter, first, err := cache.IncrementAndGetTTL(ctx, "throttle:{1}:u1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, int64(1), counter.Count)
	assert.Equal(t, time.Minute, counter.TTL)
	assert.Equal(t, time.Minute, mr.TTL("test:throttle:{1}:u1"))

	counter, first, err = cache.IncrementAndGetTTL(ctx, "throttle:{1}:u1", time.Minute)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, int64(2), counter.Count)
}

func TestThrottleCache_ExpiryResetsCount(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := cache.IncrementAndGetTTL(ctx, "k", time.Minute)
		require.NoError(t, err)
	}

	mr.FastForward(time.Minute + time.Second)

	_, ok, err := cache.Peek(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	counter, first, err := cache.IncrementAndGetTTL(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, int64(1), counter.Count)
}

func TestThrottleCache_RearmsKeyWithoutTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:k", "9"))

	counter, first, err := cache.IncrementAndGetTTL(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, int64(10), counter.Count)
	assert.Equal(t, 30*time.Second, mr.TTL("test:k"))
}

func TestThrottleCache_Peek(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := cache.Peek(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = cache.IncrementAndGetTTL(ctx, "k", time.Minute)
	require.NoError(t, err)

	counter, ok, err := cache.Peek(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), counter.Count)
	assert.Greater(t, counter.TTL, time.Duration(0))
}

func TestThrottleCache_ConcurrentIncrementsAreAtomic(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, first, err := cache.IncrementAndGetTTL(ctx, "k", time.Minute)
			assert.NoError(t, err)
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	counter, ok, err := cache.Peek(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(n), counter.Count)
	assert.Equal(t, 1, firsts)
}
