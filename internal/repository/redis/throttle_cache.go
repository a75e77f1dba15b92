package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"convert-service/internal/client"
	"convert-service/internal/models"
	"convert-service/internal/repository"
	"convert-service/internal/util"
)

// incrementScript increments the counter and arms its expiry on the first hit. A key
// left without a TTL (lost EXPIRE, restored snapshot) is re-armed so it cannot block
// the user forever.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// ThrottleCache is the Redis-backed repository.CounterStore.
type ThrottleCache struct {
	client *client.RedisClient
}

var _ repository.CounterStore = (*ThrottleCache)(nil)

func NewThrottleCache(client *client.RedisClient) *ThrottleCache {
	return &ThrottleCache{client: client}
}

func (c *ThrottleCache) IncrementAndGetTTL(ctx context.Context, key string, window time.Duration) (models.ThrottleCounter, bool, error) {
	redisKey := c.client.Key(key)

	result, err := c.client.RunScript(ctx, incrementScript, []string{redisKey}, window.Milliseconds())
	if err != nil {
		util.Error("Failed to increment throttle counter",
			zap.String("key", redisKey),
			zap.Duration("window", window),
			zap.Error(err))
		return models.ThrottleCounter{}, false, fmt.Errorf("failed to increment throttle counter: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return models.ThrottleCounter{}, false, fmt.Errorf("unexpected result format from throttle script: %v", result)
	}
	count, ok1 := values[0].(int64)
	ttlMillis, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return models.ThrottleCounter{}, false, fmt.Errorf("unexpected value types from throttle script: %v", values)
	}

	util.Debug("Throttle counter incremented",
		zap.String("key", redisKey),
		zap.Int64("count", count),
		zap.Int64("ttl_ms", ttlMillis))

	return models.ThrottleCounter{
		Key:   key,
		Count: count,
		TTL:   time.Duration(ttlMillis) * time.Millisecond,
	}, count == 1, nil
}

func (c *ThrottleCache) Peek(ctx context.Context, key string) (models.ThrottleCounter, bool, error) {
	redisKey := c.client.Key(key)

	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.ThrottleCounter{Key: key}, false, fmt.Errorf("failed to read throttle counter: %w", err)
	}

	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return models.ThrottleCounter{Key: key}, false, nil
	}
	if err != nil {
		util.Error("Invalid throttle counter format", zap.String("key", redisKey), zap.Error(err))
		return models.ThrottleCounter{Key: key}, false, fmt.Errorf("invalid throttle counter format: %w", err)
	}

	counter := models.ThrottleCounter{Key: key, Count: count}
	if ttl := ttlCmd.Val(); ttl > 0 {
		counter.TTL = ttl
	}
	return counter, true, nil
}

func (c *ThrottleCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}
