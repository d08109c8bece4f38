package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// windowScript increments the counter and anchors the window expiry at the
// first request
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisRateLimiter implements a fixed-window limit in Redis so replicas share
// one budget per actor
type RedisRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRedisRateLimiter creates a new Redis-backed rate limiter
func NewRedisRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *RedisRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "gatekeeper:ratelimit"
	}
	return &RedisRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

// Config returns the limiter settings
func (rl *RedisRateLimiter) Config() *RateLimitConfig {
	return rl.config
}

func (rl *RedisRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow increments the window counter for key
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := windowScript.Run(ctx, rl.redis, []string{rl.key(key)}, rl.config.WindowDuration.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return count <= int64(rl.config.RequestsPerWindow+rl.config.BurstSize), nil
}

// TTL returns the time until the rate limit window resets
func (rl *RedisRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.key(key)).Result()
}

// Reset clears the rate limit for a key
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}
