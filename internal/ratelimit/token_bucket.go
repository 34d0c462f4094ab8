package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket refills from redis TIME so replicas with skewed clocks still
// agree. Tokens are returned in thousandths because lua numbers are
// truncated to integers on the way out.
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local t = redis.call("TIME")
local now_ms = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last_ms = tonumber(state[2]) or now_ms
local elapsed = math.max(0, now_ms - last_ms)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {allowed, math.floor(tokens * 1000), now_ms}
`)

// TokenBucket is a redis-backed bucket shared by every replica.
type TokenBucket struct {
	client redis.Scripter
}

// NewTokenBucket returns nil without a client so callers can fall back to
// in-process buckets.
func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (Result, error) {
	if t == nil || t.client == nil {
		return Result{}, errors.New("rate limiter not configured")
	}
	if err := validate(key, rate, burst); err != nil {
		return Result{}, err
	}

	values, err := tokenBucketScript.Run(ctx, t.client, []string{key},
		rate, burst, bucketTTL(rate, burst).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(values) != 3 {
		return Result{}, fmt.Errorf("token bucket %s: unexpected reply of %d values", key, len(values))
	}

	remaining := float64(values[1]) / 1000
	return buildResult(values[0] == 1, remaining, rate, burst, time.UnixMilli(values[2])), nil
}

// bucketTTL keeps an idle key around for twice the time a drained bucket
// needs to refill, so a returning operator never starts above burst.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil(2 * float64(burst) / rate)
	return time.Duration(max(seconds, 1)) * time.Second
}
