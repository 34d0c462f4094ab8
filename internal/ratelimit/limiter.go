// Package ratelimit throttles operator endpoints per caller.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewLimiter),
)

const keyOperatorPrefix = "orderpay:ratelimit:operator:"

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter admits one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

func validate(key string, r float64, burst int) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("rate limiter key is empty")
	}
	if r <= 0 {
		return errors.New("rate limiter rate must be positive")
	}
	if burst <= 0 {
		return errors.New("rate limiter burst must be positive")
	}
	return nil
}

func buildResult(allowed bool, remaining float64, r float64, burst int, at time.Time) Result {
	var retryAfter time.Duration
	if !allowed {
		if needed := 1.0 - remaining; needed > 0 {
			retryAfter = time.Duration(needed / r * float64(time.Second))
		}
	}
	return Result{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(math.Max(0, math.Floor(remaining))),
		ResetTime:  at.Add(retryAfter),
		RetryAfter: retryAfter,
	}
}

type redisLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.bucket.Allow(ctx, keyOperatorPrefix+key, l.rate, l.burst)
}

type memoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     float64
	burst    int
	now      func() time.Time
}

// NewMemoryLimiter keeps one bucket per key in process memory.
func NewMemoryLimiter(r float64, burst int, clk clock.Clock) Limiter {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &memoryLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		now:      clk.Now,
	}
}

func (l *memoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	if err := validate(key, l.rate, l.burst); err != nil {
		return Result{}, err
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	now := l.now()
	allowed := lim.AllowN(now, 1)
	return buildResult(allowed, lim.TokensAt(now), l.rate, l.burst, now), nil
}

// NewLimiter shares buckets through redis when a client is configured and
// falls back to in-process buckets otherwise.
func NewLimiter(client *redis.Client, cfg config.Config, clk clock.Clock, log *zap.Logger) Limiter {
	r := cfg.Operator.RatePerSec
	burst := cfg.Operator.RateBurst
	if r <= 0 {
		r = 1
	}
	if burst <= 0 {
		burst = 5
	}
	if bucket := NewTokenBucket(client); bucket != nil {
		log.Named("ratelimit").Info("operator rate limit backed by redis", zap.Float64("rate", r), zap.Int("burst", burst))
		return &redisLimiter{bucket: bucket, rate: r, burst: burst}
	}
	return NewMemoryLimiter(r, burst, clk)
}
