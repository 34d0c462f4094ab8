package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryLimiterRefillsOnClock(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	limiter := NewMemoryLimiter(1, 2, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "operator:u1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.Allow(ctx, "operator:u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, 0, res.Remaining)
	assert.InDelta(t, time.Second.Seconds(), res.RetryAfter.Seconds(), 0.01)

	other, err := limiter.Allow(ctx, "operator:u2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clk.Advance(time.Second)
	res, err = limiter.Allow(ctx, "operator:u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterRejectsEmptyKey(t *testing.T) {
	limiter := NewMemoryLimiter(1, 1, nil)
	_, err := limiter.Allow(context.Background(), " ")
	require.Error(t, err)
}

func TestNewLimiterFallsBackWithoutRedis(t *testing.T) {
	limiter := NewLimiter(nil, config.Config{}, clock.NewFakeClock(time.Unix(0, 0)), zaptest.NewLogger(t))
	_, ok := limiter.(*memoryLimiter)
	assert.True(t, ok)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, bucketTTL(1, 5))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, time.Second, bucketTTL(0, 1))
}
