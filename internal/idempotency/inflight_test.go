package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryInFlightExpires(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	inflight := NewMemoryInFlight(clk)
	ctx := context.Background()

	release, ok, err := inflight.Acquire(ctx, "P1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = inflight.Acquire(ctx, "P1")
	require.NoError(t, err)
	require.False(t, ok)

	clk.Advance(DefaultInFlightTTL)
	releaseLate, ok, err := inflight.Acquire(ctx, "P1")
	require.NoError(t, err)
	require.True(t, ok)

	// A stale release must not drop the newer holder's marker.
	release()
	_, ok, err = inflight.Acquire(ctx, "P1")
	require.NoError(t, err)
	require.False(t, ok)

	releaseLate()
	_, ok, err = inflight.Acquire(ctx, "P1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestProvideInFlightWithoutRedis(t *testing.T) {
	inflight := ProvideInFlight(nil, clock.SystemClock{}, zaptest.NewLogger(t))
	_, ok := inflight.(*memoryInFlight)
	require.True(t, ok)

	_, acquired, err := NewRedisInFlight(nil, nil).Acquire(context.Background(), "P1")
	require.Error(t, err)
	require.False(t, acquired)
}
