package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClockSleepAdvancesTime(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)

	require.NoError(t, clk.Sleep(context.Background(), 2*time.Second))
	clk.Advance(time.Minute)

	require.Equal(t, start.Add(time.Minute+2*time.Second), clk.Now())
	require.Equal(t, []time.Duration{2 * time.Second}, clk.Sleeps())
}

func TestFakeClockSleepHonoursCancelledContext(t *testing.T) {
	clk := NewFakeClock(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, clk.Sleep(ctx, time.Second), context.Canceled)
	require.Empty(t, clk.Sleeps())
}
