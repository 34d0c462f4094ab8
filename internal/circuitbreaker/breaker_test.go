package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errDependency = errors.New("dependency down")

func newTestBreaker(t *testing.T, clk *clock.FakeClock) *Breaker {
	t.Helper()
	return New("payment_api", Settings{FailureThreshold: 3, ResetTimeout: 30 * time.Second}, clk,
		WithLogger(zaptest.NewLogger(t)))
}

func fail(context.Context) error    { return errDependency }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(t, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errDependency)
		require.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errDependency)
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.False(t, called)
	require.ErrorIs(t, err, ErrBreakerOpen)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "payment_api", openErr.Name)
	require.Equal(t, 30*time.Second, openErr.RetryAfter)

	clk.Advance(10 * time.Second)
	err = b.Execute(ctx, succeed)
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, 20*time.Second, openErr.RetryAfter)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	b := newTestBreaker(t, clk)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, 0, b.Snapshot().FailureCount)

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenNeedsTwoSuccesses(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	b := newTestBreaker(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(30 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateClosed, b.State())
	snap := b.Snapshot()
	require.Zero(t, snap.FailureCount)
	require.Zero(t, snap.SuccessCount)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	b := newTestBreaker(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.Advance(31 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	require.ErrorIs(t, b.Execute(ctx, fail), errDependency)
	require.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, succeed)
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerIgnoresSkippedErrors(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	b := newTestBreaker(t, clk)
	ctx := context.Background()
	errNotFound := errors.New("payment not found")

	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, func(context.Context) error { return Skip(errNotFound) })
		require.ErrorIs(t, err, errNotFound)
		require.True(t, IsSkipped(err))
	}
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.Snapshot().FailureCount)
}

func TestBreakerCountsDeadlineButNotCallerCancel(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	b := newTestBreaker(t, clk)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_ = b.Execute(cancelled, func(ctx context.Context) error { return ctx.Err() })
	}
	require.Equal(t, StateClosed, b.State())

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return context.DeadlineExceeded })
	}
	require.Equal(t, StateOpen, b.State())
}

func TestDoReturnsValue(t *testing.T) {
	b := newTestBreaker(t, clock.NewFakeClock(time.Now()))
	got, err := Do(context.Background(), b, func(context.Context) (string, error) {
		return "approved", nil
	})
	require.NoError(t, err)
	require.Equal(t, "approved", got)
}

func TestStateChangeHookAndReset(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	var transitions []string
	b := New("catalog_api", Settings{FailureThreshold: 1, ResetTimeout: time.Minute}, clk,
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}))

	_ = b.Execute(context.Background(), fail)
	b.Reset()
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
}

func TestBreakerHalfOpenAdmitsOneTrialAtATime(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	b := newTestBreaker(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.Advance(30 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Execute(ctx, func(context.Context) error {
				mu.Lock()
				admitted++
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	require.Zero(t, admitted)
	for _, err := range errs {
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		require.Equal(t, time.Second, openErr.RetryAfter)
	}
	require.Equal(t, StateHalfOpen, b.State())

	close(release)
	require.NoError(t, <-trialDone)
	require.Equal(t, StateHalfOpen, b.State())

	// The trial call finished, so the next call becomes the second trial call.
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerNeutralTrialFreesSlot(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	b := newTestBreaker(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.Advance(30 * time.Second)

	err := b.Execute(ctx, func(context.Context) error { return Skip(errors.New("not found")) })
	require.True(t, IsSkipped(err))
	require.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
}
