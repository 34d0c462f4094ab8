package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/observability/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryBreakersAreIndependent(t *testing.T) {
	tuning := config.DefaultTuning()
	tuning.Breakers[config.BreakerPaymentAPI] = config.BreakerTuning{FailureThreshold: 2, ResetTimeout: time.Minute}
	clk := clock.NewFakeClock(time.Now())
	bm := metrics.NewBreakerMetrics(prometheus.NewRegistry(), metrics.Config{Environment: "test"})

	reg := NewRegistry(RegistryParams{
		Clock:   clk,
		Log:     zaptest.NewLogger(t),
		Tuning:  config.NewStaticTuningHolder(tuning),
		Metrics: bm,
	})

	payment := reg.Get(config.BreakerPaymentAPI)
	catalog := reg.Get(config.BreakerCatalogAPI)
	require.Same(t, payment, reg.Get(config.BreakerPaymentAPI))

	_ = payment.Execute(context.Background(), fail)
	_ = payment.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, payment.State())
	require.Equal(t, StateClosed, catalog.State())

	err := payment.Execute(context.Background(), succeed)
	require.ErrorIs(t, err, ErrBreakerOpen)

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	require.Equal(t, config.BreakerCatalogAPI, snaps[0].Name)
	require.Equal(t, "OPEN", snaps[1].State)
	require.NotEmpty(t, snaps[1].RetryAfter)

	require.True(t, reg.Reset(config.BreakerPaymentAPI))
	require.False(t, reg.Reset("unknown"))
	require.Equal(t, StateClosed, payment.State())
}

func TestRegistryAppliesReloadedThresholds(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	reg := NewRegistry(RegistryParams{
		Clock:  clk,
		Tuning: config.NewStaticTuningHolder(config.DefaultTuning()),
	})
	b := reg.Get(config.BreakerCatalogAPI)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	// Unknown breaker names fall back to built-in settings.
	other := reg.Get("marketplace_api")
	for i := 0; i < 4; i++ {
		_ = other.Execute(context.Background(), fail)
	}
	require.Equal(t, StateClosed, other.State())
}

func TestBreakerMetricsTrackState(t *testing.T) {
	registry := prometheus.NewRegistry()
	bm := metrics.NewBreakerMetrics(registry, metrics.Config{Environment: "test"})
	b := New("payment_api", Settings{FailureThreshold: 1, ResetTimeout: time.Minute}, clock.NewFakeClock(time.Now()), WithMetrics(bm))

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), succeed)

	require.Equal(t, 1, testutil.CollectAndCount(registry, "orderpay_circuit_breaker_rejections_total"))
}
