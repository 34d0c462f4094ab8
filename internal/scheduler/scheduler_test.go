package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/orderpay/internal/clock"
	obsmetrics "github.com/smallbiznis/orderpay/internal/observability/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// withSchedulerRegistry points the process-wide scheduler metrics at a
// fresh registry for the duration of the test.
func withSchedulerRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	prevRegisterer, prevGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = registry, registry
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "orderpay", Environment: "test"})

	t.Cleanup(func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = prevRegisterer, prevGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	})
	return registry
}

func bareScheduler(t *testing.T) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Scheduler{
		log:   zap.NewNop(),
		genID: node,
		clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestRunJobSwallowsDeadline(t *testing.T) {
	registry := withSchedulerRegistry(t)
	s := bareScheduler(t)

	err := s.runJob(context.Background(), "slow_sweep", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	expected := `
# HELP orderpay_scheduler_job_timeouts_total Scheduler job runs that hit their deadline.
# TYPE orderpay_scheduler_job_timeouts_total counter
orderpay_scheduler_job_timeouts_total{env="test",job="slow_sweep",service="orderpay"} 1
# HELP orderpay_scheduler_job_errors_total Scheduler job errors by low-cardinality reason.
# TYPE orderpay_scheduler_job_errors_total counter
orderpay_scheduler_job_errors_total{env="test",job="slow_sweep",reason="deadline_exceeded",service="orderpay"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"orderpay_scheduler_job_timeouts_total",
		"orderpay_scheduler_job_errors_total",
	))
}

func TestRunJobWrapsOtherErrors(t *testing.T) {
	registry := withSchedulerRegistry(t)
	s := bareScheduler(t)
	boom := errors.New("boom")

	err := s.runJob(context.Background(), "purge", 0, time.Second, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "purge")

	count, err := testutil.GatherAndCount(registry, "orderpay_scheduler_job_timeouts_total")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRunJobCountsRuns(t *testing.T) {
	registry := withSchedulerRegistry(t)
	s := bareScheduler(t)

	for range 3 {
		require.NoError(t, s.runJob(context.Background(), "retry", 10, time.Second, func(context.Context) error {
			return nil
		}))
	}

	expected := `
# HELP orderpay_scheduler_job_runs_total Scheduler job runs by name.
# TYPE orderpay_scheduler_job_runs_total counter
orderpay_scheduler_job_runs_total{env="test",job="retry",service="orderpay"} 3
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"orderpay_scheduler_job_runs_total",
	))
}
