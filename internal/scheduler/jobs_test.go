package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/dbtest"
	obsmetrics "github.com/smallbiznis/orderpay/internal/observability/metrics"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWebhooks struct {
	mu          sync.Mutex
	batches     []webhookservice.SweepStats
	sweepErr    error
	limits      []int
	purgeCalls  int
	purgeResult int64
}

func (f *fakeWebhooks) ProcessDue(_ context.Context, limit int) (webhookservice.SweepStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.sweepErr != nil {
		return webhookservice.SweepStats{}, f.sweepErr
	}
	if len(f.batches) == 0 {
		return webhookservice.SweepStats{}, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeWebhooks) PurgeSucceeded(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgeCalls++
	return f.purgeResult, nil
}

type fakeAuthz struct {
	err   error
	calls []string
}

func (a *fakeAuthz) Authorize(_ context.Context, actor authorization.Actor, object string, action string) error {
	a.calls = append(a.calls, actor.Type+":"+actor.ID+" "+object+" "+action)
	return a.err
}

// swapPrometheusRegistry points the default registerer and gatherer at
// registry and returns a func that restores the previous ones.
func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	prevRegisterer, prevGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = registry, registry
	return func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = prevRegisterer, prevGatherer
	}
}

func newTestScheduler(t *testing.T, jobs *fakeWebhooks, authz authorization.Service, cfg Config) (*Scheduler, *clock.FakeClock) {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()

	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	tuning := config.DefaultTuning()
	tuning.WebhookRetry.BatchSize = 2
	s, err := New(Params{
		Log:      zaptest.NewLogger(t),
		Webhooks: jobs,
		AuthzSvc: authz,
		Tuning:   config.NewStaticTuningHolder(tuning),
		GenID:    dbtest.Node(t),
		Clock:    clk,
		Config:   cfg,
	})
	require.NoError(t, err)
	return s, clk
}

func TestRunOnceDrainsFullBatches(t *testing.T) {
	jobs := &fakeWebhooks{batches: []webhookservice.SweepStats{
		{Claimed: 2, Succeeded: 2},
		{Claimed: 2, Rescheduled: 1, DeadLettered: 1},
		{Claimed: 1, Succeeded: 1},
		{Claimed: 2, Succeeded: 2},
	}}
	authz := &fakeAuthz{}
	s, _ := newTestScheduler(t, jobs, authz, Config{})

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, []int{2, 2, 2}, jobs.limits)
	assert.Len(t, jobs.batches, 1)
	assert.Equal(t, 1, jobs.purgeCalls)
	assert.Equal(t, []string{
		"system:scheduler webhook_failure webhook_failure.retry",
		"system:scheduler webhook_failure webhook_failure.purge",
	}, authz.calls)
}

func TestRunOnceCapsBatchesPerRun(t *testing.T) {
	full := webhookservice.SweepStats{Claimed: 2, Succeeded: 2}
	jobs := &fakeWebhooks{batches: []webhookservice.SweepStats{full, full, full, full, full}}
	s, _ := newTestScheduler(t, jobs, &fakeAuthz{}, Config{MaxBatchesPerRun: 3})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, jobs.limits, 3)
}

func TestPurgeRunsOncePerInterval(t *testing.T) {
	jobs := &fakeWebhooks{}
	s, clk := newTestScheduler(t, jobs, &fakeAuthz{}, Config{PurgeInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx))
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, jobs.purgeCalls)

	clk.Advance(59 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, jobs.purgeCalls)

	clk.Advance(time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 2, jobs.purgeCalls)
}

func TestRunOnceStopsWhenSystemActorForbidden(t *testing.T) {
	jobs := &fakeWebhooks{batches: []webhookservice.SweepStats{{Claimed: 1}}}
	s, _ := newTestScheduler(t, jobs, &fakeAuthz{err: authorization.ErrForbidden}, Config{})

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, authorization.ErrForbidden)
	assert.Empty(t, jobs.limits)
	assert.Zero(t, jobs.purgeCalls)
}

func TestRunOnceSurfacesSweepError(t *testing.T) {
	jobs := &fakeWebhooks{sweepErr: errors.New("database unavailable")}
	s, _ := newTestScheduler(t, jobs, &fakeAuthz{}, Config{EnabledJobs: []string{JobWebhookRetry}})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobWebhookRetry)
	assert.Len(t, jobs.limits, 1)
	assert.Zero(t, jobs.purgeCalls)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zaptest.NewLogger(t)})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
