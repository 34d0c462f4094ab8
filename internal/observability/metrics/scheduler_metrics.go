package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"gorm.io/gorm"
)

// Error types for scheduler log lines.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons label the job error counter.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonUnknown              = "unknown"
)

// Reasons a due webhook failure was left for a later sweep.
const (
	SweepSkipClaimLost   = "claim_lost"
	SweepSkipBreakerOpen = "breaker_open"
	SweepSkipPaymentBusy = "payment_busy"
)

// SchedulerMetrics covers the background jobs and what the webhook retry
// sweep did with the rows it picked up.
type SchedulerMetrics struct {
	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobTimeouts  *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	runLoopLag   prometheus.Histogram
	sweepQuery   prometheus.Histogram
	sweepRows    *prometheus.CounterVec
	sweepSkipped *prometheus.CounterVec
	purgedRows   prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide instance, registering it on first use.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "orderpay"
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "unknown"
	}
	return prometheus.Labels{"service": service, "env": env}
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)
	counter := func(name, help string, by ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels}, by)
	}

	m := &SchedulerMetrics{
		jobRuns:     counter("orderpay_scheduler_job_runs_total", "Scheduler job runs by name.", "job"),
		jobTimeouts: counter("orderpay_scheduler_job_timeouts_total", "Scheduler job runs that hit their deadline.", "job"),
		jobErrors:   counter("orderpay_scheduler_job_errors_total", "Scheduler job errors by low-cardinality reason.", "job", "reason"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "orderpay_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "orderpay_scheduler_runloop_lag_seconds",
			Help:        "How late a scheduler tick started past its interval.",
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			ConstLabels: labels,
		}),
		sweepQuery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "orderpay_webhook_sweep_query_seconds",
			Help:        "Time to select due webhook failures.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			ConstLabels: labels,
		}),
		sweepRows:    counter("orderpay_webhook_sweep_rows_total", "Webhook failures handled by the retry sweep by outcome.", "outcome"),
		sweepSkipped: counter("orderpay_webhook_sweep_skipped_total", "Due webhook failures left for a later sweep.", "reason"),
		purgedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "orderpay_webhook_purged_total",
			Help:        "Succeeded webhook failures removed by the retention purge.",
			ConstLabels: labels,
		}),
	}
	registerer.MustRegister(
		m.jobRuns, m.jobTimeouts, m.jobErrors, m.jobDuration, m.runLoopLag,
		m.sweepQuery, m.sweepRows, m.sweepSkipped, m.purgedRows,
	)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(d, 0).Seconds())
}

func (m *SchedulerMetrics) ObserveSweepQuery(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepQuery.Observe(d.Seconds())
}

// AddSweepRows counts n rows that ended a sweep attempt in outcome.
func (m *SchedulerMetrics) AddSweepRows(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRows.WithLabelValues(outcome).Add(float64(n))
}

func (m *SchedulerMetrics) IncSweepSkipped(reason string) {
	if m == nil {
		return
	}
	m.sweepSkipped.WithLabelValues(reason).Inc()
}

func (m *SchedulerMetrics) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purgedRows.Add(float64(n))
}

type errorClass struct {
	errorType string
	reason    string
	retryable bool
}

func classify(err error) errorClass {
	var pgErr *pgconn.PgError
	isPG := errors.As(err, &pgErr)
	switch {
	case err == nil:
		return errorClass{SchedulerErrorTypeUnknown, SchedulerJobReasonUnknown, false}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errorClass{SchedulerErrorTypeDeadlineExceeded, SchedulerJobReasonDeadlineExceeded, true}
	case errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidObject),
		errors.Is(err, authorization.ErrInvalidAction):
		return errorClass{SchedulerErrorTypeAuthorization, SchedulerJobReasonForbidden, false}
	case isPG && pgErr.Code == "55P03":
		return errorClass{SchedulerErrorTypeDB, SchedulerJobReasonDBLockTimeout, true}
	case isPG && pgErr.Code == "40001":
		return errorClass{SchedulerErrorTypeDB, SchedulerJobReasonSerializationFailure, true}
	case errors.Is(err, gorm.ErrDuplicatedKey), isPG && pgErr.Code == "23505":
		return errorClass{SchedulerErrorTypeDB, SchedulerJobReasonUniqueViolation, true}
	case isPG, errors.Is(err, gorm.ErrInvalidDB), errors.Is(err, gorm.ErrInvalidTransaction):
		return errorClass{SchedulerErrorTypeDB, SchedulerJobReasonUnknown, true}
	default:
		return errorClass{SchedulerErrorTypeBusinessRule, SchedulerJobReasonUnknown, false}
	}
}

// ClassifySchedulerErrorType returns the error_type log field for err.
func ClassifySchedulerErrorType(err error) string { return classify(err).errorType }

// ClassifySchedulerJobReason returns the reason label of the job error
// counter for err.
func ClassifySchedulerJobReason(err error) string { return classify(err).reason }

// IsSchedulerErrorRetryable reports whether the next tick may succeed
// where this one failed.
func IsSchedulerErrorRetryable(err error) bool { return classify(err).retryable }
