package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSweepCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "orderpay",
		Environment: "test",
	})

	metrics.AddSweepRows("succeeded", 3)
	metrics.AddSweepRows("dead_lettered", 0)
	metrics.IncSweepSkipped(SweepSkipBreakerOpen)
	metrics.AddPurged(4)

	if got := testutil.ToFloat64(metrics.sweepRows.WithLabelValues("succeeded")); got != 3 {
		t.Fatalf("expected 3 succeeded rows, got %v", got)
	}
	if got := testutil.CollectAndCount(metrics.sweepRows); got != 1 {
		t.Fatalf("zero adds must not create series, got %d", got)
	}
	if got := testutil.ToFloat64(metrics.sweepSkipped.WithLabelValues(SweepSkipBreakerOpen)); got != 1 {
		t.Fatalf("expected 1 skipped row, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.purgedRows); got != 4 {
		t.Fatalf("expected 4 purged rows, got %v", got)
	}
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var metrics *SchedulerMetrics
	metrics.IncJobRun("job")
	metrics.AddSweepRows("succeeded", 1)
	metrics.AddPurged(1)
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(context.Canceled); got != SchedulerErrorTypeDeadlineExceeded {
		t.Fatalf("expected deadline type, got %q", got)
	}
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "08006"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db type, got %q", got)
	}
	if got := ClassifySchedulerErrorType(errors.New("boom")); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business rule type, got %q", got)
	}
	if IsSchedulerErrorRetryable(errors.New("boom")) {
		t.Fatal("plain errors are not retryable")
	}
}
