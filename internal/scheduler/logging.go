package scheduler

import (
	"context"
	"time"

	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	obscontext "github.com/smallbiznis/orderpay/internal/observability/context"
	obslogger "github.com/smallbiznis/orderpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/orderpay/internal/observability/metrics"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
	"go.uber.org/zap"
)

// jobRun accumulates what one job execution did so it can be reported as a
// single finish line.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	sweep     webhookservice.SweepStats
	purged    int64
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) addSweep(stats webhookservice.SweepStats) {
	r.sweep.Claimed += stats.Claimed
	r.sweep.Succeeded += stats.Succeeded
	r.sweep.Rescheduled += stats.Rescheduled
	r.sweep.Deferred += stats.Deferred
	r.sweep.DeadLettered += stats.DeadLettered
	r.sweep.Failed += stats.Failed
}

func (r *jobRun) processed() int {
	return r.sweep.Claimed + int(r.purged)
}

// ensureJobRun returns the run already carried by ctx, or starts one and
// reports true so the caller owns its start and finish lines.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return ctx, run, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(withSystemActor(ctx), jobRunKey{}, run)
	return ctx, run, true
}

func withSystemActor(ctx context.Context) context.Context {
	return obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), systemActorID)
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed()),
		zap.Int("error_count", run.errors),
	}
	switch run.job {
	case JobWebhookRetry:
		fields = append(fields,
			zap.Int("succeeded", run.sweep.Succeeded),
			zap.Int("rescheduled", run.sweep.Rescheduled),
			zap.Int("deferred", run.sweep.Deferred),
			zap.Int("dead_lettered", run.sweep.DeadLettered),
			zap.Int("failed", run.sweep.Failed),
		)
	case JobWebhookPurge:
		fields = append(fields, zap.Int64("purged", run.purged))
	}

	log := s.logger(ctx)
	// Dead letters need an operator, so a run that produced any is a warning
	// even without errors.
	if run.errors > 0 || run.sweep.DeadLettered > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, err error) {
	if err == nil {
		return
	}
	job := ""
	if run != nil {
		run.errors++
		job = run.job
	}
	s.logger(ctx).Error(msg,
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
