// Package scheduler runs the background webhook jobs: the retry sweep over
// stored failures and the retention purge of succeeded rows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	obsmetrics "github.com/smallbiznis/orderpay/internal/observability/metrics"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

const (
	JobWebhookRetry = webhookservice.JobRetrySweep
	JobWebhookPurge = "webhook_purge"

	systemActorID = "scheduler"
)

// WebhookJobs is the work the scheduler drives.
type WebhookJobs interface {
	ProcessDue(ctx context.Context, limit int) (webhookservice.SweepStats, error)
	PurgeSucceeded(ctx context.Context) (int64, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Webhooks WebhookJobs
	AuthzSvc authorization.Service `optional:"true"`
	Tuning   *config.TuningHolder
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	webhooks WebhookJobs
	authzSvc authorization.Service
	tuning   *config.TuningHolder

	mu        sync.Mutex
	lastPurge time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Webhooks == nil || p.GenID == nil || p.Clock == nil || p.Tuning == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		webhooks: p.Webhooks,
		authzSvc: p.AuthzSvc,
		tuning:   p.Tuning,
	}, nil
}

func (s *Scheduler) batchSize() int {
	if s.cfg.BatchSize > 0 {
		return s.cfg.BatchSize
	}
	return s.tuning.Get().WebhookRetry.BatchSize
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.errors++
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; unfinished rows stay due for the next run.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. The purge runs at most once per
// PurgeInterval.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobWebhookRetry, s.isJobEnabled(JobWebhookRetry), func(ctx context.Context) error {
			return s.runJob(ctx, JobWebhookRetry, s.batchSize(), s.cfg.JobTimeout, s.WebhookRetryJob)
		}},
		{JobWebhookPurge, s.isJobEnabled(JobWebhookPurge) && s.purgeDue(), func(ctx context.Context) error {
			return s.runJob(ctx, JobWebhookPurge, 0, s.cfg.JobTimeout, s.WebhookPurgeJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs runs everything.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) purgeDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < s.cfg.PurgeInterval {
		return false
	}
	s.lastPurge = now
	return true
}

// WebhookRetryJob drains due webhook failures batch by batch until a short
// batch or MaxBatchesPerRun.
func (s *Scheduler) WebhookRetryJob(ctx context.Context) error {
	batchSize := s.batchSize()
	ctx, run, owner := s.ensureJobRun(ctx, JobWebhookRetry, batchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	if err := s.authorizeSystem(ctx, authorization.ObjectWebhookFailure, authorization.ActionWebhookFailureRetry); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", err)
		return err
	}

	var jobErr error
	for batch := 0; batch < s.cfg.MaxBatchesPerRun; batch++ {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		stats, err := s.webhooks.ProcessDue(ctx, batchSize)
		run.addSweep(stats)
		if stats.Claimed > 0 {
			s.logger(ctx).Debug("scheduler.webhook_retry.batch",
				zap.Int("batch", batch),
				zap.Int("claimed", stats.Claimed),
			)
		}
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.webhook_retry.failed", err)
			break
		}
		if stats.Claimed < batchSize {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) WebhookPurgeJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobWebhookPurge, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	if err := s.authorizeSystem(ctx, authorization.ObjectWebhookFailure, authorization.ActionWebhookFailurePurge); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", err)
		return err
	}
	purged, err := s.webhooks.PurgeSucceeded(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.webhook_purge.failed", err)
		return err
	}
	run.purged = purged
	obsmetrics.Scheduler().AddPurged(purged)
	return nil
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object string, action string) error {
	if s.authzSvc == nil {
		return authorization.ErrForbidden
	}
	return s.authzSvc.Authorize(ctx, authorization.SystemActor(systemActorID), object, action)
}
