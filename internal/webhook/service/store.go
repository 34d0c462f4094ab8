package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/events"
	"github.com/smallbiznis/orderpay/internal/inventory"
	obsmetrics "github.com/smallbiznis/orderpay/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/orderpay/internal/order/domain"
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/internal/webhook/domain"
	"github.com/smallbiznis/orderpay/pkg/backoff"
	"github.com/smallbiznis/orderpay/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// JobRetrySweep names the scheduled redelivery job.
const JobRetrySweep = "webhook_retry"

// claimLease keeps a claimed row out of other sweeps while it is retried.
const claimLease = 5 * time.Minute

const maxErrorLength = 2000

type FailureInput struct {
	PaymentID  string
	RequestID  string
	Provider   string
	RawBody    []byte
	Headers    map[string]string
	HMACResult paymentdomain.HMACResult
	Err        error
	RetryCount int
}

// SaveFailedWebhookForRetry records a failed reconciliation. Retryable
// errors are scheduled on the ternary curve, permanent ones are parked for
// an operator. A redelivery of a stored request returns the existing row.
func (s *Service) SaveFailedWebhookForRetry(ctx context.Context, in FailureInput) (*domain.Failure, error) {
	if strings.TrimSpace(in.PaymentID) == "" {
		return nil, domain.ErrMissingPaymentID
	}
	now := s.clock.Now()
	outcome := s.outcomeFor(in.Err, in.RetryCount, now)

	failure := &domain.Failure{
		ID:          s.genID.Generate(),
		RequestID:   in.RequestID,
		PaymentID:   in.PaymentID,
		Provider:    in.Provider,
		RawBody:     string(in.RawBody),
		Headers:     storedHeaders(in.Headers),
		HMACResult:  string(in.HMACResult),
		Status:      outcome.Status,
		RetryCount:  outcome.RetryCount,
		NextRetryAt: outcome.NextRetryAt,
		LastError:   outcome.LastError,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if failure.RequestID == "" {
		failure.RequestID = failure.ID.String()
	}

	inserted, err := s.repo.Insert(ctx, s.db, failure)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.repo.FindByRequestID(ctx, s.db, failure.RequestID)
	}

	s.log.Info("webhook failure stored",
		zap.String("failure_id", failure.ID.String()),
		zap.String("payment_id", failure.PaymentID),
		zap.String("status", string(failure.Status)),
		zap.Int("retry_count", failure.RetryCount),
	)
	if failure.Status == domain.FailureDeadLetter {
		s.deadLettered(ctx, failure)
	}
	return failure, nil
}

// outcomeFor decides where a row goes after an attempt that ended in err
// with retryCount attempts already behind it.
func (s *Service) outcomeFor(err error, retryCount int, now time.Time) domain.Outcome {
	tuning := s.tuning.Get().WebhookRetry
	outcome := domain.Outcome{
		RetryCount: retryCount,
		LastError:  truncate(errString(err), maxErrorLength),
		At:         now,
	}
	switch {
	case permanent(err):
		outcome.Status = domain.FailureFailed
	case retryCount >= tuning.Ceiling:
		outcome.Status = domain.FailureDeadLetter
	default:
		next := now.Add(backoff.Ternary(retryCount, tuning.BaseDelay, tuning.MaxDelay))
		outcome.Status = domain.FailureRetrying
		outcome.NextRetryAt = &next
	}
	return outcome
}

type SweepStats struct {
	Claimed      int `json:"claimed"`
	Succeeded    int `json:"succeeded"`
	Rescheduled  int `json:"rescheduled"`
	Deferred     int `json:"deferred"`
	DeadLettered int `json:"dead_lettered"`
	Failed       int `json:"failed"`
}

// ProcessDue re-drives up to limit due rows. Rows another sweeper claimed
// first are skipped.
func (s *Service) ProcessDue(ctx context.Context, limit int) (SweepStats, error) {
	var stats SweepStats
	if limit <= 0 {
		limit = s.tuning.Get().WebhookRetry.BatchSize
	}
	now := s.clock.Now()
	sweepMetrics := obsmetrics.Scheduler()

	queryStart := time.Now()
	due, err := s.repo.ListDue(ctx, s.db, now, limit)
	sweepMetrics.ObserveSweepQuery(time.Since(queryStart))
	if err != nil {
		return stats, err
	}

	var jobErr error
	for i := range due {
		if ctx.Err() != nil {
			return stats, errors.Join(jobErr, ctx.Err())
		}
		f := due[i]
		claimed, err := s.repo.Claim(ctx, s.db, f.ID, f.RetryCount, now, now.Add(claimLease))
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if !claimed {
			sweepMetrics.IncSweepSkipped(obsmetrics.SweepSkipClaimLost)
			continue
		}
		stats.Claimed++

		attempts := f.RetryCount
		status, err := s.retry(ctx, &f)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		switch status {
		case domain.FailureSuccess:
			stats.Succeeded++
		case domain.FailureDeadLetter:
			stats.DeadLettered++
		case domain.FailureFailed:
			stats.Failed++
		case domain.FailureRetrying:
			if f.RetryCount == attempts {
				stats.Deferred++
			} else {
				stats.Rescheduled++
			}
		}
	}
	sweepMetrics.AddSweepRows("succeeded", stats.Succeeded)
	sweepMetrics.AddSweepRows("rescheduled", stats.Rescheduled)
	sweepMetrics.AddSweepRows("deferred", stats.Deferred)
	sweepMetrics.AddSweepRows("dead_lettered", stats.DeadLettered)
	sweepMetrics.AddSweepRows("failed", stats.Failed)
	return stats, jobErr
}

// retry runs one claimed row and records where it ends up. f is updated in
// place.
func (s *Service) retry(ctx context.Context, f *domain.Failure) (domain.FailureStatus, error) {
	log := s.log.With(
		zap.String("failure_id", f.ID.String()),
		zap.String("payment_id", f.PaymentID),
		zap.Int("retry_count", f.RetryCount),
	)

	_, applyErr := s.redeliver(ctx, f, orderservice.SourceRetry, "scheduler")
	now := s.clock.Now()
	if applyErr == nil {
		outcome := domain.Outcome{Status: domain.FailureSuccess, RetryCount: f.RetryCount, LastError: f.LastError, At: now}
		if err := s.repo.Record(ctx, s.db, f.ID, outcome); err != nil {
			return "", err
		}
		f.Status = domain.FailureSuccess
		log.Info("webhook retry succeeded")
		return domain.FailureSuccess, nil
	}

	var outcome domain.Outcome
	var openErr *circuitbreaker.OpenError
	if errors.As(applyErr, &openErr) {
		// The dependency is known to be down; wait it out without spending
		// an attempt.
		next := now.Add(openErr.RetryAfter)
		outcome = domain.Outcome{
			Status:      domain.FailureRetrying,
			RetryCount:  f.RetryCount,
			NextRetryAt: &next,
			LastError:   truncate(applyErr.Error(), maxErrorLength),
			At:          now,
		}
		obsmetrics.Scheduler().IncSweepSkipped(obsmetrics.SweepSkipBreakerOpen)
	} else if errors.Is(applyErr, domain.ErrPaymentBusy) {
		// Another delivery holds the payment; come back after the base delay
		// without spending an attempt.
		next := now.Add(s.tuning.Get().WebhookRetry.BaseDelay)
		outcome = domain.Outcome{
			Status:      domain.FailureRetrying,
			RetryCount:  f.RetryCount,
			NextRetryAt: &next,
			LastError:   truncate(applyErr.Error(), maxErrorLength),
			At:          now,
		}
		obsmetrics.Scheduler().IncSweepSkipped(obsmetrics.SweepSkipPaymentBusy)
	} else {
		outcome = s.outcomeFor(applyErr, f.RetryCount+1, now)
	}

	if err := s.repo.Record(ctx, s.db, f.ID, outcome); err != nil {
		return "", err
	}
	f.Status, f.RetryCount, f.NextRetryAt, f.LastError = outcome.Status, outcome.RetryCount, outcome.NextRetryAt, outcome.LastError

	switch outcome.Status {
	case domain.FailureDeadLetter:
		s.deadLettered(ctx, f)
	case domain.FailureFailed:
		log.Warn("webhook retry failed permanently", zap.Error(applyErr))
	default:
		log.Info("webhook retry rescheduled", zap.Timep("next_retry_at", outcome.NextRetryAt), zap.Error(applyErr))
	}
	return outcome.Status, nil
}

// redeliver replays the stored body through the reconciler. The stored
// verification result is reused; the signature may have expired since.
func (s *Service) redeliver(ctx context.Context, f *domain.Failure, source orderservice.Source, actor string) (orderservice.Result, error) {
	env, err := ParseEnvelope([]byte(f.RawBody))
	if err != nil {
		return orderservice.Result{}, err
	}
	result, err := s.reconciler.Apply(ctx, orderservice.Notification{
		PaymentID:  f.PaymentID,
		Provider:   f.Provider,
		Status:     env.PaymentStatus(),
		OrderRef:   env.OrderRef(),
		HMACResult: paymentdomain.HMACResult(f.HMACResult),
		Source:     source,
		Actor:      actor,
	})
	if err == nil && result.Outcome == orderservice.OutcomeInFlight {
		return result, domain.ErrPaymentBusy
	}
	return result, err
}

func (s *Service) deadLettered(ctx context.Context, f *domain.Failure) {
	s.log.Error("webhook moved to dead letter",
		zap.String("failure_id", f.ID.String()),
		zap.String("payment_id", f.PaymentID),
		zap.Int("retry_count", f.RetryCount),
		zap.String("last_error", f.LastError),
	)
	err := s.events.Publish(ctx, events.Event{
		Type:       events.TopicWebhookDeadLettered,
		Key:        f.PaymentID,
		OccurredAt: s.clock.Now(),
		Payload: events.WebhookDeadLettered{
			FailureID:  f.ID.String(),
			PaymentID:  f.PaymentID,
			RequestID:  f.RequestID,
			RetryCount: f.RetryCount,
			LastError:  f.LastError,
		},
	})
	if err != nil {
		s.log.Warn("publish dead letter", zap.String("failure_id", f.ID.String()), zap.Error(err))
	}
	if err := s.audit.AuditLog(ctx, auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeSystem),
		ActorID:    "scheduler",
		Action:     auditdomain.ActionWebhookDeadLettered,
		TargetType: "webhook_failure",
		TargetID:   f.ID.String(),
		Metadata: map[string]any{
			"payment_id":  f.PaymentID,
			"retry_count": f.RetryCount,
			"last_error":  f.LastError,
		},
	}); err != nil {
		s.log.Warn("audit dead letter", zap.String("failure_id", f.ID.String()), zap.Error(err))
	}
}

type ReplayResult struct {
	Failure *domain.Failure      `json:"failure"`
	Result  *orderservice.Result `json:"result,omitempty"`
}

// Replay re-drives a stored failure on an operator's request. Success marks
// the row succeeded; a failure keeps its status and records the error.
func (s *Service) Replay(ctx context.Context, id snowflake.ID, actor string) (ReplayResult, error) {
	if strings.TrimSpace(actor) == "" {
		return ReplayResult{}, orderservice.ErrActorRequired
	}
	f, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return ReplayResult{}, err
	}
	if !f.Status.Replayable() {
		return ReplayResult{Failure: f}, domain.ErrAlreadySucceeded
	}
	before := f.Status

	result, applyErr := s.redeliver(ctx, f, orderservice.SourceManual, actor)
	now := s.clock.Now()
	outcome := domain.Outcome{Status: domain.FailureSuccess, RetryCount: f.RetryCount, LastError: f.LastError, At: now}
	if applyErr != nil {
		outcome.Status = f.Status
		outcome.NextRetryAt = f.NextRetryAt
		outcome.LastError = truncate(applyErr.Error(), maxErrorLength)
	}
	if err := s.repo.Record(ctx, s.db, f.ID, outcome); err != nil {
		return ReplayResult{}, err
	}
	f.Status, f.LastError, f.UpdatedAt = outcome.Status, outcome.LastError, now

	s.metrics.RecordManualAction(ctx, "replay_webhook")
	metadata := map[string]any{
		"payment_id":    f.PaymentID,
		"from_status":   string(before),
		"to_status":     string(f.Status),
		"replay_result": "success",
	}
	if applyErr != nil {
		metadata["replay_result"] = "failed"
		metadata["error"] = outcome.LastError
	} else {
		metadata["outcome"] = string(result.Outcome)
		metadata["order_from_status"] = string(result.FromStatus)
		metadata["order_to_status"] = string(result.ToStatus)
	}
	if err := s.audit.AuditLog(ctx, auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeOperator),
		ActorID:    actor,
		Action:     auditdomain.ActionWebhookReprocessed,
		TargetType: "webhook_failure",
		TargetID:   f.ID.String(),
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("audit webhook replay", zap.String("failure_id", f.ID.String()), zap.Error(err))
	}

	if applyErr != nil {
		return ReplayResult{Failure: f}, applyErr
	}
	return ReplayResult{Failure: f, Result: &result}, nil
}

type ListRequest struct {
	Status    string `form:"status"`
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

type ListResponse struct {
	PageInfo pagination.PageInfo            `json:"page_info"`
	Counts   map[domain.FailureStatus]int64 `json:"counts"`
	Failures []domain.Failure               `json:"webhook_failures"`
}

// List pages through stored failures, newest first.
func (s *Service) List(ctx context.Context, req ListRequest) (ListResponse, error) {
	status := domain.FailureStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != "" && !status.Valid() {
		return ListResponse{}, domain.ErrInvalidStatus
	}

	var cursor *domain.Cursor
	key, err := pagination.ParseKeyset(req.PageToken)
	if err != nil {
		return ListResponse{}, domain.ErrInvalidPageToken
	}
	if key != nil {
		cursor = &domain.Cursor{ID: key.ID, CreatedAt: key.CreatedAt}
	}

	pageSize := pagination.Clamp(req.PageSize, 50, 250)
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{Status: status, Cursor: cursor, Limit: pageSize})
	if err != nil {
		return ListResponse{}, err
	}
	items, pageInfo, err := pagination.BuildPageInfo(items, pageSize, func(item domain.Failure) pagination.Cursor {
		return pagination.At(item.ID, item.CreatedAt)
	})
	if err != nil {
		return ListResponse{}, err
	}
	counts, err := s.repo.CountByStatus(ctx, s.db)
	if err != nil {
		return ListResponse{}, err
	}
	if items == nil {
		items = []domain.Failure{}
	}
	return ListResponse{PageInfo: pageInfo, Counts: counts, Failures: items}, nil
}

// PurgeSucceeded deletes success rows older than the retention window.
// Dead letters and parked failures are never purged.
func (s *Service) PurgeSucceeded(ctx context.Context) (int64, error) {
	retention := s.tuning.Get().WebhookRetry.Retention
	cutoff := s.clock.Now().Add(-retention)
	purged, err := s.repo.PurgeSucceeded(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.log.Info("purged succeeded webhook failures", zap.Int64("count", purged), zap.Time("cutoff", cutoff))
	}
	return purged, nil
}

// permanent reports errors that no redelivery can fix.
func permanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, orderservice.ErrUnverified),
		errors.Is(err, domain.ErrMalformedPayload),
		errors.Is(err, orderdomain.ErrOrderReference),
		errors.Is(err, orderdomain.ErrOrderNotFound),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, inventory.ErrInsufficientStock):
		return true
	default:
		return false
	}
}

var sensitiveHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
}

func storedHeaders(headers map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range headers {
		key = http.CanonicalHeaderKey(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, skip := sensitiveHeaders[key]; skip {
			continue
		}
		out[key] = value
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
