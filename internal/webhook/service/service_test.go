package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	auditrepo "github.com/smallbiznis/orderpay/internal/audit/repository"
	auditsvc "github.com/smallbiznis/orderpay/internal/audit/service"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/dbtest"
	"github.com/smallbiznis/orderpay/internal/events"
	orderdomain "github.com/smallbiznis/orderpay/internal/order/domain"
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/internal/payment/signature"
	"github.com/smallbiznis/orderpay/internal/webhook/domain"
	"github.com/smallbiznis/orderpay/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type stubReconciler struct {
	mu    sync.Mutex
	errs  []error
	busy  int
	calls []orderservice.Notification
}

func (s *stubReconciler) Apply(_ context.Context, n orderservice.Notification) (orderservice.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, n)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return orderservice.Result{}, err
		}
	}
	if s.busy > 0 {
		s.busy--
		return orderservice.Result{Outcome: orderservice.OutcomeInFlight}, nil
	}
	return orderservice.Result{Outcome: orderservice.OutcomeProcessed, PaymentStatus: n.Status}, nil
}

func (s *stubReconciler) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

// busyNext makes the next n calls find the payment held by another delivery.
func (s *stubReconciler) busyNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy += n
}

func (s *stubReconciler) Calls() []orderservice.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orderservice.Notification(nil), s.calls...)
}

type fixture struct {
	svc        *Service
	conn       *gorm.DB
	clock      *clock.FakeClock
	reconciler *stubReconciler
	events     *events.Recorder
	repo       domain.Repository
}

func newFixture(t *testing.T, tune func(*config.Tuning)) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	tuning := config.DefaultTuning()
	if tune != nil {
		tune(&tuning)
	}
	reconciler := &stubReconciler{}
	recorder := events.NewRecorder()
	repo := repository.Provide()

	svc := New(Params{
		DB:         conn,
		Repo:       repo,
		Verifier:   signature.New(clk, true, 5*time.Minute),
		Reconciler: reconciler,
		Audit:      auditsvc.NewService(auditsvc.Params{DB: conn, Log: log, GenID: dbtest.Node(t), Clock: clk, Repo: auditrepo.Provide()}),
		Events:     recorder,
		Clock:      clk,
		Tuning:     config.NewStaticTuningHolder(tuning),
		Config: config.Config{Webhook: config.WebhookConfig{
			Secret:          testSecret,
			SignatureHeader: "X-Signature",
		}},
		GenID: dbtest.Node(t),
		Log:   log,
	})
	return &fixture{svc: svc, conn: conn, clock: clk, reconciler: reconciler, events: recorder, repo: repo}
}

func (f *fixture) signed(body string) Delivery {
	return Delivery{
		Provider: "rest",
		RawBody:  []byte(body),
		Headers:  map[string]string{"X-Signature": signature.Sign(testSecret, []byte(body), f.clock.Now())},
	}
}

func (f *fixture) failure(t *testing.T, id string) *domain.Failure {
	t.Helper()
	got, err := f.repo.FindByRequestID(context.Background(), f.conn, id)
	require.NoError(t, err)
	return got
}

const approvedBody = `{"type":"payment","data":{"id":"P1"},"status":"approved","order_id":"1890000000000000001"}`

func TestIngestAppliesVerifiedNotification(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Ingest(context.Background(), f.signed(approvedBody))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, string(orderservice.OutcomeProcessed), resp.Status)

	calls := f.reconciler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "P1", calls[0].PaymentID)
	assert.Equal(t, paymentdomain.StatusApproved, calls[0].Status)
	assert.Equal(t, "1890000000000000001", calls[0].OrderRef)
	assert.Equal(t, paymentdomain.HMACValid, calls[0].HMACResult)
	assert.Equal(t, orderservice.SourceWebhook, calls[0].Source)
}

func TestIngestRejectsMismatchedSignature(t *testing.T) {
	f := newFixture(t, nil)
	d := f.signed(approvedBody)
	d.RawBody = []byte(`{"type":"payment","data":{"id":"P1"},"status":"approved","order_id":"666"}`)

	_, err := f.svc.Ingest(context.Background(), d)
	require.ErrorIs(t, err, signature.ErrInvalid)
	assert.Empty(t, f.reconciler.Calls())

	var rows int64
	require.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM webhook_failures`).Scan(&rows).Error)
	assert.Zero(t, rows)
}

func TestIngestFallsBackWithoutHeader(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Ingest(context.Background(), Delivery{Provider: "rest", RawBody: []byte(approvedBody)})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	calls := f.reconciler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, paymentdomain.HMACFallbackUsed, calls[0].HMACResult)
}

func TestIngestIgnoresOtherTopics(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Ingest(context.Background(), f.signed(`{"topic":"merchant_order","id":"5"}`))
	require.NoError(t, err)
	assert.Equal(t, Response{Success: true, Status: "ignored"}, resp)
	assert.Empty(t, f.reconciler.Calls())

	_, err = f.svc.Ingest(context.Background(), f.signed(`{"type":"payment"}`))
	require.ErrorIs(t, err, domain.ErrMissingPaymentID)
}

func TestIngestStoresFailureForRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.reconciler.failNext(errors.New("database unavailable"))

	d := f.signed(approvedBody)
	d.RequestID = "req-1"
	resp, err := f.svc.Ingest(context.Background(), d)
	require.Error(t, err)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.FailureID)

	row := f.failure(t, "req-1")
	assert.Equal(t, domain.FailureRetrying, row.Status)
	assert.Equal(t, 0, row.RetryCount)
	assert.Equal(t, "P1", row.PaymentID)
	assert.Equal(t, approvedBody, row.RawBody)
	assert.Equal(t, string(paymentdomain.HMACValid), row.HMACResult)
	assert.Contains(t, row.LastError, "database unavailable")
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, f.clock.Now().Add(30*time.Second), *row.NextRetryAt, time.Second)

	f.reconciler.failNext(errors.New("still down"))
	resp2, err := f.svc.Ingest(context.Background(), d)
	require.Error(t, err)
	assert.Equal(t, resp.FailureID, resp2.FailureID)
}

func TestIngestKeepsDeliveryBehindConcurrentOne(t *testing.T) {
	f := newFixture(t, nil)
	f.reconciler.busyNext(1)

	body := `{"type":"payment","data":{"id":"P1"},"status":"rejected","order_id":"1890000000000000001"}`
	d := f.signed(body)
	d.RequestID = "req-busy"
	resp, err := f.svc.Ingest(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, string(orderservice.OutcomeInFlight), resp.Status)
	require.NotEmpty(t, resp.FailureID)

	row := f.failure(t, "req-busy")
	assert.Equal(t, resp.FailureID, row.ID.String())
	assert.Equal(t, domain.FailureRetrying, row.Status)
	assert.Equal(t, 0, row.RetryCount)
	assert.Equal(t, body, row.RawBody)
	assert.Contains(t, row.LastError, domain.ErrPaymentBusy.Error())
	require.NotNil(t, row.NextRetryAt)
}

func TestIngestParksPermanentFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.reconciler.failNext(orderdomain.ErrOrderNotFound)

	d := f.signed(approvedBody)
	d.RequestID = "req-missing-order"
	_, err := f.svc.Ingest(context.Background(), d)
	require.ErrorIs(t, err, orderdomain.ErrOrderNotFound)

	row := f.failure(t, "req-missing-order")
	assert.Equal(t, domain.FailureFailed, row.Status)
	assert.Nil(t, row.NextRetryAt)
}

func TestSaveFailedWebhookForRetryFollowsTernaryCurve(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	want := []time.Duration{
		30 * time.Second,
		90 * time.Second,
		270 * time.Second,
		810 * time.Second,
		2430 * time.Second,
	}
	for retryCount, delay := range want {
		row, err := f.svc.SaveFailedWebhookForRetry(ctx, FailureInput{
			PaymentID:  "P-curve",
			RequestID:  "req-curve-" + string(rune('a'+retryCount)),
			RawBody:    []byte(approvedBody),
			HMACResult: paymentdomain.HMACValid,
			Err:        errors.New("timeout"),
			RetryCount: retryCount,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.FailureRetrying, row.Status)
		require.NotNil(t, row.NextRetryAt)
		assert.Equal(t, f.clock.Now().Add(delay), *row.NextRetryAt)
	}

	row, err := f.svc.SaveFailedWebhookForRetry(ctx, FailureInput{
		PaymentID:  "P-curve",
		RequestID:  "req-curve-ceiling",
		RawBody:    []byte(approvedBody),
		Err:        errors.New("timeout"),
		RetryCount: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FailureDeadLetter, row.Status)
	assert.Nil(t, row.NextRetryAt)
	assert.Len(t, f.events.OfType(events.TopicWebhookDeadLettered), 1)
}

func TestProcessDueRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.reconciler.failNext(errors.New("gateway timeout"))
	d := f.signed(approvedBody)
	d.RequestID = "req-sweep"
	_, err := f.svc.Ingest(ctx, d)
	require.Error(t, err)

	stats, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	f.clock.Advance(30 * time.Second)
	f.reconciler.failNext(errors.New("gateway timeout"))
	stats, err = f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Claimed: 1, Rescheduled: 1}, stats)

	row := f.failure(t, "req-sweep")
	assert.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, f.clock.Now().Add(90*time.Second), *row.NextRetryAt, time.Second)

	f.clock.Advance(90 * time.Second)
	stats, err = f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Claimed: 1, Succeeded: 1}, stats)
	assert.Equal(t, domain.FailureSuccess, f.failure(t, "req-sweep").Status)

	calls := f.reconciler.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, orderservice.SourceRetry, calls[2].Source)
	assert.Equal(t, paymentdomain.HMACValid, calls[2].HMACResult)
}

func TestProcessDueDefersBusyPaymentWithoutSpendingAttempt(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.reconciler.busyNext(1)
	body := `{"type":"payment","data":{"id":"P1"},"status":"rejected","order_id":"1890000000000000001"}`
	d := f.signed(body)
	d.RequestID = "req-busy-sweep"
	_, err := f.svc.Ingest(ctx, d)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	f.reconciler.busyNext(1)
	stats, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Claimed: 1, Deferred: 1}, stats)

	row := f.failure(t, "req-busy-sweep")
	assert.Equal(t, domain.FailureRetrying, row.Status)
	assert.Equal(t, 0, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, f.clock.Now().Add(30*time.Second), *row.NextRetryAt, time.Second)

	f.clock.Advance(30 * time.Second)
	stats, err = f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Claimed: 1, Succeeded: 1}, stats)
	assert.Equal(t, domain.FailureSuccess, f.failure(t, "req-busy-sweep").Status)

	calls := f.reconciler.Calls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		assert.Equal(t, paymentdomain.StatusRejected, call.Status)
	}
}

func TestProcessDueDeadLettersAtCeiling(t *testing.T) {
	f := newFixture(t, func(tuning *config.Tuning) {
		tuning.WebhookRetry.Ceiling = 2
		tuning.WebhookRetry.MaxDelay = time.Minute
	})
	ctx := context.Background()
	f.reconciler.failNext(errors.New("down"), errors.New("down"), errors.New("down"))
	d := f.signed(approvedBody)
	d.RequestID = "req-dead"
	_, err := f.svc.Ingest(ctx, d)
	require.Error(t, err)

	f.clock.Advance(time.Minute)
	stats, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rescheduled)

	f.clock.Advance(time.Minute)
	stats, err = f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)

	row := f.failure(t, "req-dead")
	assert.Equal(t, domain.FailureDeadLetter, row.Status)
	assert.Equal(t, 2, row.RetryCount)

	f.clock.Advance(time.Hour)
	stats, err = f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	dead := f.events.OfType(events.TopicWebhookDeadLettered)
	require.Len(t, dead, 1)
	payload := dead[0].Payload.(events.WebhookDeadLettered)
	assert.Equal(t, "P1", payload.PaymentID)
	assert.Equal(t, 2, payload.RetryCount)

	var audits int64
	require.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM audit_logs WHERE action = ?`, auditdomain.ActionWebhookDeadLettered).Scan(&audits).Error)
	assert.EqualValues(t, 1, audits)
}

func TestProcessDueDefersWhileBreakerOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.reconciler.failNext(errors.New("down"))
	d := f.signed(approvedBody)
	d.RequestID = "req-breaker"
	_, err := f.svc.Ingest(ctx, d)
	require.Error(t, err)

	f.clock.Advance(30 * time.Second)
	f.reconciler.failNext(&circuitbreaker.OpenError{Name: config.BreakerPaymentAPI, RetryAfter: 10 * time.Second})
	stats, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Claimed: 1, Deferred: 1}, stats)

	row := f.failure(t, "req-breaker")
	assert.Equal(t, domain.FailureRetrying, row.Status)
	assert.Equal(t, 0, row.RetryCount)
	require.NotNil(t, row.NextRetryAt)
	assert.WithinDuration(t, f.clock.Now().Add(10*time.Second), *row.NextRetryAt, time.Second)
}

func TestProcessDueSkipsRowClaimedElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.reconciler.failNext(errors.New("down"))
	d := f.signed(approvedBody)
	d.RequestID = "req-claimed"
	_, err := f.svc.Ingest(ctx, d)
	require.Error(t, err)

	f.clock.Advance(30 * time.Second)
	row := f.failure(t, "req-claimed")
	claimed, err := f.repo.Claim(ctx, f.conn, row.ID, row.RetryCount, f.clock.Now(), f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	stats, err := f.svc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
	assert.Len(t, f.reconciler.Calls(), 1)
}

func TestReplayDeadLetter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	row, err := f.svc.SaveFailedWebhookForRetry(ctx, FailureInput{
		PaymentID:  "P1",
		RequestID:  "req-replay",
		RawBody:    []byte(approvedBody),
		HMACResult: paymentdomain.HMACValid,
		Err:        errors.New("down"),
		RetryCount: 5,
	})
	require.NoError(t, err)
	require.Equal(t, domain.FailureDeadLetter, row.Status)

	_, err = f.svc.Replay(ctx, row.ID, "")
	require.ErrorIs(t, err, orderservice.ErrActorRequired)

	f.reconciler.failNext(errors.New("still down"))
	_, err = f.svc.Replay(ctx, row.ID, "ops@example.com")
	require.Error(t, err)
	stored := f.failure(t, "req-replay")
	assert.Equal(t, domain.FailureDeadLetter, stored.Status)
	assert.Contains(t, stored.LastError, "still down")

	out, err := f.svc.Replay(ctx, row.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.FailureSuccess, out.Failure.Status)
	require.NotNil(t, out.Result)
	assert.Equal(t, orderservice.OutcomeProcessed, out.Result.Outcome)

	calls := f.reconciler.Calls()
	assert.Equal(t, orderservice.SourceManual, calls[len(calls)-1].Source)
	assert.Equal(t, "ops@example.com", calls[len(calls)-1].Actor)

	_, err = f.svc.Replay(ctx, row.ID, "ops@example.com")
	require.ErrorIs(t, err, domain.ErrAlreadySucceeded)

	var audits int64
	require.NoError(t, f.conn.Raw(`SELECT COUNT(*) FROM audit_logs WHERE action = ?`, auditdomain.ActionWebhookReprocessed).Scan(&audits).Error)
	assert.EqualValues(t, 2, audits)
}

func TestPurgeSucceededKeepsDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	save := func(requestID string, retryCount int) *domain.Failure {
		row, err := f.svc.SaveFailedWebhookForRetry(ctx, FailureInput{
			PaymentID:  "P-" + requestID,
			RequestID:  requestID,
			RawBody:    []byte(approvedBody),
			Err:        errors.New("down"),
			RetryCount: retryCount,
		})
		require.NoError(t, err)
		return row
	}
	old := save("old-success", 0)
	dead := save("old-dead", 5)
	_, err := f.svc.Replay(ctx, old.ID, "ops")
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	recent := save("recent-success", 0)
	_, err = f.svc.Replay(ctx, recent.ID, "ops")
	require.NoError(t, err)

	purged, err := f.svc.PurgeSucceeded(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = f.repo.FindByID(ctx, f.conn, old.ID)
	require.ErrorIs(t, err, domain.ErrFailureNotFound)
	_, err = f.repo.FindByID(ctx, f.conn, dead.ID)
	require.NoError(t, err)
	_, err = f.repo.FindByID(ctx, f.conn, recent.ID)
	require.NoError(t, err)
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i, retryCount := range []int{0, 5, 5} {
		_, err := f.svc.SaveFailedWebhookForRetry(ctx, FailureInput{
			PaymentID:  "P-list",
			RequestID:  "req-list-" + string(rune('a'+i)),
			RawBody:    []byte(approvedBody),
			Err:        errors.New("down"),
			RetryCount: retryCount,
		})
		require.NoError(t, err)
	}

	resp, err := f.svc.List(ctx, ListRequest{Status: "dead_letter", PageSize: 1})
	require.NoError(t, err)
	require.Len(t, resp.Failures, 1)
	assert.True(t, resp.PageInfo.HasMore)
	assert.EqualValues(t, 2, resp.Counts[domain.FailureDeadLetter])
	assert.EqualValues(t, 1, resp.Counts[domain.FailureRetrying])

	next, err := f.svc.List(ctx, ListRequest{Status: "dead_letter", PageSize: 1, PageToken: resp.PageInfo.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Failures, 1)
	assert.NotEqual(t, resp.Failures[0].ID, next.Failures[0].ID)
	assert.False(t, next.PageInfo.HasMore)

	_, err = f.svc.List(ctx, ListRequest{Status: "bogus"})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
	_, err = f.svc.List(ctx, ListRequest{PageToken: "%%%"})
	require.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{in: "short", max: 10, want: "short"},
		{in: "abcdef", max: 3, want: "abc"},
		{in: "harga Rp€5", max: 10, want: "harga Rp"},
		{in: "日本語", max: 4, want: "日"},
		{in: "日本語", max: 2, want: ""},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.max)
		assert.Equal(t, tc.want, got, "truncate(%q, %d)", tc.in, tc.max)
		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, len(got), tc.max)
	}
}
