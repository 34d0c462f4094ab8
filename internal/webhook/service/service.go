// Package service ingests payment webhooks and re-drives the ones whose
// reconciliation failed.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/events"
	obslogger "github.com/smallbiznis/orderpay/internal/observability/logger"
	"github.com/smallbiznis/orderpay/internal/observability/metrics"
	"github.com/smallbiznis/orderpay/internal/observability/tracing"
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/internal/payment/signature"
	"github.com/smallbiznis/orderpay/internal/webhook/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reconciler applies a payment notification to its order.
type Reconciler interface {
	Apply(ctx context.Context, n orderservice.Notification) (orderservice.Result, error)
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Repo       domain.Repository
	Verifier   *signature.Verifier
	Reconciler Reconciler
	Audit      auditdomain.Service
	Events     events.EventPublisher
	Metrics    *metrics.Metrics `optional:"true"`
	Clock      clock.Clock
	Tuning     *config.TuningHolder
	Config     config.Config
	GenID      *snowflake.Node
	Log        *zap.Logger
}

type Service struct {
	db         *gorm.DB
	repo       domain.Repository
	verifier   *signature.Verifier
	reconciler Reconciler
	audit      auditdomain.Service
	events     events.EventPublisher
	metrics    *metrics.Metrics
	clock      clock.Clock
	tuning     *config.TuningHolder
	webhook    config.WebhookConfig
	genID      *snowflake.Node
	log        *zap.Logger
}

func New(p Params) *Service {
	publisher := p.Events
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	webhook := p.Config.Webhook
	if strings.TrimSpace(webhook.SignatureHeader) == "" {
		webhook.SignatureHeader = DefaultSignatureHeader
	}
	return &Service{
		db:         p.DB,
		repo:       p.Repo,
		verifier:   p.Verifier,
		reconciler: p.Reconciler,
		audit:      p.Audit,
		events:     publisher,
		metrics:    p.Metrics,
		clock:      p.Clock,
		tuning:     p.Tuning,
		webhook:    webhook,
		genID:      p.GenID,
		log:        p.Log.Named("webhook.service"),
	}
}

const DefaultSignatureHeader = "X-Signature"

var tracer = otel.Tracer("orderpay/webhook")

// Delivery is one inbound webhook request. Header keys are canonical MIME
// header names.
type Delivery struct {
	RequestID string
	Provider  string
	RawBody   []byte
	Headers   map[string]string
}

type Response struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	OrderID   string `json:"order_id,omitempty"`
	FailureID string `json:"failure_id,omitempty"`
}

const statusIgnored = "ignored"

// Ingest verifies and reconciles a delivery. A reconciliation error is
// stored for retry and returned together with the failure id.
func (s *Service) Ingest(ctx context.Context, d Delivery) (resp Response, err error) {
	provider := strings.ToLower(strings.TrimSpace(d.Provider))
	if provider == "" {
		provider = "generic"
	}
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("provider", provider),
		zap.String("request_id", d.RequestID),
	)

	ctx, span := tracer.Start(ctx, "webhook.ingest")
	span.SetAttributes(tracing.SafeAttributes(attribute.String("webhook.provider", provider))...)
	defer func() {
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "webhook ingest failed")
		}
		span.End()
	}()

	verdict := s.verifier.Verify(d.RawBody, d.Headers[s.webhook.SignatureHeader], s.webhook.Secret)
	if verr := verdict.Err(); verr != nil {
		log.Warn("webhook signature rejected", zap.String("reason", verdict.Reason))
		s.metrics.RecordWebhook(ctx, provider, "invalid_signature", string(verdict.Status))
		return Response{}, verr
	}
	if verdict.Status == paymentdomain.HMACFallbackUsed {
		log.Warn("webhook accepted without signature verification", zap.String("reason", verdict.Reason))
	}

	env, err := ParseEnvelope(d.RawBody)
	if err != nil {
		s.metrics.RecordWebhook(ctx, provider, "malformed", string(verdict.Status))
		return Response{}, err
	}
	if !env.IsPayment() {
		log.Debug("webhook topic ignored", zap.String("topic", env.topic()))
		s.metrics.RecordWebhook(ctx, provider, statusIgnored, string(verdict.Status))
		return Response{Success: true, Status: statusIgnored}, nil
	}
	paymentID := env.PaymentRef()
	if paymentID == "" {
		s.metrics.RecordWebhook(ctx, provider, "malformed", string(verdict.Status))
		return Response{}, domain.ErrMissingPaymentID
	}
	span.SetAttributes(attribute.String("payment.id", paymentID))

	requestID := strings.TrimSpace(d.RequestID)
	if requestID == "" {
		requestID = env.DeliveryID()
	}
	if requestID == "" {
		requestID = s.genID.Generate().String()
	}

	result, applyErr := s.reconciler.Apply(ctx, orderservice.Notification{
		PaymentID:  paymentID,
		Provider:   provider,
		Status:     env.PaymentStatus(),
		OrderRef:   env.OrderRef(),
		HMACResult: verdict.Status,
		Source:     orderservice.SourceWebhook,
		Actor:      provider,
	})
	if applyErr == nil && result.Outcome == orderservice.OutcomeInFlight {
		// The payment's marker is held by another delivery, possibly with a
		// different status. Keep this one and let the sweep apply it.
		applyErr = domain.ErrPaymentBusy
	}
	if applyErr == nil {
		s.metrics.RecordWebhook(ctx, provider, string(result.Outcome), string(verdict.Status))
		resp = Response{Success: true, Status: string(result.Outcome)}
		if result.OrderID != 0 {
			resp.OrderID = result.OrderID.String()
		}
		return resp, nil
	}

	if errors.Is(applyErr, domain.ErrPaymentBusy) {
		s.metrics.RecordWebhook(ctx, provider, string(orderservice.OutcomeInFlight), string(verdict.Status))
		log.Info("webhook deferred behind concurrent delivery", zap.String("payment_id", paymentID))
	} else {
		s.metrics.RecordWebhook(ctx, provider, "failed", string(verdict.Status))
		log.Warn("webhook reconciliation failed", zap.String("payment_id", paymentID), zap.Error(applyErr))
	}

	failure, saveErr := s.SaveFailedWebhookForRetry(ctx, FailureInput{
		PaymentID:  paymentID,
		RequestID:  requestID,
		Provider:   provider,
		RawBody:    d.RawBody,
		Headers:    d.Headers,
		HMACResult: verdict.Status,
		Err:        applyErr,
	})
	if saveErr != nil {
		// Losing the row would drop the event; surface both so the caller's
		// own retry kicks in.
		log.Error("store webhook failure", zap.String("payment_id", paymentID), zap.Error(saveErr))
		return Response{}, errors.Join(applyErr, saveErr)
	}
	if errors.Is(applyErr, domain.ErrPaymentBusy) {
		return Response{Success: true, Status: string(orderservice.OutcomeInFlight), FailureID: failure.ID.String()}, nil
	}
	return Response{Success: false, Status: string(failure.Status), FailureID: failure.ID.String()},
		fmt.Errorf("reconcile payment %s: %w", paymentID, applyErr)
}
