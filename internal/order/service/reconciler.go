package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/events"
	"github.com/smallbiznis/orderpay/internal/idempotency"
	"github.com/smallbiznis/orderpay/internal/inventory"
	"github.com/smallbiznis/orderpay/internal/observability/metrics"
	"github.com/smallbiznis/orderpay/internal/observability/tracing"
	"github.com/smallbiznis/orderpay/internal/order/domain"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceRedirect Source = "redirect"
	SourceRetry    Source = "retry"
	SourceManual   Source = "manual"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePending   Outcome = "pending"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeIgnored   Outcome = "ignored"
)

// Notification is one report of a payment's state, from a webhook, a
// customer redirect or a scheduled retry.
type Notification struct {
	PaymentID  string
	Provider   string
	Status     paymentdomain.Status
	OrderRef   string
	HMACResult paymentdomain.HMACResult
	Source     Source
	Actor      string
}

type Result struct {
	Outcome          Outcome              `json:"status"`
	OrderID          snowflake.ID         `json:"order_id,omitempty"`
	PaymentStatus    paymentdomain.Status `json:"payment_status,omitempty"`
	FromStatus       domain.Status        `json:"from_status,omitempty"`
	ToStatus         domain.Status        `json:"to_status,omitempty"`
	ReleasedQuantity int64                `json:"released_quantity,omitempty"`
}

var ErrUnverified = errors.New("payment_notification_unverified")

var tracer = otel.Tracer("orderpay/reconcile")

type Params struct {
	fx.In

	DB       *gorm.DB
	Guard    *idempotency.Guard
	Payments paymentdomain.Repository
	Orders   domain.Repository
	Gateway  paymentdomain.Gateway `optional:"true"`
	Engine   *inventory.Engine
	Audit    auditdomain.Service
	Events   events.EventPublisher
	Metrics  *metrics.Metrics `optional:"true"`
	Clock    clock.Clock
	Tuning   *config.TuningHolder
	GenID    *snowflake.Node
	Log      *zap.Logger
}

type Reconciler struct {
	db       *gorm.DB
	guard    *idempotency.Guard
	payments paymentdomain.Repository
	orders   domain.Repository
	gateway  paymentdomain.Gateway
	engine   *inventory.Engine
	audit    auditdomain.Service
	events   events.EventPublisher
	metrics  *metrics.Metrics
	clock    clock.Clock
	tuning   *config.TuningHolder
	genID    *snowflake.Node
	log      *zap.Logger
}

func NewReconciler(p Params) *Reconciler {
	publisher := p.Events
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Reconciler{
		db:       p.DB,
		guard:    p.Guard,
		payments: p.Payments,
		orders:   p.Orders,
		gateway:  p.Gateway,
		engine:   p.Engine,
		audit:    p.Audit,
		events:   publisher,
		metrics:  p.Metrics,
		clock:    p.Clock,
		tuning:   p.Tuning,
		genID:    p.GenID,
		log:      p.Log.Named("order.reconciler"),
	}
}

// Apply reconciles one payment notification against its order. Duplicate
// and concurrent deliveries resolve to OutcomeDuplicate or OutcomeInFlight
// without error. Errors mean nothing was committed and the notification
// should be retried.
func (r *Reconciler) Apply(ctx context.Context, n Notification) (result Result, err error) {
	n.PaymentID = strings.TrimSpace(n.PaymentID)
	if n.Source == "" {
		n.Source = SourceWebhook
	}

	ctx, span := tracer.Start(ctx, "order.reconcile")
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("payment.id", n.PaymentID),
		attribute.String("reconcile.source", string(n.Source)),
	)...)
	defer func() {
		span.SetAttributes(attribute.String("reconcile.outcome", string(result.Outcome)))
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "reconcile failed")
			r.metrics.RecordReconcile(ctx, string(n.Source), "error")
		} else {
			r.metrics.RecordReconcile(ctx, string(n.Source), string(result.Outcome))
		}
		span.End()
	}()

	if n.PaymentID == "" {
		return Result{}, idempotency.ErrEmptyKey
	}
	switch n.HMACResult {
	case paymentdomain.HMACInvalid:
		return Result{}, ErrUnverified
	case "":
		// Unattributed notifications are accepted but queued for review.
		n.HMACResult = paymentdomain.HMACFallbackUsed
	}

	decision, release, err := r.guard.Begin(ctx, n.PaymentID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if decision.Reason == idempotency.ReasonInFlight {
		return Result{Outcome: OutcomeInFlight}, nil
	}
	if !decision.CanProcess && !mayReverse(decision, n.Status, r.gateway != nil) {
		return duplicateOf(decision), nil
	}

	obs, err := r.observe(ctx, n)
	if err != nil {
		return Result{}, err
	}
	if !decision.CanProcess && !obs.Status.Reversal() {
		return duplicateOf(decision), nil
	}

	orderID, err := resolveOrderID(decision.Record, obs.OrderRef, n.OrderRef)
	if err != nil {
		return Result{}, err
	}

	return r.applyObservation(ctx, n, obs, orderID)
}

// ConfirmFromRedirect runs the reconciliation for a customer returning from
// the payment page. It waits briefly so the webhook usually wins, and relies
// on the gateway for the payment status; without one it leaves the order to
// the webhook.
func (r *Reconciler) ConfirmFromRedirect(ctx context.Context, paymentID, orderRef string) (Result, error) {
	if r.gateway == nil {
		r.log.Info("redirect confirmation skipped without gateway", zap.String("payment_id", paymentID))
		return Result{Outcome: OutcomePending}, nil
	}
	if err := r.clock.Sleep(ctx, r.tuning.Get().RedirectDelay); err != nil {
		return Result{}, err
	}
	return r.Apply(ctx, Notification{
		PaymentID: paymentID,
		Provider:  r.gateway.Name(),
		OrderRef:  orderRef,
		// The status comes from the authenticated gateway API.
		HMACResult: paymentdomain.HMACValid,
		Source:     SourceRedirect,
		Actor:      "redirect",
	})
}

// GatewayConfigured reports whether statuses are fetched from a processor.
func (r *Reconciler) GatewayConfigured() bool {
	return r.gateway != nil
}

func (r *Reconciler) observe(ctx context.Context, n Notification) (*paymentdomain.Observation, error) {
	if r.gateway == nil {
		if n.Status == "" {
			return nil, fmt.Errorf("%w: notification carries no status", paymentdomain.ErrInvalidStatus)
		}
		return &paymentdomain.Observation{
			PaymentID: n.PaymentID,
			Status:    n.Status,
			OrderRef:  n.OrderRef,
			RawStatus: string(n.Status),
		}, nil
	}

	obs, err := r.gateway.FetchPayment(ctx, n.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", n.PaymentID, err)
	}
	if obs.Status != n.Status && n.Status != "" {
		r.log.Info("gateway status differs from notification",
			zap.String("payment_id", n.PaymentID),
			zap.String("notified", string(n.Status)),
			zap.String("fetched", string(obs.Status)),
		)
	}
	return obs, nil
}

func (r *Reconciler) applyObservation(ctx context.Context, n Notification, obs *paymentdomain.Observation, orderID snowflake.ID) (Result, error) {
	now := r.clock.Now()
	var (
		result Result
		before domain.Status
	)

	applied, err := r.guard.ApplyOnce(ctx, idempotency.PaymentKey(n.PaymentID, obs.Status), func(tx *gorm.DB) error {
		result = Result{PaymentStatus: obs.Status, OrderID: orderID}
		if err := r.upsertRecord(ctx, tx, n, obs.Status, orderID, now); err != nil {
			return err
		}

		order, err := r.orders.FindByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		before = order.Status
		result.FromStatus, result.ToStatus = order.Status, order.Status

		target, ok := domain.TargetForPayment(obs.Status)
		switch {
		case !ok:
			result.Outcome = OutcomePending
		case order.Status.Terminal() || !domain.CanTransition(order.Status, target):
			r.log.Warn("payment status does not move order",
				zap.String("payment_id", n.PaymentID),
				zap.String("order_id", orderID.String()),
				zap.String("order_status", string(order.Status)),
				zap.String("payment_status", string(obs.Status)),
			)
			result.Outcome = OutcomeIgnored
		default:
			kind := domain.EventPaymentApplied
			if err := r.transition(ctx, tx, order, target, transitionInput{
				kind:       kind,
				paymentID:  n.PaymentID,
				source:     n.Source,
				actor:      actorOrSystem(n.Actor),
				hmacResult: n.HMACResult,
				at:         now,
			}, &result); err != nil {
				return err
			}
			result.Outcome = OutcomeProcessed
		}

		return r.payments.MarkApplied(ctx, tx, n.PaymentID, obs.Status, now)
	})
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Outcome: OutcomeDuplicate, OrderID: orderID, PaymentStatus: obs.Status}, nil
	}

	if n.HMACResult == paymentdomain.HMACFallbackUsed {
		r.log.Warn("payment applied on fallback verification, queued for review",
			zap.String("payment_id", n.PaymentID),
			zap.String("order_id", orderID.String()),
		)
	}
	if result.Outcome == OutcomeProcessed {
		r.afterTransition(ctx, result, n.PaymentID, n.Source, actorOrSystem(n.Actor), auditdomain.Entry{
			ActorType:  actorTypeFor(n.Source),
			ActorID:    n.Actor,
			Action:     auditdomain.ActionPaymentApplied,
			TargetType: "order",
			TargetID:   orderID.String(),
			Metadata: map[string]any{
				"payment_id":     n.PaymentID,
				"payment_status": string(obs.Status),
				"from_status":    string(before),
				"to_status":      string(result.ToStatus),
				"hmac_result":    string(n.HMACResult),
				"source":         string(n.Source),
			},
		})
	}
	return result, nil
}

func (r *Reconciler) upsertRecord(ctx context.Context, tx *gorm.DB, n Notification, status paymentdomain.Status, orderID snowflake.ID, now time.Time) error {
	inserted, err := r.payments.Insert(ctx, tx, &paymentdomain.Record{
		ID:                         r.genID.Generate(),
		PaymentID:                  n.PaymentID,
		Provider:                   providerOrDefault(n.Provider),
		Status:                     status,
		HMACResult:                 n.HMACResult,
		RequiresManualVerification: n.HMACResult.RequiresManualVerification(),
		OrderID:                    &orderID,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	})
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}
	if err := r.payments.UpdateObservation(ctx, tx, n.PaymentID, status, &orderID, now); err != nil {
		return err
	}
	return r.payments.UpgradeHMAC(ctx, tx, n.PaymentID, n.HMACResult, now)
}

type transitionInput struct {
	kind       domain.EventKind
	paymentID  string
	source     Source
	actor      string
	hmacResult paymentdomain.HMACResult
	reason     string
	at         time.Time
}

// transition moves order to target inside tx, releasing reserved stock when
// the target gives it back.
func (r *Reconciler) transition(ctx context.Context, tx *gorm.DB, order *domain.Order, target domain.Status, in transitionInput, result *Result) error {
	entries := []domain.AuditEvent{{
		Kind:       in.kind,
		At:         in.at,
		Actor:      in.actor,
		Source:     string(in.source),
		PaymentID:  in.paymentID,
		FromStatus: order.Status,
		ToStatus:   target,
		HMACResult: string(in.hmacResult),
		Reason:     in.reason,
	}}
	if in.hmacResult == paymentdomain.HMACFallbackUsed {
		entries = append(entries, domain.AuditEvent{
			Kind:       domain.EventHMACFallback,
			At:         in.at,
			PaymentID:  in.paymentID,
			HMACResult: string(in.hmacResult),
		})
	}

	if target.ReleasesStock() {
		released, err := r.releaseStock(ctx, tx, order.ID, in.actor, in.at)
		if err != nil {
			return err
		}
		if released > 0 {
			entries = append(entries, domain.AuditEvent{
				Kind:     domain.EventStockReleased,
				At:       in.at,
				Actor:    in.actor,
				Quantity: released,
			})
		}
		result.ReleasedQuantity = released
	}

	var paymentRef *string
	if target == domain.StatusPaid && in.paymentID != "" {
		paymentRef = &in.paymentID
	}
	moved, err := r.orders.UpdateStatus(ctx, tx, domain.StatusUpdate{
		OrderID:   order.ID,
		From:      order.Status,
		To:        target,
		PaymentID: paymentRef,
		Metadata:  order.Metadata.Data().With(entries...),
		At:        in.at,
	})
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrConcurrentUpdate
	}
	result.ToStatus = target
	return nil
}

// releaseStock restores every still-reserved item of the order. Each item
// is stamped released in the same transaction, so a repeated cancellation
// restores nothing.
func (r *Reconciler) releaseStock(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, actor string, at time.Time) (int64, error) {
	items, err := r.orders.ListItems(ctx, tx, orderID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, item := range items {
		released, err := r.orders.ReleaseItem(ctx, tx, item.ID, at)
		if err != nil {
			return 0, err
		}
		if !released {
			continue
		}
		id := orderID
		if _, err := r.engine.Rollback(ctx, tx, item.ProductID, item.Variant(), item.Quantity, &id, actor); err != nil {
			return 0, fmt.Errorf("rollback item %s: %w", item.ID, err)
		}
		total += item.Quantity
	}
	return total, nil
}

// afterTransition publishes and audits a committed status change. Failures
// are logged; the change itself already stands.
func (r *Reconciler) afterTransition(ctx context.Context, result Result, paymentID string, source Source, actor string, entry auditdomain.Entry) {
	err := r.events.Publish(ctx, events.Event{
		Type:       events.TopicOrderStatusChanged,
		Key:        result.OrderID.String(),
		OccurredAt: r.clock.Now(),
		Payload: events.OrderStatusChanged{
			OrderID:    result.OrderID.String(),
			PaymentID:  paymentID,
			FromStatus: string(result.FromStatus),
			ToStatus:   string(result.ToStatus),
			Source:     string(source),
			Actor:      actor,
		},
	})
	if err != nil {
		r.log.Warn("publish order status change", zap.String("order_id", result.OrderID.String()), zap.Error(err))
	}
	if err := r.audit.AuditLog(ctx, entry); err != nil {
		r.log.Warn("audit order status change", zap.String("order_id", result.OrderID.String()), zap.Error(err))
	}
}

// mayReverse lets a refund or chargeback through for a payment whose
// approval was already applied, so the order can be cancelled. A status-less
// notification only passes when the gateway can tell.
func mayReverse(decision idempotency.Decision, incoming paymentdomain.Status, canFetch bool) bool {
	if decision.ExistingStatus != paymentdomain.StatusApproved {
		return false
	}
	if incoming == "" {
		return canFetch
	}
	return incoming.Reversal()
}

func duplicateOf(decision idempotency.Decision) Result {
	result := Result{Outcome: OutcomeDuplicate, PaymentStatus: decision.ExistingStatus}
	if decision.Record != nil && decision.Record.OrderID != nil {
		result.OrderID = *decision.Record.OrderID
	}
	return result
}

func resolveOrderID(rec *paymentdomain.Record, refs ...string) (snowflake.ID, error) {
	if rec != nil && rec.OrderID != nil && *rec.OrderID != 0 {
		return *rec.OrderID, nil
	}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		id, err := snowflake.ParseString(ref)
		if err != nil || id == 0 {
			return 0, fmt.Errorf("%w: %q", domain.ErrOrderReference, ref)
		}
		return id, nil
	}
	return 0, domain.ErrOrderReference
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "system"
	}
	return strings.TrimSpace(actor)
}

func actorTypeFor(source Source) string {
	switch source {
	case SourceManual:
		return string(auditdomain.ActorTypeOperator)
	case SourceWebhook:
		return string(auditdomain.ActorTypeWebhook)
	default:
		return string(auditdomain.ActorTypeSystem)
	}
}

func providerOrDefault(provider string) string {
	if strings.TrimSpace(provider) == "" {
		return "generic"
	}
	return strings.ToLower(strings.TrimSpace(provider))
}
