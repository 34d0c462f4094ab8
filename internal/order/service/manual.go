package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/idempotency"
	"github.com/smallbiznis/orderpay/internal/order/domain"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrActorRequired = errors.New("operator_actor_required")

type ManualConfirmation struct {
	OrderID   snowflake.ID
	PaymentID string
	Actor     string
	Reason    string
}

// ConfirmPaymentManually marks an order paid on an operator's word. It
// shares the idempotency key of an approved webhook for the same payment, so
// the two paths never both apply.
func (r *Reconciler) ConfirmPaymentManually(ctx context.Context, in ManualConfirmation) (Result, error) {
	in.PaymentID = strings.TrimSpace(in.PaymentID)
	if in.PaymentID == "" {
		return Result{}, idempotency.ErrEmptyKey
	}
	if strings.TrimSpace(in.Actor) == "" {
		return Result{}, ErrActorRequired
	}

	now := r.clock.Now()
	var result Result
	applied, err := r.guard.ApplyOnce(ctx, idempotency.PaymentKey(in.PaymentID, paymentdomain.StatusApproved), func(tx *gorm.DB) error {
		order, err := r.orders.FindByID(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		result = Result{
			OrderID:       order.ID,
			PaymentStatus: paymentdomain.StatusApproved,
			FromStatus:    order.Status,
			ToStatus:      order.Status,
		}
		if order.Status.Terminal() {
			result.Outcome = OutcomeIgnored
			return nil
		}
		if !domain.CanTransition(order.Status, domain.StatusPaid) {
			return domain.ErrInvalidTransition
		}

		orderID := order.ID
		inserted, err := r.payments.Insert(ctx, tx, &paymentdomain.Record{
			ID:         r.genID.Generate(),
			PaymentID:  in.PaymentID,
			Provider:   "manual",
			Status:     paymentdomain.StatusApproved,
			HMACResult: paymentdomain.HMACManuallyVerified,
			OrderID:    &orderID,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := r.payments.FindByPaymentID(ctx, tx, in.PaymentID)
			if err != nil {
				return err
			}
			if existing != nil && existing.OrderID != nil && *existing.OrderID != orderID {
				return domain.ErrPaymentAlreadyLinked
			}
			if err := r.payments.UpdateObservation(ctx, tx, in.PaymentID, paymentdomain.StatusApproved, &orderID, now); err != nil {
				return err
			}
		}
		if err := r.payments.SetVerification(ctx, tx, in.PaymentID, paymentdomain.HMACManuallyVerified, in.Actor, now); err != nil {
			return err
		}

		if err := r.transition(ctx, tx, order, domain.StatusPaid, transitionInput{
			kind:       domain.EventManualConfirmation,
			paymentID:  in.PaymentID,
			source:     SourceManual,
			actor:      in.Actor,
			hmacResult: paymentdomain.HMACManuallyVerified,
			reason:     in.Reason,
			at:         now,
		}, &result); err != nil {
			return err
		}
		result.Outcome = OutcomeProcessed
		return r.payments.MarkApplied(ctx, tx, in.PaymentID, paymentdomain.StatusApproved, now)
	})
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Outcome: OutcomeDuplicate, OrderID: in.OrderID, PaymentStatus: paymentdomain.StatusApproved}, nil
	}

	r.metrics.RecordManualAction(ctx, "confirm_payment")
	if result.Outcome != OutcomeProcessed {
		return result, nil
	}
	r.log.Info("payment confirmed manually",
		zap.String("order_id", in.OrderID.String()),
		zap.String("payment_id", in.PaymentID),
		zap.String("actor", in.Actor),
	)
	r.afterTransition(ctx, result, in.PaymentID, SourceManual, in.Actor, auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeOperator),
		ActorID:    in.Actor,
		Action:     auditdomain.ActionPaymentConfirmed,
		TargetType: "order",
		TargetID:   in.OrderID.String(),
		Metadata: map[string]any{
			"payment_id":   in.PaymentID,
			"from_status":  string(result.FromStatus),
			"to_status":    string(result.ToStatus),
			"reason":       in.Reason,
			"confirmation": "manual",
		},
	})
	return result, nil
}

type HMACVerification struct {
	PaymentID string
	Actor     string
	Approve   bool
	Reason    string
}

// VerifyHMACManually resolves a payment queued for review. Approval records
// manually_verified; rejection records invalid and leaves the order alone.
func (r *Reconciler) VerifyHMACManually(ctx context.Context, in HMACVerification) (*paymentdomain.Record, error) {
	in.PaymentID = strings.TrimSpace(in.PaymentID)
	if in.PaymentID == "" {
		return nil, idempotency.ErrEmptyKey
	}
	if strings.TrimSpace(in.Actor) == "" {
		return nil, ErrActorRequired
	}

	result := paymentdomain.HMACManuallyVerified
	action := auditdomain.ActionHMACVerified
	if !in.Approve {
		result = paymentdomain.HMACInvalid
		action = auditdomain.ActionHMACRejected
	}

	now := r.clock.Now()
	var (
		before  paymentdomain.HMACResult
		updated *paymentdomain.Record
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := r.payments.FindByPaymentID(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}
		if rec == nil {
			return paymentdomain.ErrRecordNotFound
		}
		before = rec.HMACResult
		if err := r.payments.SetVerification(ctx, tx, in.PaymentID, result, in.Actor, now); err != nil {
			return err
		}
		if rec.OrderID != nil {
			order, err := r.orders.FindByID(ctx, tx, *rec.OrderID)
			if err != nil {
				return err
			}
			meta := order.Metadata.Data().With(domain.AuditEvent{
				Kind:       domain.EventHMACManualVerification,
				At:         now,
				Actor:      in.Actor,
				Source:     string(SourceManual),
				PaymentID:  in.PaymentID,
				HMACResult: string(result),
				Reason:     in.Reason,
			})
			if err := r.orders.UpdateMetadata(ctx, tx, order.ID, meta, now); err != nil {
				return err
			}
		}
		updated, err = r.payments.FindByPaymentID(ctx, tx, in.PaymentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.metrics.RecordManualAction(ctx, "verify_hmac")
	if !in.Approve {
		r.log.Warn("payment signature rejected on review",
			zap.String("payment_id", in.PaymentID),
			zap.String("actor", in.Actor),
		)
	}
	if err := r.audit.AuditLog(ctx, auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeOperator),
		ActorID:    in.Actor,
		Action:     action,
		TargetType: "payment",
		TargetID:   in.PaymentID,
		Metadata: map[string]any{
			"from_hmac_result": string(before),
			"to_hmac_result":   string(result),
			"reason":           in.Reason,
		},
	}); err != nil {
		r.log.Warn("audit hmac verification", zap.String("payment_id", in.PaymentID), zap.Error(err))
	}
	return updated, nil
}

type ManualTransition struct {
	OrderID snowflake.ID
	To      domain.Status
	Actor   string
	Reason  string
}

// TransitionManually moves an order on an operator's request. Terminal
// orders are left as they are; moves outside the table are refused.
func (r *Reconciler) TransitionManually(ctx context.Context, in ManualTransition) (Result, error) {
	if !in.To.Valid() {
		return Result{}, domain.ErrInvalidStatus
	}
	if strings.TrimSpace(in.Actor) == "" {
		return Result{}, ErrActorRequired
	}

	now := r.clock.Now()
	var result Result
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := r.orders.FindByID(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		result = Result{OrderID: order.ID, FromStatus: order.Status, ToStatus: order.Status}
		if order.Status.Terminal() || order.Status == in.To {
			result.Outcome = OutcomeIgnored
			return nil
		}
		if !domain.CanTransition(order.Status, in.To) {
			return domain.ErrInvalidTransition
		}
		if err := r.transition(ctx, tx, order, in.To, transitionInput{
			kind:   domain.EventStatusOverride,
			source: SourceManual,
			actor:  in.Actor,
			reason: in.Reason,
			at:     now,
		}, &result); err != nil {
			return err
		}
		result.Outcome = OutcomeProcessed
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	r.metrics.RecordManualAction(ctx, "transition")
	if result.Outcome == OutcomeProcessed {
		r.afterTransition(ctx, result, "", SourceManual, in.Actor, auditdomain.Entry{
			ActorType:  string(auditdomain.ActorTypeOperator),
			ActorID:    in.Actor,
			Action:     auditdomain.ActionOrderStatusChanged,
			TargetType: "order",
			TargetID:   in.OrderID.String(),
			Metadata: map[string]any{
				"from_status":       string(result.FromStatus),
				"to_status":         string(result.ToStatus),
				"reason":            in.Reason,
				"released_quantity": result.ReleasedQuantity,
			},
		})
	}
	return result, nil
}

var ErrEmptyNote = errors.New("order_note_empty")

// AddOperatorNote appends a free-form note to the order's metadata.
func (r *Reconciler) AddOperatorNote(ctx context.Context, orderID snowflake.ID, actor, text string, fields map[string]string) (*domain.Order, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyNote
	}
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}

	now := r.clock.Now()
	var order *domain.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.orders.FindByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		meta := current.Metadata.Data().WithNote(domain.Note{
			At:     now,
			Actor:  actor,
			Text:   text,
			Fields: fields,
		})
		if err := r.orders.UpdateMetadata(ctx, tx, orderID, meta, now); err != nil {
			return err
		}
		order, err = r.orders.FindByID(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.metrics.RecordManualAction(ctx, "add_note")
	if err := r.audit.AuditLog(ctx, auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeOperator),
		ActorID:    actor,
		Action:     auditdomain.ActionOrderNoteAdded,
		TargetType: "order",
		TargetID:   orderID.String(),
		Metadata: map[string]any{
			"status": string(order.Status),
			"note":   text,
		},
	}); err != nil {
		r.log.Warn("audit order note", zap.String("order_id", orderID.String()), zap.Error(err))
	}
	return order, nil
}

// ListReviewQueue returns payments accepted on fallback verification that
// still await an operator.
func (r *Reconciler) ListReviewQueue(ctx context.Context, filter paymentdomain.ReviewFilter) ([]paymentdomain.Record, error) {
	return r.payments.ListRequiringReview(ctx, r.db, filter)
}
