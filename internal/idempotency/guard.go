// Package idempotency decides whether a payment notification may be applied
// and makes the application itself happen at most once.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/orderpay/internal/clock"
	paymentdomain "github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Reason string

const (
	ReasonFirstSighting    Reason = "first_sighting"
	ReasonAlreadyProcessed Reason = "already_processed"
	ReasonRetryIncomplete  Reason = "retry_incomplete"
	ReasonInFlight         Reason = "in_flight"
)

// Decision is the outcome of an idempotency check.
type Decision struct {
	CanProcess     bool
	Reason         Reason
	ExistingStatus paymentdomain.Status
	Record         *paymentdomain.Record
}

var ErrEmptyKey = errors.New("idempotency_key_empty")

// errAlreadyApplied aborts the ApplyOnce transaction when the key exists.
var errAlreadyApplied = errors.New("idempotency_key_already_applied")

type Params struct {
	fx.In

	DB       *gorm.DB
	Payments paymentdomain.Repository
	InFlight InFlight
	Clock    clock.Clock
	Log      *zap.Logger
}

type Guard struct {
	db       *gorm.DB
	payments paymentdomain.Repository
	inflight InFlight
	clock    clock.Clock
	log      *zap.Logger
}

func NewGuard(p Params) *Guard {
	inflight := p.InFlight
	if inflight == nil {
		inflight = NewMemoryInFlight(p.Clock)
	}
	return &Guard{
		db:       p.DB,
		payments: p.Payments,
		inflight: inflight,
		clock:    p.Clock,
		log:      p.Log.Named("idempotency.guard"),
	}
}

// CheckPaymentIdempotency looks up the payment record for paymentID.
// A record counts as processed once a final status has been applied to its
// order; anything short of that may be retried.
func (g *Guard) CheckPaymentIdempotency(ctx context.Context, paymentID string) (Decision, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Decision{}, ErrEmptyKey
	}

	rec, err := g.payments.FindByPaymentID(ctx, g.db, paymentID)
	if err != nil {
		return Decision{}, fmt.Errorf("load payment record: %w", err)
	}
	if rec == nil {
		return Decision{CanProcess: true, Reason: ReasonFirstSighting}, nil
	}
	if rec.Applied() && rec.Status.Final() {
		return Decision{
			CanProcess:     false,
			Reason:         ReasonAlreadyProcessed,
			ExistingStatus: rec.Status,
			Record:         rec,
		}, nil
	}
	return Decision{
		CanProcess:     true,
		Reason:         ReasonRetryIncomplete,
		ExistingStatus: rec.Status,
		Record:         rec,
	}, nil
}

// Begin takes the in-flight marker for paymentID before checking it. When
// another delivery holds the marker the decision is ReasonInFlight and
// release is a no-op. Callers must invoke release once done.
func (g *Guard) Begin(ctx context.Context, paymentID string) (Decision, func(), error) {
	noop := func() {}
	release, acquired, err := g.inflight.Acquire(ctx, paymentID)
	if err != nil {
		// The database constraint stays authoritative, so an unavailable
		// pre-check only costs a wasted fetch.
		g.log.Warn("in-flight pre-check unavailable", zap.String("payment_id", paymentID), zap.Error(err))
		release, acquired = noop, true
	}
	if !acquired {
		return Decision{CanProcess: false, Reason: ReasonInFlight}, noop, nil
	}

	decision, err := g.CheckPaymentIdempotency(ctx, paymentID)
	if err != nil {
		release()
		return Decision{}, noop, err
	}
	return decision, release, nil
}

// ApplyOnce runs fn inside a transaction that first claims key. It reports
// false without error when key was already claimed, or when fn trips a
// unique constraint because a concurrent delivery committed first.
func (g *Guard) ApplyOnce(ctx context.Context, key string, fn func(tx *gorm.DB) error) (bool, error) {
	return ApplyOnce(ctx, g.db, key, g.clock, fn)
}

// ApplyOnce is the transaction primitive behind Guard.ApplyOnce. conn may
// itself be a transaction, in which case a savepoint is used.
func ApplyOnce(ctx context.Context, conn *gorm.DB, key string, clk clock.Clock, fn func(tx *gorm.DB) error) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}

	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prefix, suffix := db.InsertIgnore(tx)
		res := tx.Exec(
			prefix+` idempotency_keys (idempotency_key, created_at) VALUES (?, ?)`+suffix,
			key,
			clk.Now(),
		)
		if res.Error != nil {
			if db.IsDuplicateKeyErr(res.Error) {
				return errAlreadyApplied
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyApplied
		}
		if err := fn(tx); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errAlreadyApplied
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PaymentKey names the ApplyOnce claim for applying status to a payment.
func PaymentKey(paymentID string, status paymentdomain.Status) string {
	return "payment:" + strings.TrimSpace(paymentID) + ":" + string(status)
}
