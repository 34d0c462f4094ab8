package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Status is the processor-reported state of an external payment.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProcess   Status = "in_process"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

// ParseStatus normalises provider spellings into a Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending, true
	case "in_process", "in_progress", "authorized":
		return StatusInProcess, true
	case "approved", "paid", "succeeded":
		return StatusApproved, true
	case "rejected", "failed", "denied":
		return StatusRejected, true
	case "cancelled", "canceled", "expired":
		return StatusCancelled, true
	case "refunded":
		return StatusRefunded, true
	case "charged_back", "chargeback":
		return StatusChargedBack, true
	default:
		return "", false
	}
}

// Final reports whether no further status change is expected for a payment
// other than a reversal.
func (s Status) Final() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack:
		return true
	default:
		return false
	}
}

// Reversal reports whether s undoes a previously approved payment.
func (s Status) Reversal() bool {
	switch s {
	case StatusRefunded, StatusCancelled, StatusChargedBack:
		return true
	default:
		return false
	}
}

// HMACResult records how a webhook's authenticity was established.
type HMACResult string

const (
	HMACInvalid          HMACResult = "invalid"
	HMACFallbackUsed     HMACResult = "fallback_used"
	HMACValid            HMACResult = "valid"
	HMACManuallyVerified HMACResult = "manually_verified"
)

// Rank orders results by confidence. A stored result is only ever replaced
// by one of equal or higher rank, except by an operator rejection.
func (r HMACResult) Rank() int {
	switch r {
	case HMACFallbackUsed:
		return 1
	case HMACValid:
		return 2
	case HMACManuallyVerified:
		return 3
	default:
		return 0
	}
}

// RequiresManualVerification reports whether an operator must review a
// payment accepted with this result.
func (r HMACResult) RequiresManualVerification() bool {
	return r == HMACFallbackUsed
}

// Record is the local ledger entry for one external payment id.
type Record struct {
	ID                         snowflake.ID  `json:"id" gorm:"primaryKey"`
	PaymentID                  string        `json:"payment_id"`
	Provider                   string        `json:"provider"`
	Status                     Status        `json:"status"`
	HMACResult                 HMACResult    `json:"hmac_result" gorm:"column:hmac_result"`
	RequiresManualVerification bool          `json:"requires_manual_verification"`
	OrderID                    *snowflake.ID `json:"order_id,omitempty"`
	AppliedAt                  *time.Time    `json:"applied_at,omitempty"`
	VerifiedBy                 *string       `json:"verified_by,omitempty"`
	VerifiedAt                 *time.Time    `json:"verified_at,omitempty"`
	CreatedAt                  time.Time     `json:"created_at"`
	UpdatedAt                  time.Time     `json:"updated_at"`
}

func (Record) TableName() string { return "payment_records" }

// Applied reports whether the record's status has been applied to its order.
func (r *Record) Applied() bool {
	return r != nil && r.AppliedAt != nil
}

// Observation is a payment state seen either on a webhook or fetched from
// the processor.
type Observation struct {
	PaymentID string
	Status    Status
	OrderRef  string
	Amount    int64
	Currency  string
	RawStatus string
}

type ReviewFilter struct {
	Cursor *ReviewCursor
	Limit  int
}

type ReviewCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type Repository interface {
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*Record, error)
	// Insert stores rec unless a record for the same payment id exists and
	// reports whether a row was written.
	Insert(ctx context.Context, db *gorm.DB, rec *Record) (bool, error)
	UpdateObservation(ctx context.Context, db *gorm.DB, paymentID string, status Status, orderID *snowflake.ID, at time.Time) error
	// UpgradeHMAC replaces the stored result only when result ranks higher.
	UpgradeHMAC(ctx context.Context, db *gorm.DB, paymentID string, result HMACResult, at time.Time) error
	SetVerification(ctx context.Context, db *gorm.DB, paymentID string, result HMACResult, verifiedBy string, at time.Time) error
	MarkApplied(ctx context.Context, db *gorm.DB, paymentID string, status Status, at time.Time) error
	ListRequiringReview(ctx context.Context, db *gorm.DB, filter ReviewFilter) ([]Record, error)
}

// Gateway fetches authoritative payment state from a processor.
type Gateway interface {
	Name() string
	FetchPayment(ctx context.Context, paymentID string) (*Observation, error)
}
