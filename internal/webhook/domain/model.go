package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type FailureStatus string

const (
	// FailureRetrying rows are picked up by the retry sweep once due.
	FailureRetrying FailureStatus = "retrying"
	// FailureFailed rows hit an error that no retry can fix; they wait for
	// an operator like dead letters do.
	FailureFailed     FailureStatus = "failed"
	FailureSuccess    FailureStatus = "success"
	FailureDeadLetter FailureStatus = "dead_letter"
)

func (s FailureStatus) Valid() bool {
	switch s {
	case FailureRetrying, FailureFailed, FailureSuccess, FailureDeadLetter:
		return true
	default:
		return false
	}
}

// Replayable reports whether an operator may re-drive a row in this status.
func (s FailureStatus) Replayable() bool {
	return s != FailureSuccess
}

// Failure is a webhook delivery whose reconciliation did not complete.
type Failure struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	RequestID   string            `json:"request_id"`
	PaymentID   string            `json:"payment_id"`
	Provider    string            `json:"provider"`
	RawBody     string            `json:"raw_body"`
	Headers     datatypes.JSONMap `json:"headers"`
	HMACResult  string            `json:"hmac_result" gorm:"column:hmac_result"`
	Status      FailureStatus     `json:"status"`
	RetryCount  int               `json:"retry_count"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	LastError   string            `json:"last_error"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (Failure) TableName() string { return "webhook_failures" }

// Outcome is the state a failure row moves to after an attempt.
type Outcome struct {
	Status      FailureStatus
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
	At          time.Time
}

type ListFilter struct {
	Status FailureStatus
	Cursor *Cursor
	Limit  int
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type Repository interface {
	// Insert stores f unless a row with the same request id exists and
	// reports whether a row was written.
	Insert(ctx context.Context, db *gorm.DB, f *Failure) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Failure, error)
	FindByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*Failure, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Failure, error)
	// Claim pushes next_retry_at of a due row to leaseUntil so concurrent
	// sweeps skip it, and reports whether this caller won the row.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, retryCount int, now, leaseUntil time.Time) (bool, error)
	Record(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Outcome) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Failure, error)
	CountByStatus(ctx context.Context, db *gorm.DB) (map[FailureStatus]int64, error)
	// PurgeSucceeded deletes success rows last updated before cutoff.
	PurgeSucceeded(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

var (
	ErrFailureNotFound    = errors.New("webhook_failure_not_found")
	ErrAlreadySucceeded   = errors.New("webhook_failure_already_succeeded")
	ErrInvalidStatus      = errors.New("invalid_webhook_failure_status")
	ErrMalformedPayload   = errors.New("malformed_webhook_payload")
	ErrMissingPaymentID   = errors.New("webhook_payment_id_missing")
	ErrInvalidPageToken   = errors.New("invalid_page_token")
	ErrUnsupportedTopic   = errors.New("unsupported_webhook_topic")
	ErrReplayNotPermitted = errors.New("webhook_replay_not_permitted")
	// ErrPaymentBusy means another delivery for the same payment was being
	// reconciled. The delivery is kept and retried; it is never dropped.
	ErrPaymentBusy = errors.New("webhook_payment_busy")
)
