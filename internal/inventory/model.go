package inventory

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Reason string

const (
	ReasonReservation Reason = "order_reservation"
	ReasonRollback    Reason = "order_rollback"
	ReasonManual      Reason = "manual_adjustment"
)

var (
	ErrNotFound          = errors.New("stock_target_not_found")
	ErrInsufficientStock = errors.New("insufficient_stock")
	ErrInvalidAdjustment = errors.New("invalid_stock_adjustment")
)

// Adjustment describes one signed change to a product or variant stock.
type Adjustment struct {
	ProductID snowflake.ID
	// VariantID targets a variant row when non-zero.
	VariantID snowflake.ID
	OrderID   *snowflake.ID
	Delta     int64
	Reason    Reason
	Actor     string
	// RequireAvailable rejects a decrement larger than the current stock
	// instead of clamping it to zero.
	RequireAvailable bool
}

// Result reports the stock values observed by the successful attempt.
type Result struct {
	Success  bool
	Attempts int
	OldStock int64
	NewStock int64
}

// LogEntry is one row of the append-only stock audit trail.
type LogEntry struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	ProductID   snowflake.ID  `json:"product_id"`
	VariantID   *snowflake.ID `json:"variant_id,omitempty"`
	OrderID     *snowflake.ID `json:"order_id,omitempty"`
	OldStock    int64         `json:"old_stock"`
	NewStock    int64         `json:"new_stock"`
	StockChange int64         `json:"stock_change"`
	Reason      Reason        `json:"reason"`
	Actor       string        `json:"actor"`
	Attempt     int           `json:"attempt"`
	CreatedAt   time.Time     `json:"created_at"`
}

func (LogEntry) TableName() string { return "stock_log_entries" }
