package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Order struct {
	ID          snowflake.ID                 `json:"id" gorm:"primaryKey"`
	Status      Status                       `json:"status"`
	PaymentID   *string                      `json:"payment_id,omitempty"`
	Total       int64                        `json:"total"`
	Currency    string                       `json:"currency"`
	CustomerRef *string                      `json:"customer_ref,omitempty"`
	Metadata    datatypes.JSONType[Metadata] `json:"metadata"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
	Items       []Item                       `json:"items,omitempty" gorm:"-"`
}

func (Order) TableName() string { return "orders" }

type Item struct {
	ID         snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrderID    snowflake.ID  `json:"order_id"`
	ProductID  snowflake.ID  `json:"product_id"`
	VariantID  *snowflake.ID `json:"variant_id,omitempty"`
	Quantity   int64         `json:"quantity"`
	UnitPrice  int64         `json:"unit_price"`
	ReleasedAt *time.Time    `json:"released_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (Item) TableName() string { return "order_items" }

// Variant returns the variant id or zero.
func (i Item) Variant() snowflake.ID {
	if i.VariantID == nil {
		return 0
	}
	return *i.VariantID
}

type StatusUpdate struct {
	OrderID   snowflake.ID
	From      Status
	To        Status
	PaymentID *string
	Metadata  Metadata
	At        time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	InsertItems(ctx context.Context, db *gorm.DB, items []Item) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	ListItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]Item, error)
	// UpdateStatus moves the order only while it is still in update.From and
	// reports whether it did.
	UpdateStatus(ctx context.Context, db *gorm.DB, update StatusUpdate) (bool, error)
	UpdateMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata Metadata, at time.Time) error
	// ReleaseItem stamps released_at once and reports whether this call did.
	ReleaseItem(ctx context.Context, db *gorm.DB, itemID snowflake.ID, at time.Time) (bool, error)
	UpdateItemQuantity(ctx context.Context, db *gorm.DB, itemID snowflake.ID, quantity int64) error
	UpdateTotal(ctx context.Context, db *gorm.DB, id snowflake.ID, total int64, at time.Time) error
}

var (
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrItemNotFound         = errors.New("order_item_not_found")
	ErrInvalidTransition    = errors.New("invalid_order_transition")
	ErrInvalidStatus        = errors.New("invalid_order_status")
	ErrReservationLocked    = errors.New("order_reservation_locked")
	ErrConcurrentUpdate     = errors.New("order_concurrent_update")
	ErrOrderReference       = errors.New("order_reference_missing")
	ErrEmptyOrder           = errors.New("order_has_no_items")
	ErrInvalidQuantity      = errors.New("invalid_item_quantity")
	ErrPaymentAlreadyLinked = errors.New("order_payment_already_linked")
)
