package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderpay/internal/order/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const orderColumns = `id, status, payment_id, total, currency, customer_ref, metadata, created_at, updated_at`

const itemColumns = `id, order_id, product_id, variant_id, quantity, unit_price, released_at, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.Status,
		order.PaymentID,
		order.Total,
		order.Currency,
		order.CustomerRef,
		order.Metadata,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) InsertItems(ctx context.Context, db *gorm.DB, items []domain.Item) error {
	for _, item := range items {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO order_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.OrderID,
			item.ProductID,
			item.VariantID,
			item.Quantity,
			item.UnitPrice,
			item.ReleasedAt,
			item.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.Item, error) {
	var items []domain.Item
	err := db.WithContext(ctx).Raw(
		`SELECT `+itemColumns+`
		 FROM order_items
		 WHERE order_id = ?
		 ORDER BY id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, update domain.StatusUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, payment_id = COALESCE(?, payment_id), metadata = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		update.To,
		update.PaymentID,
		datatypes.NewJSONType(update.Metadata),
		update.At,
		update.OrderID,
		update.From,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata domain.Metadata, at time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders SET metadata = ?, updated_at = ? WHERE id = ?`,
		datatypes.NewJSONType(metadata),
		at,
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *repo) ReleaseItem(ctx context.Context, db *gorm.DB, itemID snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_items SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		at,
		itemID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateItemQuantity changes a reservation only while the owning order is
// pending. Past that point the reserved quantity backs stock rollback.
func (r *repo) UpdateItemQuantity(ctx context.Context, db *gorm.DB, itemID snowflake.ID, quantity int64) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_items
		 SET quantity = ?
		 WHERE id = ?
		   AND released_at IS NULL
		   AND order_id IN (SELECT id FROM orders WHERE status = ?)`,
		quantity,
		itemID,
		domain.StatusPending,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.WithContext(ctx).Raw(`SELECT COUNT(*) FROM order_items WHERE id = ?`, itemID).Scan(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrItemNotFound
	}
	return domain.ErrReservationLocked
}

func (r *repo) UpdateTotal(ctx context.Context, db *gorm.DB, id snowflake.ID, total int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders SET total = ?, updated_at = ? WHERE id = ?`,
		total,
		at,
		id,
	).Error
}
