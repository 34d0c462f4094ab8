// Package inventory applies atomic stock adjustments with bounded retry.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/observability/metrics"
	"github.com/smallbiznis/orderpay/pkg/backoff"
	"github.com/smallbiznis/orderpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("inventory",
	fx.Provide(NewEngine),
)

type Params struct {
	fx.In

	GenID   *snowflake.Node
	Clock   clock.Clock
	Tuning  *config.TuningHolder
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

type Engine struct {
	genID   *snowflake.Node
	clock   clock.Clock
	tuning  *config.TuningHolder
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewEngine(p Params) *Engine {
	return &Engine{
		genID:   p.GenID,
		clock:   p.Clock,
		tuning:  p.Tuning,
		metrics: p.Metrics,
		log:     p.Log.Named("inventory.engine"),
	}
}

// Adjust applies adj.Delta as new = max(0, old + delta) in one statement and
// appends a stock log entry in the same transaction. Transient failures are
// retried with binary backoff; missing targets and insufficient stock are
// returned immediately. conn may be a transaction; each attempt runs in its
// own savepoint so a failed attempt does not poison the caller.
func (e *Engine) Adjust(ctx context.Context, conn *gorm.DB, adj Adjustment) (Result, error) {
	if adj.ProductID == 0 || adj.Delta == 0 {
		return Result{}, ErrInvalidAdjustment
	}
	if strings.TrimSpace(string(adj.Reason)) == "" {
		adj.Reason = ReasonManual
	}
	if strings.TrimSpace(adj.Actor) == "" {
		adj.Actor = "system"
	}

	tuning := e.tuning.Get().Stock
	maxAttempts := max(tuning.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		oldStock, newStock, err := e.attempt(ctx, conn, adj, attempt)
		if err == nil {
			e.metrics.RecordStockAdjustment(ctx, string(adj.Reason), "success")
			return Result{Success: true, Attempts: attempt, OldStock: oldStock, NewStock: newStock}, nil
		}
		lastErr = err
		if !retryable(err) {
			e.metrics.RecordStockAdjustment(ctx, string(adj.Reason), outcomeOf(err))
			return Result{Attempts: attempt}, err
		}

		e.log.Warn("stock adjustment attempt failed",
			zap.String("product_id", adj.ProductID.String()),
			zap.String("variant_id", idString(adj.VariantID)),
			zap.Int64("delta", adj.Delta),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == maxAttempts {
			break
		}
		if err := e.clock.Sleep(ctx, backoff.Binary(attempt, tuning.BaseDelay, tuning.MaxDelay)); err != nil {
			e.metrics.RecordStockAdjustment(ctx, string(adj.Reason), "cancelled")
			return Result{Attempts: attempt}, err
		}
	}

	e.metrics.RecordStockAdjustment(ctx, string(adj.Reason), "exhausted")
	return Result{Attempts: maxAttempts}, fmt.Errorf("adjust stock after %d attempts: %w", maxAttempts, lastErr)
}

// Reserve decrements stock by quantity, failing when not enough is available.
func (e *Engine) Reserve(ctx context.Context, conn *gorm.DB, productID, variantID snowflake.ID, quantity int64, orderID *snowflake.ID, actor string) (Result, error) {
	if quantity <= 0 {
		return Result{}, ErrInvalidAdjustment
	}
	return e.Adjust(ctx, conn, Adjustment{
		ProductID:        productID,
		VariantID:        variantID,
		OrderID:          orderID,
		Delta:            -quantity,
		Reason:           ReasonReservation,
		Actor:            actor,
		RequireAvailable: true,
	})
}

// Rollback restores quantity previously reserved for an order.
func (e *Engine) Rollback(ctx context.Context, conn *gorm.DB, productID, variantID snowflake.ID, quantity int64, orderID *snowflake.ID, actor string) (Result, error) {
	if quantity <= 0 {
		return Result{}, ErrInvalidAdjustment
	}
	return e.Adjust(ctx, conn, Adjustment{
		ProductID: productID,
		VariantID: variantID,
		OrderID:   orderID,
		Delta:     quantity,
		Reason:    ReasonRollback,
		Actor:     actor,
	})
}

func (e *Engine) attempt(ctx context.Context, conn *gorm.DB, adj Adjustment, attempt int) (int64, int64, error) {
	var oldStock, newStock int64
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := readStock(tx, adj)
		if err != nil {
			return err
		}

		affected, err := updateStock(tx, adj, e.clock)
		if err != nil {
			return err
		}
		if affected == 0 {
			if adj.RequireAvailable {
				return ErrInsufficientStock
			}
			return ErrNotFound
		}

		after, err := readStock(tx, adj)
		if err != nil {
			return err
		}
		newStock = after
		// Without clamping the previous value follows from the delta, which
		// stays exact even when another writer raced the read above.
		if newStock > 0 {
			oldStock = newStock - adj.Delta
		} else {
			oldStock = before
		}

		return e.appendLog(tx, adj, oldStock, newStock, attempt)
	})
	return oldStock, newStock, err
}

func updateStock(tx *gorm.DB, adj Adjustment, clk clock.Clock) (int64, error) {
	greatest := db.Greatest(tx)
	now := clk.Now()

	var res *gorm.DB
	if adj.VariantID != 0 {
		// is_active is assigned first so every dialect derives it from the
		// pre-update stock plus delta.
		stmt := `UPDATE product_variants
			SET is_active = (stock + ? > 0), stock = ` + greatest + `(0, stock + ?), updated_at = ?
			WHERE id = ? AND product_id = ?`
		args := []any{adj.Delta, adj.Delta, now, adj.VariantID, adj.ProductID}
		if adj.RequireAvailable {
			stmt += ` AND stock + ? >= 0`
			args = append(args, adj.Delta)
		}
		res = tx.Exec(stmt, args...)
	} else {
		stmt := `UPDATE products
			SET stock = ` + greatest + `(0, stock + ?), updated_at = ?
			WHERE id = ?`
		args := []any{adj.Delta, now, adj.ProductID}
		if adj.RequireAvailable {
			stmt += ` AND stock + ? >= 0`
			args = append(args, adj.Delta)
		}
		res = tx.Exec(stmt, args...)
	}
	return res.RowsAffected, res.Error
}

func readStock(tx *gorm.DB, adj Adjustment) (int64, error) {
	var rows []int64
	var err error
	if adj.VariantID != 0 {
		err = tx.Raw(`SELECT stock FROM product_variants WHERE id = ? AND product_id = ?`, adj.VariantID, adj.ProductID).Scan(&rows).Error
	} else {
		err = tx.Raw(`SELECT stock FROM products WHERE id = ?`, adj.ProductID).Scan(&rows).Error
	}
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ErrNotFound
	}
	return rows[0], nil
}

func (e *Engine) appendLog(tx *gorm.DB, adj Adjustment, oldStock, newStock int64, attempt int) error {
	var variantID *snowflake.ID
	if adj.VariantID != 0 {
		v := adj.VariantID
		variantID = &v
	}
	return tx.Exec(
		`INSERT INTO stock_log_entries (
			id, product_id, variant_id, order_id, old_stock, new_stock, stock_change, reason, actor, attempt, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.genID.Generate(),
		adj.ProductID,
		variantID,
		adj.OrderID,
		oldStock,
		newStock,
		newStock-oldStock,
		adj.Reason,
		adj.Actor,
		attempt,
		e.clock.Now(),
	).Error
}

// UnitPrice returns the catalog price of a product, or of its variant when
// variantID is non-zero.
func (e *Engine) UnitPrice(ctx context.Context, conn *gorm.DB, productID, variantID snowflake.ID) (int64, error) {
	var rows []int64
	var err error
	if variantID != 0 {
		err = conn.WithContext(ctx).Raw(`SELECT price FROM product_variants WHERE id = ? AND product_id = ?`, variantID, productID).Scan(&rows).Error
	} else {
		err = conn.WithContext(ctx).Raw(`SELECT price FROM products WHERE id = ?`, productID).Scan(&rows).Error
	}
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ErrNotFound
	}
	return rows[0], nil
}

// History returns the stock log of a product, newest first.
func (e *Engine) History(ctx context.Context, conn *gorm.DB, productID snowflake.ID, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []LogEntry
	err := conn.WithContext(ctx).Raw(
		`SELECT id, product_id, variant_id, order_id, old_stock, new_stock, stock_change, reason, actor, attempt, created_at
		 FROM stock_log_entries
		 WHERE product_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		productID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInvalidAdjustment),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	default:
		return "error"
	}
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
