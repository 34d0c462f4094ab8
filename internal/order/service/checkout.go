package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/order/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type LineItem struct {
	ProductID snowflake.ID `json:"product_id"`
	VariantID snowflake.ID `json:"variant_id,omitempty"`
	Quantity  int64        `json:"quantity"`
}

type CreateOrderRequest struct {
	CustomerRef string     `json:"customer_ref"`
	Currency    string     `json:"currency"`
	Items       []LineItem `json:"items"`
}

// CreatePendingOrder creates an order and reserves stock for every line in
// one transaction. A failed reservation undoes the earlier ones with the
// order itself.
func (r *Reconciler) CreatePendingOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyOrder
	}
	for _, line := range req.Items {
		if line.Quantity <= 0 || line.ProductID == 0 {
			return nil, domain.ErrInvalidQuantity
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "IDR"
	}
	var customerRef *string
	if ref := strings.TrimSpace(req.CustomerRef); ref != "" {
		customerRef = &ref
	}

	now := r.clock.Now()
	order := &domain.Order{
		ID:          r.genID.Generate(),
		Status:      domain.StatusPending,
		Currency:    currency,
		CustomerRef: customerRef,
		Metadata:    datatypes.NewJSONType(domain.Metadata{}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := make([]domain.Item, 0, len(req.Items))
		for _, line := range req.Items {
			price, err := r.engine.UnitPrice(ctx, tx, line.ProductID, line.VariantID)
			if err != nil {
				return fmt.Errorf("price product %s: %w", line.ProductID, err)
			}
			item := domain.Item{
				ID:        r.genID.Generate(),
				OrderID:   order.ID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				UnitPrice: price,
				CreatedAt: now,
			}
			if line.VariantID != 0 {
				variantID := line.VariantID
				item.VariantID = &variantID
			}
			order.Total += price * line.Quantity
			items = append(items, item)
		}

		if err := r.orders.Insert(ctx, tx, order); err != nil {
			return err
		}
		if err := r.orders.InsertItems(ctx, tx, items); err != nil {
			return err
		}
		orderID := order.ID
		for _, item := range items {
			if _, err := r.engine.Reserve(ctx, tx, item.ProductID, item.Variant(), item.Quantity, &orderID, "checkout"); err != nil {
				return fmt.Errorf("reserve product %s: %w", item.ProductID, err)
			}
		}
		order.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.Int("items", len(order.Items)),
		zap.Int64("total", order.Total),
	)
	if err := r.audit.AuditLog(ctx, auditdomain.Entry{
		ActorType:  string(auditdomain.ActorTypeSystem),
		ActorID:    "checkout",
		Action:     auditdomain.ActionOrderCreated,
		TargetType: "order",
		TargetID:   order.ID.String(),
		Metadata: map[string]any{
			"total":    order.Total,
			"currency": order.Currency,
			"items":    len(order.Items),
		},
	}); err != nil {
		r.log.Warn("audit order creation", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	return order, nil
}

// AmendItemQuantity changes the reserved quantity of a line while the order
// is still pending. The stock difference is reserved or released in the
// same transaction.
func (r *Reconciler) AmendItemQuantity(ctx context.Context, orderID, itemID snowflake.ID, quantity int64, actor string) (*domain.Order, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	actor = actorOrSystem(actor)

	now := r.clock.Now()
	var (
		order    *domain.Order
		previous int64
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := r.orders.FindByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusPending {
			return domain.ErrReservationLocked
		}
		items, err := r.orders.ListItems(ctx, tx, orderID)
		if err != nil {
			return err
		}

		var target *domain.Item
		var total int64
		for i := range items {
			if items[i].ID == itemID {
				target = &items[i]
				continue
			}
			total += items[i].UnitPrice * items[i].Quantity
		}
		if target == nil {
			return domain.ErrItemNotFound
		}
		previous = target.Quantity

		id := orderID
		switch diff := quantity - target.Quantity; {
		case diff > 0:
			if _, err := r.engine.Reserve(ctx, tx, target.ProductID, target.Variant(), diff, &id, actor); err != nil {
				return err
			}
		case diff < 0:
			if _, err := r.engine.Rollback(ctx, tx, target.ProductID, target.Variant(), -diff, &id, actor); err != nil {
				return err
			}
		}
		if err := r.orders.UpdateItemQuantity(ctx, tx, itemID, quantity); err != nil {
			return err
		}
		total += target.UnitPrice * quantity
		if err := r.orders.UpdateTotal(ctx, tx, orderID, total, now); err != nil {
			return err
		}

		order, err = r.orders.FindByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order.Items, err = r.orders.ListItems(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := r.audit.AuditLog(ctx, auditdomain.Entry{
		ActorID:    actor,
		Action:     auditdomain.ActionOrderItemQuantitySet,
		TargetType: "order",
		TargetID:   orderID.String(),
		Metadata: map[string]any{
			"item_id":      itemID.String(),
			"old_quantity": previous,
			"new_quantity": quantity,
		},
	}); err != nil {
		r.log.Warn("audit item quantity", zap.String("order_id", orderID.String()), zap.Error(err))
	}
	return order, nil
}

// GetOrder loads an order with its items.
func (r *Reconciler) GetOrder(ctx context.Context, orderID snowflake.ID) (*domain.Order, error) {
	order, err := r.orders.FindByID(ctx, r.db, orderID)
	if err != nil {
		return nil, err
	}
	order.Items, err = r.orders.ListItems(ctx, r.db, orderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}
