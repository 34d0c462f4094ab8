package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderpay/internal/payment/domain"
	"github.com/smallbiznis/orderpay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const recordColumns = `id, payment_id, provider, status, hmac_result, requires_manual_verification,
	order_id, applied_at, verified_by, verified_at, created_at, updated_at`

func (r *repo) FindByPaymentID(ctx context.Context, conn *gorm.DB, paymentID string) (*domain.Record, error) {
	var item domain.Record
	err := conn.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM payment_records
		 WHERE payment_id = ?
		 LIMIT 1`,
		paymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, rec *domain.Record) (bool, error) {
	prefix, suffix := db.InsertIgnore(conn)
	res := conn.WithContext(ctx).Exec(
		prefix+` payment_records (
			id, payment_id, provider, status, hmac_result, requires_manual_verification,
			order_id, applied_at, verified_by, verified_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+suffix,
		rec.ID,
		rec.PaymentID,
		rec.Provider,
		rec.Status,
		rec.HMACResult,
		rec.RequiresManualVerification,
		rec.OrderID,
		rec.AppliedAt,
		rec.VerifiedBy,
		rec.VerifiedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateObservation(ctx context.Context, conn *gorm.DB, paymentID string, status domain.Status, orderID *snowflake.ID, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, order_id = COALESCE(order_id, ?), updated_at = ?
		 WHERE payment_id = ?`,
		status,
		orderID,
		at,
		paymentID,
	).Error
}

func (r *repo) UpgradeHMAC(ctx context.Context, conn *gorm.DB, paymentID string, result domain.HMACResult, at time.Time) error {
	lower := lowerRanked(result)
	if len(lower) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET hmac_result = ?, requires_manual_verification = ?, updated_at = ?
		 WHERE payment_id = ? AND hmac_result IN ?`,
		result,
		result.RequiresManualVerification(),
		at,
		paymentID,
		lower,
	).Error
}

func (r *repo) SetVerification(ctx context.Context, conn *gorm.DB, paymentID string, result domain.HMACResult, verifiedBy string, at time.Time) error {
	res := conn.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET hmac_result = ?, requires_manual_verification = ?, verified_by = ?, verified_at = ?, updated_at = ?
		 WHERE payment_id = ?`,
		result,
		false,
		verifiedBy,
		at,
		at,
		paymentID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (r *repo) MarkApplied(ctx context.Context, conn *gorm.DB, paymentID string, status domain.Status, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, applied_at = ?, updated_at = ?
		 WHERE payment_id = ?`,
		status,
		at,
		at,
		paymentID,
	).Error
}

func (r *repo) ListRequiringReview(ctx context.Context, conn *gorm.DB, filter domain.ReviewFilter) ([]domain.Record, error) {
	stmt := conn.WithContext(ctx).Model(&domain.Record{}).
		Where("requires_manual_verification = ?", true)
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var items []domain.Record
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func lowerRanked(result domain.HMACResult) []domain.HMACResult {
	all := []domain.HMACResult{
		domain.HMACInvalid,
		domain.HMACFallbackUsed,
		domain.HMACValid,
		domain.HMACManuallyVerified,
	}
	out := make([]domain.HMACResult, 0, len(all))
	for _, candidate := range all {
		if candidate.Rank() < result.Rank() {
			out = append(out, candidate)
		}
	}
	return out
}
