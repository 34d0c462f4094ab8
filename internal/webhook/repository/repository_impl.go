package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderpay/internal/webhook/domain"
	"github.com/smallbiznis/orderpay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const failureColumns = `id, request_id, payment_id, provider, raw_body, headers, hmac_result, status,
	retry_count, next_retry_at, last_error, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, f *domain.Failure) (bool, error) {
	prefix, suffix := db.InsertIgnore(conn)
	res := conn.WithContext(ctx).Exec(
		prefix+` webhook_failures (`+failureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+suffix,
		f.ID,
		f.RequestID,
		f.PaymentID,
		f.Provider,
		f.RawBody,
		f.Headers,
		f.HMACResult,
		f.Status,
		f.RetryCount,
		f.NextRetryAt,
		f.LastError,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Failure, error) {
	return r.findOne(ctx, conn, `id = ?`, id)
}

func (r *repo) FindByRequestID(ctx context.Context, conn *gorm.DB, requestID string) (*domain.Failure, error) {
	return r.findOne(ctx, conn, `request_id = ?`, requestID)
}

func (r *repo) findOne(ctx context.Context, conn *gorm.DB, where string, arg any) (*domain.Failure, error) {
	var items []domain.Failure
	err := conn.WithContext(ctx).Raw(
		`SELECT `+failureColumns+`
		 FROM webhook_failures
		 WHERE `+where+`
		 LIMIT 1`,
		arg,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrFailureNotFound
	}
	return &items[0], nil
}

func (r *repo) ListDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]domain.Failure, error) {
	var items []domain.Failure
	err := conn.WithContext(ctx).Raw(
		`SELECT `+failureColumns+`
		 FROM webhook_failures
		 WHERE status = ? AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		domain.FailureRetrying,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Claim(ctx context.Context, conn *gorm.DB, id snowflake.ID, retryCount int, now, leaseUntil time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE webhook_failures
		 SET next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND retry_count = ? AND next_retry_at <= ?`,
		leaseUntil,
		now,
		id,
		domain.FailureRetrying,
		retryCount,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Record(ctx context.Context, conn *gorm.DB, id snowflake.ID, outcome domain.Outcome) error {
	res := conn.WithContext(ctx).Exec(
		`UPDATE webhook_failures
		 SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		outcome.Status,
		outcome.RetryCount,
		outcome.NextRetryAt,
		outcome.LastError,
		outcome.At,
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrFailureNotFound
	}
	return nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]domain.Failure, error) {
	stmt := conn.WithContext(ctx).Model(&domain.Failure{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
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

	var items []domain.Failure
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountByStatus(ctx context.Context, conn *gorm.DB) (map[domain.FailureStatus]int64, error) {
	var rows []struct {
		Status domain.FailureStatus
		Total  int64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total FROM webhook_failures GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.FailureStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

func (r *repo) PurgeSucceeded(ctx context.Context, conn *gorm.DB, cutoff time.Time) (int64, error) {
	res := conn.WithContext(ctx).Exec(
		`DELETE FROM webhook_failures WHERE status = ? AND updated_at < ?`,
		domain.FailureSuccess,
		cutoff,
	)
	return res.RowsAffected, res.Error
}
