package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/orderpay/internal/audit/domain"
	"gorm.io/gorm"
)

const auditColumns = `id, actor_type, actor_id, action, target_type, target_id,
	metadata, ip_address, user_agent, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert appends entry. Audit rows are never updated, so there is no
// upsert path.
func (r *repo) Insert(ctx context.Context, conn *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return conn.WithContext(ctx).Exec(
		`INSERT INTO audit_logs (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ActorType,
		entry.ActorID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Metadata,
		entry.IPAddress,
		entry.UserAgent,
		entry.CreatedAt,
	).Error
}

// List returns entries newest first. With a limit it reads one extra row so
// the caller can tell whether another page exists.
func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	where, args := listConditions(filter)
	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit+1)
	}

	var logs []*domain.AuditLog
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func listConditions(filter domain.ListFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	equal := func(column, value string) {
		if value = strings.TrimSpace(value); value != "" {
			where = append(where, column+` = ?`)
			args = append(args, value)
		}
	}
	equal("action", filter.Action)
	equal("target_type", filter.TargetType)
	equal("target_id", filter.TargetID)
	equal("actor_type", filter.ActorType)
	equal("actor_id", filter.ActorID)

	if filter.StartAt != nil {
		where = append(where, `created_at >= ?`)
		args = append(args, filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		where = append(where, `created_at <= ?`)
		args = append(args, filter.EndAt.UTC())
	}
	if c := filter.Cursor; c != nil {
		where = append(where, `(created_at < ? OR (created_at = ? AND id < ?))`)
		args = append(args, c.CreatedAt, c.CreatedAt, c.ID)
	}
	return where, args
}
