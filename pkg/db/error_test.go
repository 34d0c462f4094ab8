package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "pgconn", err: fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "pgconn_other", err: &pgconn.PgError{Code: "40001"}, want: false},
		{name: "lib_pq", err: &pq.Error{Code: "23505"}, want: true},
		{name: "mysql_text", err: errors.New("Error 1062 (23000): Duplicate entry 'x' for key 'orders.payment_id'"), want: true},
		{name: "sqlite_text", err: errors.New("constraint failed: UNIQUE constraint failed: orders.payment_id (2067)"), want: true},
		{name: "other", err: errors.New("connection reset"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
