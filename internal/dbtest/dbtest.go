// Package dbtest opens isolated in-memory SQLite databases carrying the
// application schema for package tests.
package dbtest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/orderpay/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	seq      atomic.Int64
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
)

// Open returns a fresh database with every migration applied.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// A single connection keeps the shared-cache database alive and
	// serialises writers the way a row lock would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplySchema(conn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}

// Node returns the process-wide snowflake node for test fixtures. Sharing
// one node keeps generated ids unique across helpers.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(1)
	})
	if nodeErr != nil {
		t.Fatalf("snowflake node: %v", nodeErr)
	}
	return node
}

// SeedProduct inserts a product with the given stock and returns its id.
func SeedProduct(t testing.TB, conn *gorm.DB, sku string, stock int64) snowflake.ID {
	t.Helper()
	id := Node(t).Generate()
	now := time.Now().UTC()
	err := conn.Exec(
		`INSERT INTO products (id, sku, name, price, stock, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sku, sku, 10000, stock, stock > 0, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return id
}

// SeedVariant inserts a variant of productID with the given stock.
func SeedVariant(t testing.TB, conn *gorm.DB, productID snowflake.ID, sku string, stock int64) snowflake.ID {
	t.Helper()
	id := Node(t).Generate()
	now := time.Now().UTC()
	err := conn.Exec(
		`INSERT INTO product_variants (id, product_id, sku, name, price, stock, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, productID, sku, sku, 10000, stock, stock > 0, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	return id
}

// Stock reads the current stock of a product, or of a variant when variantID is non-zero.
func Stock(t testing.TB, conn *gorm.DB, productID, variantID snowflake.ID) int64 {
	t.Helper()
	var stock int64
	var err error
	if variantID != 0 {
		err = conn.Raw(`SELECT stock FROM product_variants WHERE id = ?`, variantID).Scan(&stock).Error
	} else {
		err = conn.Raw(`SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock).Error
	}
	if err != nil {
		t.Fatalf("read stock: %v", err)
	}
	return stock
}
