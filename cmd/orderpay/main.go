package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderpay/internal/audit"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"github.com/smallbiznis/orderpay/internal/cache"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/events"
	"github.com/smallbiznis/orderpay/internal/idempotency"
	"github.com/smallbiznis/orderpay/internal/inventory"
	"github.com/smallbiznis/orderpay/internal/migration"
	"github.com/smallbiznis/orderpay/internal/observability"
	"github.com/smallbiznis/orderpay/internal/order"
	"github.com/smallbiznis/orderpay/internal/payment"
	"github.com/smallbiznis/orderpay/internal/ratelimit"
	"github.com/smallbiznis/orderpay/internal/scheduler"
	"github.com/smallbiznis/orderpay/internal/server"
	"github.com/smallbiznis/orderpay/internal/webhook"
	"github.com/smallbiznis/orderpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		events.Module,

		// Domains
		idempotency.Module,
		inventory.Module,
		circuitbreaker.Module,
		payment.Module,
		order.Module,
		webhook.Module,
		audit.Module,
		authorization.Module,
		ratelimit.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

// RegisterSnowflake gives every replica its own NODE_ID so generated ids
// never collide across processes.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
