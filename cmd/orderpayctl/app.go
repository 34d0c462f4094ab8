package main

import (
	"context"
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
	"github.com/smallbiznis/orderpay/internal/logger"
	"github.com/smallbiznis/orderpay/internal/metricspush"
	"github.com/smallbiznis/orderpay/internal/order"
	"github.com/smallbiznis/orderpay/internal/payment"
	"github.com/smallbiznis/orderpay/internal/webhook"
	"github.com/smallbiznis/orderpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const cliActorID = "orderpayctl"

// startApp builds the service graph without the HTTP server or scheduler
// and fills targets from it. Only constructors the targets depend on run.
func startApp(ctx context.Context, opts *rootOptions, targets ...any) (*zap.Logger, func(), error) {
	log, err := logger.New(opts.logLevel, opts.jsonLogs)
	if err != nil {
		return nil, nil, err
	}

	app := fx.New(
		fx.NopLogger,
		fx.Supply(log),
		config.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		cache.Module,
		events.Module,
		idempotency.Module,
		inventory.Module,
		circuitbreaker.Module,
		payment.Module,
		order.Module,
		webhook.Module,
		audit.Module,
		authorization.Module,
		fx.Provide(metricspush.NewPusher),
		fx.Populate(targets...),
	)
	if err := app.Err(); err != nil {
		_ = log.Sync()
		return nil, nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		_ = log.Sync()
		return nil, nil, err
	}

	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
		_ = log.Sync()
	}
	return log, stop, nil
}

func newSnowflakeNode(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}

func authorizeCLI(ctx context.Context, authz authorization.Service, action string) error {
	return authz.Authorize(ctx, authorization.SystemActor(cliActorID), authorization.ObjectWebhookFailure, action)
}
