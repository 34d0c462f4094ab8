package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"github.com/smallbiznis/orderpay/internal/authorization"
	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/clock"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/observability"
	obslogger "github.com/smallbiznis/orderpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/orderpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/orderpay/internal/observability/tracing"
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
	"github.com/smallbiznis/orderpay/internal/ratelimit"
	webhookservice "github.com/smallbiznis/orderpay/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	clock      clock.Clock
	reconciler *orderservice.Reconciler
	webhooks   *webhookservice.Service
	breakers   *circuitbreaker.Registry
	authzSvc   authorization.Service
	auditSvc   auditdomain.Service
	limiter    ratelimit.Limiter
	obsMetrics *obsmetrics.Metrics
	log        *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Clock      clock.Clock
	Reconciler *orderservice.Reconciler
	Webhooks   *webhookservice.Service
	Breakers   *circuitbreaker.Registry
	AuthzSvc   authorization.Service
	AuditSvc   auditdomain.Service
	Limiter    ratelimit.Limiter   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Log        *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		clock:      p.Clock,
		reconciler: p.Reconciler,
		webhooks:   p.Webhooks,
		breakers:   p.Breakers,
		authzSvc:   p.AuthzSvc,
		auditSvc:   p.AuditSvc,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
		log:        p.Log.Named("http.server"),
	}

	svc.RegisterPublicRoutes()
	svc.RegisterAdminRoutes()
	return svc
}

// RegisterPublicRoutes mounts the processor-facing and checkout-facing
// endpoints. Webhooks authenticate by signature, not by token.
func (s *Server) RegisterPublicRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
	s.engine.GET("/payments/return", s.HandlePaymentReturn)

	orders := s.engine.Group("/orders")
	{
		orders.POST("", s.CreateOrder)
		orders.GET("/:id", s.GetOrder)
		orders.PATCH("/:id/items/:itemId", s.AmendOrderItem)
	}
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.OperatorRequired())
	admin.Use(s.OperatorRateLimit())

	orders := admin.Group("/orders")
	{
		orders.GET("/:id", s.authorizeOperatorAction(authorization.ObjectOrder, authorization.ActionOrderView), s.GetOrder)
		orders.POST("/:id/confirm-payment", s.authorizeOperatorAction(authorization.ObjectOrder, authorization.ActionOrderConfirmPayment), s.ConfirmPayment)
		orders.POST("/:id/status", s.authorizeOperatorAction(authorization.ObjectOrder, authorization.ActionOrderTransition), s.TransitionOrder)
		orders.POST("/:id/notes", s.authorizeOperatorAction(authorization.ObjectOrder, authorization.ActionOrderNote), s.AddOrderNote)
	}

	payments := admin.Group("/payments")
	{
		payments.GET("/review", s.authorizeOperatorAction(authorization.ObjectPayment, authorization.ActionPaymentReview), s.ListReviewQueue)
		payments.POST("/:id/verify-hmac", s.authorizeOperatorAction(authorization.ObjectPayment, authorization.ActionPaymentVerifyHMAC), s.VerifyPaymentHMAC)
	}

	failures := admin.Group("/webhook-failures")
	{
		failures.GET("", s.authorizeOperatorAction(authorization.ObjectWebhookFailure, authorization.ActionWebhookFailureView), s.ListWebhookFailures)
		failures.POST("/:id/reprocess", s.authorizeOperatorAction(authorization.ObjectWebhookFailure, authorization.ActionWebhookFailureReplay), s.ReprocessWebhookFailure)
	}

	breakers := admin.Group("/circuit-breakers")
	{
		breakers.GET("", s.authorizeOperatorAction(authorization.ObjectCircuitBreaker, authorization.ActionCircuitBreakerView), s.ListCircuitBreakers)
		breakers.POST("/:name/reset", s.authorizeOperatorAction(authorization.ObjectCircuitBreaker, authorization.ActionCircuitBreakerReset), s.ResetCircuitBreaker)
	}

	admin.GET("/audit-logs", s.authorizeOperatorAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
