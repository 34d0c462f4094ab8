package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/orderpay/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

const (
	ObjectOrder          = "order"
	ObjectPayment        = "payment"
	ObjectWebhookFailure = "webhook_failure"
	ObjectCircuitBreaker = "circuit_breaker"
	ObjectAuditLog       = "audit_log"
)

const (
	ActionOrderView           = "order.view"
	ActionOrderConfirmPayment = "order.confirm_payment"
	ActionOrderTransition     = "order.transition"
	ActionOrderNote           = "order.note"

	ActionPaymentReview     = "payment.review"
	ActionPaymentVerifyHMAC = "payment.verify_hmac"

	ActionWebhookFailureView   = "webhook_failure.view"
	ActionWebhookFailureReplay = "webhook_failure.replay"
	ActionWebhookFailureRetry  = "webhook_failure.retry"
	ActionWebhookFailurePurge  = "webhook_failure.purge"

	ActionCircuitBreakerView  = "circuit_breaker.view"
	ActionCircuitBreakerReset = "circuit_breaker.reset"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleSupport  = "support"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor)
	if err != nil {
		s.auditDenied(ctx, actor, object, action)
		return err
	}
	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, actor, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, actor, object, action)
	}
	return nil
}

func resolveActor(actor Actor) (string, string, error) {
	id := strings.TrimSpace(actor.ID)
	switch strings.TrimSpace(actor.Type) {
	case ActorTypeSystem:
		if id == "" {
			id = "system"
		}
		return "system:" + id, "role:system", nil
	case ActorTypeOperator:
		if id == "" {
			return "", "", ErrInvalidActor
		}
		role := strings.ToLower(strings.TrimSpace(actor.Role))
		switch role {
		case RoleSupport, RoleOperator, RoleAdmin:
		default:
			return "", "", ErrInvalidRole
		}
		return fmt.Sprintf("operator:%s", id), "role:" + role, nil
	default:
		return "", "", ErrInvalidActor
	}
}

// ensureGrouping keeps exactly one role link per subject, so a token carrying
// a new role replaces the previous one.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actor Actor, object string, action string) {
	s.audit(ctx, auditdomain.ActionAuthorizationDenied, actor, object, action)
}

func (s *ServiceImpl) auditGranted(ctx context.Context, actor Actor, object string, action string) {
	s.audit(ctx, auditdomain.ActionAuthorizationGranted, actor, object, action)
}

func (s *ServiceImpl) audit(ctx context.Context, auditAction string, actor Actor, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	actorType := actor.Type
	if actorType != ActorTypeSystem {
		actorType = string(auditdomain.ActorTypeOperator)
	}
	if err := s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    actor.ID,
		Action:     auditAction,
		TargetType: "authorization",
		TargetID:   object,
		Metadata: map[string]any{
			"object": object,
			"action": action,
			"role":   actor.Role,
		},
	}); err != nil {
		s.log.Warn("audit authorization", zap.String("action", action), zap.Error(err))
	}
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionOrderConfirmPayment, ActionPaymentVerifyHMAC, ActionWebhookFailureReplay, ActionOrderTransition, ActionCircuitBreakerReset:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support: read access plus notes
		{"role:support", ObjectOrder, ActionOrderView},
		{"role:support", ObjectOrder, ActionOrderNote},
		{"role:support", ObjectPayment, ActionPaymentReview},
		{"role:support", ObjectWebhookFailure, ActionWebhookFailureView},
		{"role:support", ObjectCircuitBreaker, ActionCircuitBreakerView},

		// Operator: payment-affecting actions
		{"role:operator", ObjectOrder, ActionOrderView},
		{"role:operator", ObjectOrder, ActionOrderNote},
		{"role:operator", ObjectOrder, ActionOrderConfirmPayment},
		{"role:operator", ObjectOrder, ActionOrderTransition},
		{"role:operator", ObjectPayment, ActionPaymentReview},
		{"role:operator", ObjectPayment, ActionPaymentVerifyHMAC},
		{"role:operator", ObjectWebhookFailure, ActionWebhookFailureView},
		{"role:operator", ObjectWebhookFailure, ActionWebhookFailureReplay},
		{"role:operator", ObjectCircuitBreaker, ActionCircuitBreakerView},

		// Admin
		{"role:admin", ObjectOrder, "*"},
		{"role:admin", ObjectPayment, "*"},
		{"role:admin", ObjectWebhookFailure, ActionWebhookFailureView},
		{"role:admin", ObjectWebhookFailure, ActionWebhookFailureReplay},
		{"role:admin", ObjectCircuitBreaker, ActionCircuitBreakerView},
		{"role:admin", ObjectCircuitBreaker, ActionCircuitBreakerReset},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		// System (scheduler and CLI)
		{"role:system", ObjectWebhookFailure, ActionWebhookFailureRetry},
		{"role:system", ObjectWebhookFailure, ActionWebhookFailurePurge},
		{"role:system", ObjectWebhookFailure, ActionWebhookFailureReplay},
		{"role:system", ObjectWebhookFailure, ActionWebhookFailureView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
