package gateway

import (
	"errors"
	"strings"

	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/payment/domain"
	"go.uber.org/zap"
)

var ErrProviderNotFound = errors.New("payment_gateway_provider_not_found")

// Factory builds a Gateway for one provider.
type Factory interface {
	Provider() string
	New(cfg config.GatewayConfig, log *zap.Logger) (domain.Gateway, error)
}

type Registry struct {
	factories map[string]Factory
}

func NewRegistry(factories ...Factory) *Registry {
	registry := &Registry{factories: map[string]Factory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

func (r *Registry) New(cfg config.GatewayConfig, log *zap.Logger) (domain.Gateway, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(cfg.Provider))]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return factory.New(cfg, log)
}
