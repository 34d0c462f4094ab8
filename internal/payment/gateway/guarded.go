package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/orderpay/internal/circuitbreaker"
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Guarded runs every fetch through a circuit breaker with a per-call timeout.
// A timeout counts as a breaker failure.
type Guarded struct {
	inner   domain.Gateway
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

func NewGuarded(inner domain.Gateway, breaker *circuitbreaker.Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) FetchPayment(ctx context.Context, paymentID string) (*domain.Observation, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (*domain.Observation, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.FetchPayment(callCtx, paymentID)
	})
}

type Params struct {
	fx.In

	Config   config.Config
	Registry *Registry
	Breakers *circuitbreaker.Registry
	Log      *zap.Logger
}

// Provide builds the configured gateway. It returns a nil Gateway when no
// provider is configured, in which case webhook-reported statuses are used.
func Provide(p Params) (domain.Gateway, error) {
	provider := strings.ToLower(strings.TrimSpace(p.Config.Gateway.Provider))
	if provider == "" || provider == config.GatewayNone {
		p.Log.Info("payment gateway disabled, trusting webhook statuses")
		return nil, nil
	}
	inner, err := p.Registry.New(p.Config.Gateway, p.Log)
	if err != nil {
		return nil, err
	}
	p.Log.Info("payment gateway configured", zap.String("provider", inner.Name()))
	return NewGuarded(inner, p.Breakers.Get(config.BreakerPaymentAPI), p.Config.Gateway.Timeout), nil
}
