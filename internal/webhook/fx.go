package webhook

import (
	orderservice "github.com/smallbiznis/orderpay/internal/order/service"
	"github.com/smallbiznis/orderpay/internal/webhook/repository"
	"github.com/smallbiznis/orderpay/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(repository.Provide),
	fx.Provide(func(r *orderservice.Reconciler) service.Reconciler { return r }),
	fx.Provide(service.New),
)
