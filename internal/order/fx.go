package order

import (
	"github.com/smallbiznis/orderpay/internal/order/repository"
	"github.com/smallbiznis/orderpay/internal/order/service"
	"go.uber.org/fx"
)

var Module = fx.Module("order",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewReconciler),
)
