package payment

import (
	"github.com/smallbiznis/orderpay/internal/payment/gateway"
	"github.com/smallbiznis/orderpay/internal/payment/repository"
	"github.com/smallbiznis/orderpay/internal/payment/signature"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(signature.NewVerifier),
	fx.Provide(func() *gateway.Registry {
		return gateway.NewRegistry(
			gateway.NewRESTFactory(),
			gateway.NewMidtransFactory(),
		)
	}),
	fx.Provide(gateway.Provide),
)
