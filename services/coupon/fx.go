package coupon

import (
	"platform-economy/pkg/celengine"

	"go.uber.org/fx"
)

var Module = fx.Module("coupon.service",
	fx.Provide(
		celengine.NewCouponEngine,
		NewService,
	),
)
