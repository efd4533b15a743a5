package statistics

import "go.uber.org/fx"

var Module = fx.Module("statistics.service",
	fx.Provide(NewService),
)
