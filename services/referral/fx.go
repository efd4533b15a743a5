package referral

import "go.uber.org/fx"

var Module = fx.Module("referral.service",
	fx.Provide(NewService),
)

var TaskModule = fx.Module("task.referral",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)
