package commission

import "go.uber.org/fx"

var Module = fx.Module("commission.service",
	fx.Provide(NewService),
)

var TaskModule = fx.Module("task.commission",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)
