package task

import (
	"go.uber.org/fx"
)

// Module provides the outbox service. Producers only need this one.
var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
	),
)

// SchedulerModule runs the dispatcher; wired into the worker process.
var SchedulerModule = fx.Module("task.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)
