package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/gen"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/otelcol"
	"platform-economy/pkg/profiling"
	"platform-economy/pkg/redis"
	"platform-economy/pkg/sequence"
	"platform-economy/pkg/task"
	"platform-economy/services/commission"
	"platform-economy/services/ledger"
	"platform-economy/services/referral"
	"platform-economy/services/reward"
	outbox "platform-economy/services/task"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		gen.Module,
		outbox.Module,
		outbox.SchedulerModule,
		ledger.Module,
		reward.Module,
		reward.TaskModule,
		referral.Module,
		referral.TaskModule,
		commission.Module,
		commission.TaskModule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
