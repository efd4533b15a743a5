package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/gen"
	"platform-economy/pkg/health"
	"platform-economy/pkg/httpapi"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/otelcol"
	"platform-economy/pkg/profiling"
	"platform-economy/pkg/redis"
	"platform-economy/pkg/sequence"
	"platform-economy/pkg/server"
	"platform-economy/pkg/task"
	"platform-economy/services/apikey"
	"platform-economy/services/commission"
	"platform-economy/services/coupon"
	"platform-economy/services/ledger"
	"platform-economy/services/referral"
	"platform-economy/services/reward"
	"platform-economy/services/statistics"
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
		sequence.Module,
		health.Module,
		gen.Module,
		outbox.Module,
		ledger.Module,
		reward.Module,
		referral.Module,
		coupon.Module,
		commission.Module,
		statistics.Module,
		apikey.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
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
