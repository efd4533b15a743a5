package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/logger"

	// model registration
	_ "platform-economy/services/apikey"
	_ "platform-economy/services/commission"
	_ "platform-economy/services/coupon"
	_ "platform-economy/services/ledger"
	_ "platform-economy/services/referral"
	_ "platform-economy/services/reward"
	_ "platform-economy/services/task"
)

// migrate creates or updates every table and exits.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(db.Dialect, db.New),
		fx.Invoke(run),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	_ = app.Stop(ctx)
}

func run(gdb *gorm.DB) error {
	zap.L().Info("running migrations", zap.Int("models", len(db.Models())))
	if err := db.Migrate(gdb); err != nil {
		zap.L().Error("migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("migrations applied")
	return nil
}
