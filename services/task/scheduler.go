package task

import (
	"context"
	"time"

	"platform-economy/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service  *Service
	interval time.Duration
	stop     context.CancelFunc
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	interval := cfg.Outbox.DispatchInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{service: svc, interval: interval}
}

// StartScheduler runs the outbox dispatcher for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.stop = cancel
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if s.stop != nil {
				s.stop()
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started outbox dispatcher", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	for {
		sent, err := s.service.DispatchPending(ctx)
		if err != nil {
			zap.L().Error("[Scheduler] failed to dispatch outbox", zap.Error(err))
			return
		}
		if sent < s.service.batchSize || ctx.Err() != nil {
			if sent > 0 {
				zap.L().Info("[Scheduler] dispatched outbox jobs",
					zap.Int("sent", sent),
					zap.Duration("duration", time.Since(start)),
				)
			}
			return
		}
	}
}
