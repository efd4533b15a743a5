package commission

import (
	"context"
	"encoding/json"
	"fmt"

	"platform-economy/pkg/task"
	"platform-economy/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Task struct {
	service *Service
}

func NewTask(svc *Service) *Task {
	return &Task{service: svc}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.CommissionAccrue, t.HandleCommissionAccrue)
}

func (t *Task) HandleCommissionAccrue(ctx context.Context, at *asynq.Task) error {
	var payload taskname.CommissionAccruePayload
	if err := task.DecodePayload(at, &payload); err != nil {
		zap.L().Error("invalid commission payload", zap.Error(err))
		return err
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.String("partner_id", payload.PartnerID),
		zap.String("source_id", payload.SourceID),
	)

	order, err := decimal.NewFromString(payload.OrderAmount)
	if err != nil {
		zapLog.Error("invalid order amount", zap.Error(err))
		return fmt.Errorf("order amount %q: %v: %w", payload.OrderAmount, err, asynq.SkipRetry)
	}
	discount := decimal.Zero
	if payload.Discount != "" {
		if discount, err = decimal.NewFromString(payload.Discount); err != nil {
			zapLog.Error("invalid discount", zap.Error(err))
			return fmt.Errorf("discount %q: %v: %w", payload.Discount, err, asynq.SkipRetry)
		}
	}

	meta, err := json.Marshal(map[string]string{
		"coupon_code": payload.CouponCode,
		"user_id":     payload.UserID,
	})
	if err != nil {
		return err
	}

	payment, err := t.service.AccrueCommission(ctx, AccrueParams{
		PartnerID:   payload.PartnerID,
		SourceID:    payload.SourceID,
		OrderAmount: order,
		Discount:    discount,
		Metadata:    datatypes.JSON(meta),
	})
	if err != nil {
		zapLog.Error("failed to accrue commission", zap.Error(err))
		return err
	}

	zapLog.Info("commission accrual handled",
		zap.String("payment_id", payment.ID),
		zap.String("amount", payment.Amount.String()),
	)
	return nil
}
