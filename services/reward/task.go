package reward

import (
	"context"

	"platform-economy/pkg/task"
	"platform-economy/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.reward",
	fx.Provide(
		fx.Annotate(NewLogFulfiller, fx.As(new(Fulfiller))),
		NewTask,
	),
	fx.Invoke(registerTaskHandlers),
)

// Fulfiller delivers a redeemed item. Delivery is owned by an external
// system; implementations must tolerate redelivery of the same payload.
type Fulfiller interface {
	Fulfill(ctx context.Context, p taskname.FulfillRedemptionPayload) error
}

type LogFulfiller struct{}

func NewLogFulfiller() *LogFulfiller {
	return &LogFulfiller{}
}

func (LogFulfiller) Fulfill(ctx context.Context, p taskname.FulfillRedemptionPayload) error {
	zap.L().Info("redemption handed to fulfillment",
		zap.String("user_id", p.UserID),
		zap.String("option_id", p.OptionID),
		zap.String("transaction_id", p.TransactionID),
		zap.String("fulfillment_type", p.FulfillmentType),
	)
	return nil
}

type Task struct {
	fulfiller Fulfiller
}

func NewTask(f Fulfiller) *Task {
	return &Task{fulfiller: f}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.RewardFulfillRedemption, t.HandleFulfillRedemption)
}

func (t *Task) HandleFulfillRedemption(ctx context.Context, at *asynq.Task) error {
	var payload taskname.FulfillRedemptionPayload
	if err := task.DecodePayload(at, &payload); err != nil {
		zap.L().Error("invalid fulfillment payload", zap.Error(err))
		return err
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.String("transaction_id", payload.TransactionID),
	)

	if err := t.fulfiller.Fulfill(ctx, payload); err != nil {
		zapLog.Error("fulfillment failed", zap.Error(err))
		return err
	}

	zapLog.Info("fulfillment done")
	return nil
}
