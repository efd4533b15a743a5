package referral

import (
	"context"
	"errors"

	"platform-economy/pkg/errutil"
	"platform-economy/pkg/task"
	"platform-economy/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Task struct {
	service *Service
}

func NewTask(svc *Service) *Task {
	return &Task{service: svc}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.SubscriptionActivated, t.HandleSubscriptionActivated)
}

// HandleSubscriptionActivated records the activation and settles the user's
// referral if they were referred.
func (t *Task) HandleSubscriptionActivated(ctx context.Context, at *asynq.Task) error {
	var payload taskname.SubscriptionActivatedPayload
	if err := task.DecodePayload(at, &payload); err != nil {
		zap.L().Error("invalid subscription payload", zap.Error(err))
		return err
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.String("user_id", payload.UserID),
		zap.String("subscription_id", payload.SubscriptionID),
	)

	if err := t.service.RecordActivation(ctx, payload.UserID, payload.SubscriptionID); err != nil {
		zapLog.Error("failed to record activation", zap.Error(err))
		return err
	}

	res, err := t.service.CheckReferralCompletion(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, errutil.ErrNotFound) {
			zapLog.Debug("user was not referred")
			return nil
		}
		zapLog.Error("failed to check referral completion", zap.Error(err))
		return err
	}

	zapLog.Info("referral checked",
		zap.String("referral_id", res.Referral.ID),
		zap.Bool("completed", res.Completed),
	)
	return nil
}
