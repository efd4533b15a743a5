package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db/option"
	"platform-economy/pkg/db/pagination"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/repository"
	asynqtask "platform-economy/pkg/task"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 10
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer asynqtask.Enqueuer

	jobs repository.Repository[Job]

	batchSize   int
	maxAttempts int
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Enqueuer asynqtask.Enqueuer
}

func NewService(p Params) *Service {
	s := &Service{
		db:       p.DB,
		node:     p.Node,
		enqueuer: p.Enqueuer,

		jobs: repository.ProvideStore[Job](p.DB),

		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
	}
	if p.Config != nil {
		if p.Config.Outbox.BatchSize > 0 {
			s.batchSize = p.Config.Outbox.BatchSize
		}
		if p.Config.Outbox.MaxAttempts > 0 {
			s.maxAttempts = p.Config.Outbox.MaxAttempts
		}
	}
	return s
}

// Record stores a pending job inside tx. Recording the same key twice is a
// no-op.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, p RecordParams) error {
	if p.TaskType == "" || p.Key == "" {
		return errutil.BadRequest("task type and key are required", nil)
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", p.TaskType, err)
	}

	queue := p.Queue
	if queue == "" {
		queue = asynqtask.QueueDefault
	}

	job := &Job{
		ID:       s.node.Generate().String(),
		TaskType: p.TaskType,
		TaskKey:  p.Key,
		Queue:    queue,
		Payload:  payload,
		Status:   JobPending,
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_key"}}, DoNothing: true}).
		Create(job).Error
}

// DispatchKey hands a single recorded job to asynq. Callers use it right after
// commit; failures are left for the scheduler.
func (s *Service) DispatchKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	job, err := s.jobs.FindOne(ctx, &Job{TaskKey: key, Status: JobPending})
	if err != nil {
		zap.L().Warn("failed to load outbox job", zap.String("task_key", key), zap.Error(err))
		return
	}
	if job == nil {
		return
	}
	_ = s.dispatch(ctx, job)
}

// DispatchPending enqueues up to one batch of pending jobs, oldest first, and
// returns how many were handed off.
func (s *Service) DispatchPending(ctx context.Context) (int, error) {
	jobs, err := s.jobs.Find(ctx, &Job{Status: JobPending},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
		option.ApplyPagination(pagination.Pagination{Limit: s.batchSize}),
	)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := s.dispatch(ctx, job); err == nil {
			sent++
		}
	}
	return sent, nil
}

func (s *Service) dispatch(ctx context.Context, job *Job) error {
	t := asynq.NewTask(job.TaskType, job.Payload)
	_, err := s.enqueuer.Enqueue(ctx, t,
		asynq.TaskID(job.TaskKey),
		asynq.Queue(job.Queue),
		asynq.MaxRetry(25),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// an earlier attempt reached redis before its status update was lost
		err = nil
	}

	now := time.Now().UTC()
	updates := map[string]any{"attempts": job.Attempts + 1}
	if err != nil {
		updates["error_msg"] = err.Error()
		if job.Attempts+1 >= s.maxAttempts {
			updates["status"] = JobFailed
		}
	} else {
		updates["status"] = JobEnqueued
		updates["enqueued_at"] = now
		updates["error_msg"] = ""
	}

	if _, uerr := s.jobs.UpdateWhere(ctx, nil, updates, option.ApplyOperator(
		option.Condition{Field: "id", Operator: option.EQ, Value: job.ID},
		option.Condition{Field: "status", Operator: option.EQ, Value: JobPending},
	)); uerr != nil {
		zap.L().Error("failed to update outbox job", zap.String("job_id", job.ID), zap.Error(uerr))
	}

	if err != nil {
		zap.L().Warn("failed to enqueue outbox job",
			zap.String("job_id", job.ID),
			zap.String("task_type", job.TaskType),
			zap.Int("attempt", job.Attempts+1),
			zap.Error(err),
		)
		return err
	}

	zap.L().Info("enqueued outbox job",
		zap.String("job_id", job.ID),
		zap.String("task_type", job.TaskType),
		zap.String("task_key", job.TaskKey),
	)
	return nil
}

func (s *Service) GetJob(ctx context.Context, key string) (*Job, error) {
	if key == "" {
		return nil, errutil.NotFound("job not found", nil)
	}
	job, err := s.jobs.FindOne(ctx, &Job{TaskKey: key})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errutil.NotFound("job not found", nil)
	}
	return job, nil
}
