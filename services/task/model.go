package task

import (
	"time"

	"platform-economy/pkg/db"

	"gorm.io/datatypes"
)

func init() {
	db.RegisterModels(&Job{})
}

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobEnqueued JobStatus = "enqueued"
	JobFailed   JobStatus = "failed"
)

// Job is an outbox row: a background task recorded in the same transaction
// as the state change that requires it, then handed to asynq.
type Job struct {
	ID         string         `gorm:"column:id;primaryKey"`
	TaskType   string         `gorm:"column:task_type;type:varchar(100);not null"`
	TaskKey    string         `gorm:"column:task_key;uniqueIndex;type:varchar(191);not null"`
	Queue      string         `gorm:"column:queue;type:varchar(50)"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	Status     JobStatus      `gorm:"column:status;type:varchar(20);index;not null"`
	Attempts   int            `gorm:"column:attempts;not null;default:0"`
	ErrorMsg   string         `gorm:"column:error_msg;type:text"`
	EnqueuedAt *time.Time     `gorm:"column:enqueued_at"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// RecordParams describes a task to record. Key is the asynq TaskID, so a
// key is enqueued at most once.
type RecordParams struct {
	TaskType string
	Key      string
	Queue    string
	Payload  any
}
