package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/pkg/jobs"
)

// TaskKind selects what a notification task delivers.
type TaskKind string

const (
	// TaskRoleFanout notifies every holder of Role about Request.
	TaskRoleFanout TaskKind = "role_fanout"
	// TaskStudentStatus notifies the request owner about a decision.
	TaskStudentStatus TaskKind = "student_status"
)

// NotificationTask is one unit of post-commit notification work. ID keeps the created
// notification ids stable so a retried task does not duplicate records.
type NotificationTask struct {
	ID       string
	Kind     TaskKind
	Role     models.UserRole
	Request  models.ODRequest
	Actor    models.UserRole
	Decision models.Decision
	Comments string
}

type notificationDeliverer interface {
	Deliver(ctx context.Context, task NotificationTask) error
}

// NotificationDispatcher hands notification tasks off after a workflow write commits.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, task NotificationTask) error
}

// InlineDispatcher delivers tasks synchronously on the caller's goroutine.
type InlineDispatcher struct {
	ledger notificationDeliverer
}

// NewInlineDispatcher constructs an InlineDispatcher.
func NewInlineDispatcher(ledger notificationDeliverer) *InlineDispatcher {
	return &InlineDispatcher{ledger: ledger}
}

// Dispatch delivers task immediately.
func (d *InlineDispatcher) Dispatch(ctx context.Context, task NotificationTask) error {
	return d.ledger.Deliver(ctx, task)
}

// QueueDispatcher delivers tasks on the background job queue with bounded retries.
type QueueDispatcher struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

const notificationJobType = "notification"

// NewQueueDispatcher builds the queue. The caller owns Start, Drain and Stop.
func NewQueueDispatcher(ledger notificationDeliverer, cfg jobs.QueueConfig, logger *zap.Logger) *QueueDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	if cfg.OnExhausted == nil {
		cfg.OnExhausted = func(job jobs.Job, err error) {
			logger.Error("notification task dropped", zap.String("job_id", job.ID), zap.Int("attempts", job.Attempt), zap.Error(err))
		}
	}
	handler := func(ctx context.Context, job jobs.Job) error {
		task, ok := job.Payload.(NotificationTask)
		if !ok {
			return fmt.Errorf("unexpected notification payload %T", job.Payload)
		}
		return ledger.Deliver(ctx, task)
	}
	return &QueueDispatcher{queue: jobs.NewQueue("notifications", handler, cfg), logger: logger}
}

// Queue exposes the underlying job queue for lifecycle management.
func (d *QueueDispatcher) Queue() *jobs.Queue {
	return d.queue
}

// Dispatch enqueues task; it fails only when the queue is full or stopped.
func (d *QueueDispatcher) Dispatch(_ context.Context, task NotificationTask) error {
	return d.queue.Enqueue(jobs.Job{ID: task.ID, Type: notificationJobType, Payload: task})
}
