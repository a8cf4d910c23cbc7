package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const TypeDeliver = "notify:deliver"

const maxDeliveryRetries = 5

// Enqueuer is the part of *asynq.Client the queued sink needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewDeliverTask wraps ev in a task for the notify worker.
func NewDeliverTask(ev Event) (*asynq.Task, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeliver, b, asynq.MaxRetry(maxDeliveryRetries)), nil
}

// QueueSink hands events to the asynq queue; the notify worker posts them.
type QueueSink struct {
	queue Enqueuer
	log   *zap.Logger
}

func NewQueueSink(queue Enqueuer, log *zap.Logger) *QueueSink {
	return &QueueSink{queue: queue, log: log}
}

func (s *QueueSink) Notify(ctx context.Context, ev Event) {
	task, err := NewDeliverTask(ev)
	if err != nil {
		s.log.Error("failed to build notification task", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}
	if _, err := s.queue.EnqueueContext(ctx, task); err != nil {
		s.log.Warn("failed to enqueue notification",
			zap.String("event_type", ev.Type),
			zap.String("record_id", ev.RecordID),
			zap.Error(err),
		)
	}
}

// NewDeliveryHandler returns the worker handler for TypeDeliver tasks.
// Delivery errors are returned so asynq retries the task.
func NewDeliveryHandler(webhook *WebhookSink, log *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var ev Event
		if err := json.Unmarshal(task.Payload(), &ev); err != nil {
			log.Error("invalid notification payload", zap.Error(err))
			return fmt.Errorf("decode event: %v: %w", err, asynq.SkipRetry)
		}

		if err := webhook.Deliver(ctx, ev); err != nil {
			log.Warn("notification delivery failed",
				zap.String("event_type", ev.Type),
				zap.String("record_id", ev.RecordID),
				zap.Error(err),
			)
			return err
		}

		log.Debug("notification delivered", zap.String("event_type", ev.Type), zap.String("record_id", ev.RecordID))
		return nil
	}
}
