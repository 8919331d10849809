package queue

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-paylink/internal/events"
)

// Enqueuer is the part of asynq.Client the publisher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher schedules domain event delivery on the worker.
type Publisher struct {
	Client Enqueuer
}

// Schedule implements events.DeliveryScheduler.
func (p Publisher) Schedule(ctx context.Context, ev events.Event) error {
	if p.Client == nil {
		return errors.New("queue: task client not configured")
	}
	task, err := NewDeliverEventTask(ev)
	if err != nil {
		return err
	}
	if _, err := p.Client.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}
