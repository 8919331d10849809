package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/backend-paylink/internal/events"
)

// Task types.
const (
	TypeExpireDue      = "paylink:expire_due"
	TypeReconcileStale = "paylink:reconcile_stale"
	TypeDeliverEvent   = "paylink:deliver_event"
)

// Queue names and their processing weights.
const (
	QueueEvents      = "events"
	QueueMaintenance = "maintenance"
)

// Queues returns the weighted queue set served by the worker.
func Queues() map[string]int {
	return map[string]int{QueueEvents: 6, QueueMaintenance: 3}
}

// SweepPayload bounds one sweep run.
type SweepPayload struct {
	Limit int `json:"limit"`
}

// NewExpireDueTask builds a sweep that expires pending links past their expiry.
func NewExpireDueTask(limit int, every time.Duration) (*asynq.Task, error) {
	return newSweepTask(TypeExpireDue, limit, every)
}

// NewReconcileStaleTask builds a sweep that polls providers for old pending links.
func NewReconcileStaleTask(limit int, every time.Duration) (*asynq.Task, error) {
	return newSweepTask(TypeReconcileStale, limit, every)
}

func newSweepTask(kind string, limit int, every time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueMaintenance), asynq.MaxRetry(0)}
	if every > 0 {
		opts = append(opts, asynq.Unique(every), asynq.Timeout(every))
	}
	return asynq.NewTask(kind, payload, opts...), nil
}

// NewDeliverEventTask wraps a domain event for fan-out. The event id doubles
// as the task id so a retried schedule never delivers twice.
func NewDeliverEventTask(ev events.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return asynq.NewTask(TypeDeliverEvent, payload,
		asynq.TaskID(ev.ID),
		asynq.Queue(QueueEvents),
		asynq.MaxRetry(10),
		asynq.Retention(24*time.Hour),
	), nil
}
