package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paylink/internal/events"
	"github.com/noah-isme/backend-paylink/internal/obs"
)

// Sweeper runs the engine's background passes.
type Sweeper interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
	ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Deliverer fans an event out to its consumers.
type Deliverer interface {
	Deliver(ctx context.Context, ev events.Event) error
}

// Handlers processes every task type the worker serves.
type Handlers struct {
	Sweeper    Sweeper
	Deliverer  Deliverer
	StaleAfter time.Duration
	BatchSize  int
	Logger     zerolog.Logger
}

// Register mounts the handlers on mux.
func (h Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeExpireDue, h.HandleExpireDue)
	mux.HandleFunc(TypeReconcileStale, h.HandleReconcileStale)
	mux.HandleFunc(TypeDeliverEvent, h.HandleDeliverEvent)
}

func (h Handlers) limit(t *asynq.Task) (int, error) {
	var p SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return 0, fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
	}
	if p.Limit <= 0 {
		p.Limit = h.BatchSize
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	return p.Limit, nil
}

func (h Handlers) HandleExpireDue(ctx context.Context, t *asynq.Task) error {
	limit, err := h.limit(t)
	if err != nil {
		return h.done(t, err)
	}
	moved, err := h.Sweeper.ExpireDue(ctx, limit)
	obs.Add(obs.TaskSweptTotal, float64(moved), t.Type())
	h.Logger.Info().Int("moved", moved).Err(err).Msg("expiry_sweep_finished")
	return h.done(t, err)
}

func (h Handlers) HandleReconcileStale(ctx context.Context, t *asynq.Task) error {
	limit, err := h.limit(t)
	if err != nil {
		return h.done(t, err)
	}
	after := h.StaleAfter
	if after <= 0 {
		after = 10 * time.Minute
	}
	settled, err := h.Sweeper.ReconcileStale(ctx, after, limit)
	obs.Add(obs.TaskSweptTotal, float64(settled), t.Type())
	h.Logger.Info().Int("settled", settled).Err(err).Msg("stale_reconcile_finished")
	return h.done(t, err)
}

func (h Handlers) HandleDeliverEvent(ctx context.Context, t *asynq.Task) error {
	var ev events.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return h.done(t, fmt.Errorf("decode event: %v: %w", err, asynq.SkipRetry))
	}
	err := h.Deliverer.Deliver(ctx, ev)
	if err != nil {
		retry, _ := asynq.GetRetryCount(ctx)
		h.Logger.Warn().Err(err).Str("event_id", ev.ID).Str("topic", ev.Topic).Int("retry", retry).Msg("event_delivery_failed")
	}
	return h.done(t, err)
}

func (h Handlers) done(t *asynq.Task, err error) error {
	status := "success"
	if err != nil {
		status = "error"
	}
	obs.Inc(obs.TaskProcessedTotal, t.Type(), status)
	return err
}
