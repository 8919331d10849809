package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownTopic is returned by Emit for topics outside the link lifecycle.
var ErrUnknownTopic = errors.New("events: unknown topic")

// Event is a persisted domain event.
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventStore appends domain events.
type EventStore interface {
	InsertDomainEvent(ctx context.Context, ev Event) (Event, error)
}

// DeliveryScheduler queues an event for the worker.
type DeliveryScheduler interface {
	Schedule(ctx context.Context, ev Event) error
}

// Notifier handles an event in-process.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Bus records link lifecycle events and hands them on. Callers emit after
// their state change has committed; a lost event never rolls the link back.
type Bus struct {
	Store     EventStore
	Scheduler DeliveryScheduler
	Notifiers []Notifier
	Now       func() time.Time
}

// Emit stores the event, then schedules and notifies. The stored event is
// returned even when hand-off fails, with the hand-off errors joined.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (Event, error) {
	if b == nil || b.Store == nil {
		return Event{}, errors.New("events: store not configured")
	}
	if !slices.Contains(DefaultTopics(), topic) {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateID == "" {
		return Event{}, errors.New("events: aggregate id is required")
	}
	body, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode %s payload: %w", topic, err)
	}

	occurred := time.Now()
	if b.Now != nil {
		occurred = b.Now()
	}
	ev, err := b.Store.InsertDomainEvent(ctx, Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     body,
		OccurredAt:  occurred.UTC(),
	})
	if err != nil {
		return Event{}, fmt.Errorf("events: persist %s: %w", topic, err)
	}

	var errs []error
	if b.Scheduler != nil {
		if err := b.Scheduler.Schedule(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: schedule %s: %w", ev.ID, err))
		}
	}
	for _, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: notify %s: %w", ev.ID, err))
		}
	}
	return ev, errors.Join(errs...)
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return json.Marshal(v)
	}
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid json")
	}
	return append(json.RawMessage(nil), raw...), nil
}
