package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPublisher publishes events on a Redis channel per topic so dashboard
// and notification consumers can subscribe with a pattern.
type RedisPublisher struct {
	Client *redis.Client
	Prefix string
}

// Channel returns the channel an event for topic is published on.
func (p RedisPublisher) Channel(topic string) string {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "paylink:events"
	}
	return prefix + ":" + topic
}

func (p RedisPublisher) Notify(ctx context.Context, ev Event) error {
	if p.Client == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Channel(ev.Topic), raw).Err()
}

// LogNotifier writes one structured line per event.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, ev Event) error {
	l.Logger.Info().
		Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		Str("aggregate_id", ev.AggregateID).
		Msg("domain_event")
	return nil
}

// Fanout delivers an event to every notifier and reports the joined failures.
type Fanout []Notifier

func (f Fanout) Deliver(ctx context.Context, ev Event) error {
	var joined error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			joined = errors.Join(joined, fmt.Errorf("deliver %s: %w", ev.Topic, err))
		}
	}
	return joined
}
