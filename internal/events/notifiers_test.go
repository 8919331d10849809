package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/events"
)

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, events.Event) error { return errors.New("boom") }

func TestRedisPublisherPublishesPerTopic(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := client.PSubscribe(ctx, "paylink:events:*")
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	pub := events.RedisPublisher{Client: client}
	ev := events.Event{ID: "ev-1", Topic: events.TopicLinkSucceeded, AggregateID: "pl_1", Payload: json.RawMessage(`{}`)}
	require.NoError(t, pub.Notify(ctx, ev))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "paylink:events:link.succeeded", msg.Channel)
	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	require.Equal(t, "ev-1", got.ID)
}

func TestFanoutJoinsFailures(t *testing.T) {
	capture := &captureNotifier{}
	fan := events.Fanout{capture, failingNotifier{}, nil}

	err := fan.Deliver(context.Background(), events.Event{ID: "ev-2", Topic: events.TopicLinkFailed})
	require.ErrorContains(t, err, "boom")
	require.Len(t, capture.events, 1)
}
