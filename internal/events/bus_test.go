package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/events"
	"github.com/noah-isme/backend-paylink/internal/paylink"
)

type captureScheduler struct {
	events []events.Event
	err    error
}

func (c *captureScheduler) Schedule(_ context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &events.MemoryStore{}
	scheduler := &captureScheduler{}
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     store,
		Scheduler: scheduler,
		Notifiers: []events.Notifier{notifier},
	}

	payload := events.NewLinkPayload(paylink.Link{ID: "pl_1", OwnerID: "owner-1", Amount: 1000, Currency: "JPY", Status: paylink.StatusPending}, "")
	ev, err := bus.Emit(context.Background(), events.TopicLinkCreated, "pl_1", payload)
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)
	require.Equal(t, []string{events.TopicLinkCreated}, store.Topics())
	require.Len(t, scheduler.events, 1)
	require.Len(t, notifier.events, 1)
	require.Equal(t, ev.ID, scheduler.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
	require.Equal(t, "pl_1", decoded["linkId"])
	require.EqualValues(t, 1000, decoded["amount"])
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: &events.MemoryStore{}}
	_, err := bus.Emit(context.Background(), "order.created", "pl_1", nil)
	require.ErrorIs(t, err, events.ErrUnknownTopic)
	_, err = bus.Emit(context.Background(), events.TopicLinkCreated, "", nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicLinkCreated, "pl_1", []byte("not json"))
	require.Error(t, err)

	require.Empty(t, bus.Store.(*events.MemoryStore).Events())

	var nilBus *events.Bus
	_, err = nilBus.Emit(context.Background(), events.TopicLinkCreated, "pl_1", nil)
	require.Error(t, err)
}

func TestEmitReturnsEventWhenSchedulingFails(t *testing.T) {
	store := &events.MemoryStore{}
	bus := events.Bus{Store: store, Scheduler: &captureScheduler{err: errors.New("queue down")}}
	ev, err := bus.Emit(context.Background(), events.TopicLinkFailed, "pl_1", nil)
	require.Error(t, err)
	require.Equal(t, events.TopicLinkFailed, ev.Topic)
	require.JSONEq(t, `{}`, string(ev.Payload))
	require.Len(t, store.Events(), 1)
}

func TestTopicForStatus(t *testing.T) {
	topic, ok := events.TopicForStatus(paylink.StatusExpired)
	require.True(t, ok)
	require.Equal(t, events.TopicLinkExpired, topic)
	_, ok = events.TopicForStatus(paylink.StatusPending)
	require.False(t, ok)
	require.Len(t, events.DefaultTopics(), 5)
}
