package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/events"
	"github.com/noah-isme/backend-paylink/internal/queue"
)

type fakeSweeper struct {
	expireLimit int
	staleLimit  int
	olderThan   time.Duration
	err         error
}

func (f *fakeSweeper) ExpireDue(_ context.Context, limit int) (int, error) {
	f.expireLimit = limit
	return 2, f.err
}

func (f *fakeSweeper) ReconcileStale(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.staleLimit = limit
	f.olderThan = olderThan
	return 1, f.err
}

type fakeDeliverer struct {
	got []events.Event
	err error
}

func (f *fakeDeliverer) Deliver(_ context.Context, ev events.Event) error {
	f.got = append(f.got, ev)
	return f.err
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, f.err
}

func TestSweepHandlersUsePayloadLimit(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := queue.Handlers{Sweeper: sweeper, StaleAfter: 15 * time.Minute, BatchSize: 50, Logger: zerolog.Nop()}

	task, err := queue.NewExpireDueTask(25, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.HandleExpireDue(context.Background(), task))
	require.Equal(t, 25, sweeper.expireLimit)

	require.NoError(t, h.HandleReconcileStale(context.Background(), asynq.NewTask(queue.TypeReconcileStale, nil)))
	require.Equal(t, 50, sweeper.staleLimit)
	require.Equal(t, 15*time.Minute, sweeper.olderThan)
}

func TestSweepHandlerReportsFailure(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	h := queue.Handlers{Sweeper: sweeper, Logger: zerolog.Nop()}

	task, err := queue.NewReconcileStaleTask(10, time.Minute)
	require.NoError(t, err)
	require.ErrorContains(t, h.HandleReconcileStale(context.Background(), task), "db down")
}

func TestDeliverEventHandler(t *testing.T) {
	deliverer := &fakeDeliverer{}
	h := queue.Handlers{Deliverer: deliverer, Logger: zerolog.Nop()}

	ev := events.Event{ID: "ev-1", Topic: events.TopicLinkSucceeded, AggregateID: "pl_1", Payload: json.RawMessage(`{"linkId":"pl_1"}`)}
	task, err := queue.NewDeliverEventTask(ev)
	require.NoError(t, err)
	require.Equal(t, queue.TypeDeliverEvent, task.Type())
	require.NoError(t, h.HandleDeliverEvent(context.Background(), task))
	require.Len(t, deliverer.got, 1)
	require.Equal(t, "ev-1", deliverer.got[0].ID)
	require.JSONEq(t, `{"linkId":"pl_1"}`, string(deliverer.got[0].Payload))

	err = h.HandleDeliverEvent(context.Background(), asynq.NewTask(queue.TypeDeliverEvent, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPublisherTreatsDuplicateScheduleAsDone(t *testing.T) {
	client := &fakeEnqueuer{}
	pub := queue.Publisher{Client: client}
	ev := events.Event{ID: "ev-9", Topic: events.TopicLinkCreated, AggregateID: "pl_9", Payload: json.RawMessage(`{}`)}

	require.NoError(t, pub.Schedule(context.Background(), ev))
	require.Len(t, client.tasks, 1)
	require.Equal(t, queue.TypeDeliverEvent, client.tasks[0].Type())

	client.err = asynq.ErrTaskIDConflict
	require.NoError(t, pub.Schedule(context.Background(), ev))

	client.err = errors.New("redis unavailable")
	require.Error(t, pub.Schedule(context.Background(), ev))
}
