package reconcile_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/reconcile"
)

func TestRedisReplayGuardStates(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	guard := reconcile.RedisReplayGuard{Client: client}
	ctx := context.Background()

	state, err := guard.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.Equal(t, reconcile.ReplayFresh, state)
	require.LessOrEqual(t, mr.TTL("k"), time.Minute)

	state, err = guard.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.Equal(t, reconcile.ReplayInFlight, state)

	require.NoError(t, guard.Commit(ctx, "k", time.Hour))
	require.Equal(t, time.Hour, mr.TTL("k"))
	state, err = guard.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.Equal(t, reconcile.ReplayDone, state)

	require.NoError(t, guard.Release(ctx, "k"))
	state, err = guard.Acquire(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.Equal(t, reconcile.ReplayFresh, state)
}

func TestRedisReplayGuardWithoutClient(t *testing.T) {
	guard := reconcile.RedisReplayGuard{}
	state, err := guard.Acquire(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	require.Equal(t, reconcile.ReplayFresh, state)
	require.NoError(t, guard.Commit(context.Background(), "k", time.Hour))
}
