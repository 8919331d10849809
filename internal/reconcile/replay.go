package reconcile

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ReplayState is what a replay guard knows about a webhook body.
type ReplayState int

const (
	// ReplayFresh: the caller now owns the body and must Commit or Release it.
	ReplayFresh ReplayState = iota
	// ReplayInFlight: another delivery of the same body is being applied.
	ReplayInFlight
	// ReplayDone: the body was applied before.
	ReplayDone
)

// ReplayGuard claims a webhook body so exact redeliveries skip the store.
type ReplayGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReplayState, error)
	// Commit marks an acquired body as applied for ttl.
	Commit(ctx context.Context, key string, ttl time.Duration) error
	// Release forgets an acquired body so the next delivery is processed again.
	Release(ctx context.Context, key string) error
}

const (
	replayInFlight = "processing"
	replayDone     = "done"
)

// inFlightTTL bounds how long a crashed handler can hold a body.
const inFlightTTL = time.Minute

// RedisReplayGuard implements ReplayGuard using Redis SETNX semantics. A claim
// is stored as "processing" and becomes "done" only on Commit.
type RedisReplayGuard struct {
	Client *redis.Client
}

func (r RedisReplayGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (ReplayState, error) {
	if r.Client == nil {
		return ReplayFresh, nil
	}
	hold := inFlightTTL
	if ttl > 0 && ttl < hold {
		hold = ttl
	}
	ok, err := r.Client.SetNX(ctx, key, replayInFlight, hold).Result()
	if err != nil {
		return ReplayFresh, err
	}
	if ok {
		return ReplayFresh, nil
	}
	val, err := r.Client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// released or expired between the two calls
		return ReplayInFlight, nil
	case err != nil:
		return ReplayFresh, err
	case val == replayDone:
		return ReplayDone, nil
	default:
		return ReplayInFlight, nil
	}
}

func (r RedisReplayGuard) Commit(ctx context.Context, key string, ttl time.Duration) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Set(ctx, key, replayDone, ttl).Err()
}

func (r RedisReplayGuard) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, key).Err()
}
