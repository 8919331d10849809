package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrLimited is returned when an owner has exhausted its quota.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Quota is a per-owner budget over a sliding window.
type Quota struct {
	Limiter Limiter
	Scope   string
	Window  time.Duration
	Max     int
}

// Reserve consumes one unit of ownerID's budget. It returns ErrLimited with
// the time the window frees up when the budget is spent.
func (q Quota) Reserve(ctx context.Context, ownerID string) (time.Time, error) {
	allowed, _, reset, err := q.Limiter.Allow(ctx, q.Scope+":"+ownerID, q.Window, q.Max)
	if err != nil {
		return reset, err
	}
	if !allowed {
		return reset, ErrLimited
	}
	return reset, nil
}
