package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterAllowSlidingWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := Limiter{Client: client, Prefix: "test", Now: func() time.Time { return now }}

	ctx := context.Background()
	window := time.Minute
	max := 2

	for i := 0; i < max; i++ {
		allowed, remaining, _, err := limiter.Allow(ctx, "owner-1", window, max)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
		if remaining != max-(i+1) {
			t.Fatalf("unexpected remaining: %d", remaining)
		}
		now = now.Add(10 * time.Second)
	}

	allowed, remaining, reset, err := limiter.Allow(ctx, "owner-1", window, max)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("expected third request to be rejected")
	}
	if remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", remaining)
	}
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !reset.Equal(first.Add(window)) {
		t.Fatalf("expected reset when the first hit ages out, got %s", reset)
	}

	// Rejections do not extend the lockout.
	now = first.Add(window + time.Second)
	allowed, _, _, err = limiter.Allow(ctx, "owner-1", window, max)
	if err != nil {
		t.Fatalf("allow after window: %v", err)
	}
	if !allowed {
		t.Fatal("expected request after the oldest hit aged out to be allowed")
	}

	if !mr.Exists("test:owner-1") {
		t.Fatal("expected prefixed key")
	}
}

func TestLimiterWithoutClientAllows(t *testing.T) {
	allowed, remaining, _, err := Limiter{}.Allow(context.Background(), "k", time.Second, 3)
	if err != nil || !allowed || remaining != 3 {
		t.Fatalf("expected pass-through, got allowed=%v remaining=%d err=%v", allowed, remaining, err)
	}
}
