package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestQuotaIsScopedPerOwner(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	quota := Quota{Limiter: Limiter{Client: client, Prefix: "rl:"}, Scope: "links.create", Window: time.Minute, Max: 1}

	ctx := context.Background()
	if _, err := quota.Reserve(ctx, "owner-a"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := quota.Reserve(ctx, "owner-a"); !errors.Is(err, ErrLimited) {
		t.Fatalf("expected ErrLimited, got %v", err)
	}
	if _, err := quota.Reserve(ctx, "owner-b"); err != nil {
		t.Fatalf("other owner should have its own budget: %v", err)
	}
}

func TestPerIPRejectsWithEnvelope(t *testing.T) {
	store, err := NewStore(nil, "test")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mw, err := PerIP(store, "1-M")
	if err != nil {
		t.Fatalf("per ip: %v", err)
	}
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/stripe", nil)
	req.RemoteAddr = "203.0.113.7:4100"
	first := httptest.NewRecorder()
	h.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if got := second.Body.String(); !strings.Contains(got, "RATE_LIMITED") {
		t.Fatalf("unexpected body %q", got)
	}

	if _, err := PerIP(store, "nonsense"); err == nil {
		t.Fatal("expected malformed rate to be rejected")
	}
}
