package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/common"
)

func TestHandlerMiddlewareThrottlesPerClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	handler := Handler{
		Limiter: Limiter{Client: client, Prefix: "paylink:rl", Now: func() time.Time { return now }},
		Config: Config{
			Key:    func(r *http.Request) string { return "public_status:" + common.ClientIP(r) },
			Window: time.Minute,
			Max:    1,
		},
	}
	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/public/payment-links/pl_1/status", nil)
		req.RemoteAddr = ip + ":5555"
		rr := httptest.NewRecorder()
		counted.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusOK, request("10.0.0.1").Code)
	limited := request("10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "1", limited.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "60", limited.Header().Get("Retry-After"))
	require.Contains(t, limited.Body.String(), "RATE_LIMITED")

	require.Equal(t, http.StatusOK, request("10.0.0.2").Code)
}

func TestHandlerMiddlewareFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	var seen error
	handler := Handler{
		Limiter: Limiter{Client: client},
		Config: Config{
			Key:    func(*http.Request) string { return "err" },
			Window: time.Second,
			Max:    1,
		},
		OnError: func(err error) { seen = err },
	}
	counted := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Error(t, seen)
}
