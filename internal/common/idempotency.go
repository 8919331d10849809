package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	idemPending     = "pending"
	idemReplayedHdr = "Idempotent-Replayed"
)

// idemRecord is the stored outcome of the first successful request.
type idemRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Idem makes write endpoints honour the Idempotency-Key header. Keys are
// scoped to the authenticated owner and path. The first 2xx response is
// stored and replayed for later requests with the same key and body; a
// different body under the same key is refused. Failed attempts free the key.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

func (i Idem) key(r *http.Request, header string) string {
	owner, _ := OwnerID(r.Context())
	prefix := i.Prefix
	if prefix == "" {
		prefix = "paylink:"
	}
	return prefix + "idem:" + ScopedKey(owner, r.Method, r.URL.Path, header)
}

// Middleware wraps next.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(header) > 255 {
			JSONError(w, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "Idempotency-Key must be at most 255 characters", nil)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, NewAppError("INVALID_BODY", "request body could not be read", http.StatusBadRequest, err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := Sha256Hex(string(body))

		ctx := r.Context()
		key := i.key(r, header)
		acquired, err := i.R.SetNX(ctx, key, idemPending, ttl).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable", nil)
			return
		}
		if !acquired {
			i.replay(ctx, w, key, fingerprint)
			return
		}

		rec := &bodyCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		store := context.WithoutCancel(ctx)
		if rec.status < 200 || rec.status >= 300 {
			_ = i.R.Del(store, key).Err()
			return
		}
		encoded, err := json.Marshal(idemRecord{Fingerprint: fingerprint, Status: rec.status, Body: storedBody(rec.buf.Bytes())})
		if err != nil {
			_ = i.R.Del(store, key).Err()
			return
		}
		_ = i.R.Set(store, key, encoded, ttl).Err()
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key, fingerprint string) {
	raw, err := i.R.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "a request with this Idempotency-Key just finished; retry", nil)
		return
	case err != nil:
		JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable", nil)
		return
	case raw == idemPending:
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "a request with this Idempotency-Key is in progress", nil)
		return
	}
	var stored idemRecord
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	if stored.Fingerprint != fingerprint {
		JSONError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "Idempotency-Key was used with a different request body", nil)
		return
	}
	w.Header().Set(idemReplayedHdr, "true")
	if len(stored.Body) == 0 {
		w.WriteHeader(stored.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

// storedBody keeps JSON responses only.
func storedBody(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return b
}

type bodyCapture struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *bodyCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *bodyCapture) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}
