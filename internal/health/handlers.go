package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paylink/internal/common"
)

var draining atomic.Bool

// SetReady toggles readiness. The API clears it before draining on shutdown
// so load balancers stop routing new checkouts here.
func SetReady(v bool) {
	draining.Store(!v)
}

// Checker probes the stores the API cannot serve without.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// VaultChecker reports whether stored provider credentials can be decrypted.
type VaultChecker interface {
	Ready(ctx context.Context) error
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	Checker      Checker
	Vault        VaultChecker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
	Logger       zerolog.Logger
}

// ReadyReport is the /health/ready body. Check values are "ok" or
// "unavailable"; failure detail goes to the log only.
type ReadyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live always answers 200 while the process is up.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready probes the database, Redis and the vault key in parallel.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, ReadyReport{Status: "draining"})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, ReadyReport{Status: "unconfigured"})
		return
	}

	ctx := r.Context()
	probes := map[string]func() error{
		"db":    func() error { return h.Checker.PingDB(ctx, orDefault(h.DBTimeout, 500*time.Millisecond)) },
		"redis": func() error { return h.Checker.PingRedis(ctx, orDefault(h.RedisTimeout, 300*time.Millisecond)) },
	}
	if h.Vault != nil {
		probes["vault"] = func() error { return h.Vault.Ready(ctx) }
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = ReadyReport{Status: "ready", Checks: make(map[string]string, len(probes))}
	)
	for name, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := probe()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Checks[name] = "unavailable"
				report.Status = "degraded"
				h.Logger.Warn().Err(err).Str("check", name).Msg("readiness_probe_failed")
				return
			}
			report.Checks[name] = "ok"
		}()
	}
	wg.Wait()

	code := http.StatusOK
	if report.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, report)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
