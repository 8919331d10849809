package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/health"
)

type stubChecker struct {
	dbErr    error
	redisErr error
}

func (s stubChecker) PingDB(context.Context, time.Duration) error    { return s.dbErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error { return s.redisErr }

type vaultStub struct{ err error }

func (v vaultStub) Ready(context.Context) error { return v.err }

func ready(t *testing.T, h health.Handler) (int, health.ReadyReport) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var report health.ReadyReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	return rr.Code, report
}

func TestLive(t *testing.T) {
	rr := httptest.NewRecorder()
	health.Handler{}.Live(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestReadyAllChecksPass(t *testing.T) {
	code, report := ready(t, health.Handler{Checker: stubChecker{}, Vault: vaultStub{}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", report.Status)
	require.Equal(t, map[string]string{"db": "ok", "redis": "ok", "vault": "ok"}, report.Checks)
}

func TestReadyHidesProbeErrors(t *testing.T) {
	h := health.Handler{Checker: stubChecker{dbErr: errors.New("dial tcp 10.0.0.5:5432: refused")}}
	code, report := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "degraded", report.Status)
	require.Equal(t, "unavailable", report.Checks["db"])
	require.Equal(t, "ok", report.Checks["redis"])
}

func TestReadyReportsVaultKey(t *testing.T) {
	h := health.Handler{Checker: stubChecker{}, Vault: vaultStub{err: errors.New("VAULT_KEY missing")}}
	code, report := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unavailable", report.Checks["vault"])
	require.Equal(t, "ok", report.Checks["db"])
}

func TestReadyWhileDraining(t *testing.T) {
	t.Cleanup(func() { health.SetReady(true) })
	h := health.Handler{Checker: stubChecker{}}

	code, _ := ready(t, h)
	require.Equal(t, http.StatusOK, code)

	health.SetReady(false)
	code, report := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "draining", report.Status)
}

func TestReadyWithoutChecker(t *testing.T) {
	code, report := ready(t, health.Handler{})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unconfigured", report.Status)
}
