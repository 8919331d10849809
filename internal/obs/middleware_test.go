package obs_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/obs"
)

func TestHTTPMetricsUseRoutePattern(t *testing.T) {
	metrics := obs.NewHTTPMetrics("paylink", []float64{1, 10}, prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(obs.HTTPObs{Metrics: metrics}.Middleware)
	r.Get("/api/v1/payment-links/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/payment-links/pl_123", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "/api/v1/payment-links/{id}", "2xx")))
	require.NotZero(t, testutil.CollectAndCount(metrics.Latency))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues(http.MethodGet, "unmatched", "4xx")))
}

func TestNewHTTPMetricsReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("paylink", nil, reg)
	second := obs.NewHTTPMetrics("paylink", nil, reg)
	require.Same(t, first.Requests, second.Requests)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", obs.StatusClass(http.StatusAccepted))
	require.Equal(t, "5xx", obs.StatusClass(http.StatusBadGateway))
	require.Equal(t, "other", obs.StatusClass(0))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 50, 500}, obs.ParseBucketsCSV("500, 5,x,-1, 50,5"))
	require.Empty(t, obs.ParseBucketsCSV(""))
}
