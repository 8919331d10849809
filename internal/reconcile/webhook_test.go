package reconcile_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/common"
	"github.com/noah-isme/backend-paylink/internal/paylink"
	"github.com/noah-isme/backend-paylink/internal/payment"
	"github.com/noah-isme/backend-paylink/internal/reconcile"
)

func newWebhookRouter(t *testing.T, h *harness, secrets staticSecrets) http.Handler {
	t.Helper()
	router, _ := newWebhookRouterWithRedis(t, h, secrets)
	return router
}

func newWebhookRouterWithRedis(t *testing.T, h *harness, secrets staticSecrets) (http.Handler, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	wh := reconcile.Webhook{
		Engine:        h.engine,
		Registry:      payment.NewRegistry(h.adapter),
		Secrets:       secrets,
		Replay:        reconcile.RedisReplayGuard{Client: client},
		ReplayTTL:     time.Hour,
		PublicBaseURL: "https://paylink.example",
		MaxBodyBytes:  1024,
		Logger:        zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Route("/webhooks/payment", wh.Routes)
	return r, mr
}

func postWebhook(t *testing.T, router http.Handler, path, signature string, ev payment.WebhookEvent) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(fakeSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func capture(ref, txnID string) payment.WebhookEvent {
	return payment.WebhookEvent{
		EventType:             "charge.captured",
		ProviderReferenceID:   ref,
		ProviderTransactionID: txnID,
		Amount:                1000,
		Currency:              "JPY",
		Status:                payment.StatusSucceeded,
	}
}

func TestWebhookAppliesVerifiedEventOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "pl_wh", "cs_wh")
	router := newWebhookRouter(t, h, staticSecrets{"cfg-1": "whsec_1"})

	rec := postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", capture("cs_wh", "T1"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, paylink.StatusSucceeded, h.link(t, "pl_wh").Status)

	rec = postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", capture("cs_wh", "T1"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.txns(t, "pl_wh"), 1)
}

func TestWebhookRejectsBadSignatureBeforeParsing(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "pl_sig", "cs_sig")
	router := newWebhookRouter(t, h, staticSecrets{"cfg-1": "whsec_1"})

	rec := postWebhook(t, router, "/webhooks/payment/stripe", "whsec_wrong", capture("cs_sig", "T1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "INVALID_SIGNATURE")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/stripe", strings.NewReader("not json"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, paylink.StatusPending, h.link(t, "pl_sig").Status)
}

func TestWebhookUnknownProvider(t *testing.T) {
	h := newHarness(t)
	router := newWebhookRouter(t, h, staticSecrets{"cfg-1": "whsec_1"})

	rec := postWebhook(t, router, "/webhooks/payment/venmo", "whsec_1", capture("x", "y"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookOversizedBody(t *testing.T) {
	h := newHarness(t)
	router := newWebhookRouter(t, h, staticSecrets{"cfg-1": "whsec_1"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/stripe", strings.NewReader(strings.Repeat("a", 4096)))
	req.Header.Set(fakeSignatureHeader, "whsec_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhookConfigRouting(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "pl_cfg", "cs_cfg")
	router := newWebhookRouter(t, h, staticSecrets{"cfg-1": "whsec_1", "cfg-2": "whsec_2"})

	// cfg-2's secret is valid for its own route but the link belongs to cfg-1.
	rec := postWebhook(t, router, "/webhooks/payment/stripe/cfg-2", "whsec_2", capture("cs_cfg", "T1"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, paylink.StatusPending, h.link(t, "pl_cfg").Status)

	rec = postWebhook(t, router, "/webhooks/payment/stripe/cfg-2", "whsec_1", capture("cs_cfg", "T1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(t, router, "/webhooks/payment/stripe/cfg-9", "whsec_1", capture("cs_cfg", "T1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(t, router, "/webhooks/payment/stripe/cfg-1", "whsec_1", capture("cs_cfg", "T1"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, paylink.StatusSucceeded, h.link(t, "pl_cfg").Status)
}

func TestWebhookOrphanAndMalformedAreAcknowledged(t *testing.T) {
	h := newHarness(t)
	router := newWebhookRouter(t, h, staticSecrets{"cfg-1": "whsec_1"})

	rec := postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", capture("cs_nobody", "T1"))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/stripe", strings.NewReader("{broken"))
	req.Header.Set(fakeSignatureHeader, "whsec_1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func replayKey(t *testing.T, configID string, ev payment.WebhookEvent) string {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return "paylink:whreplay:" + common.Sha256Hex("stripe|"+configID+"|"+string(body))
}

func TestWebhookIdenticalDeliveryInFlightIsRetried(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "pl_race", "cs_race")
	router, mr := newWebhookRouterWithRedis(t, h, staticSecrets{"cfg-1": "whsec_1"})
	ev := capture("cs_race", "T1")
	key := replayKey(t, "cfg-1", ev)

	// another request holds the body and has not committed yet
	require.NoError(t, mr.Set(key, "processing"))
	rec := postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", ev)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "WEBHOOK_IN_PROGRESS")
	require.Equal(t, paylink.StatusPending, h.link(t, "pl_race").Status)

	// that request failed and released the body; the redelivery applies it
	mr.Del(key)
	rec = postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", ev)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, paylink.StatusSucceeded, h.link(t, "pl_race").Status)

	stored, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "done", stored)

	rec = postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", ev)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.txns(t, "pl_race"), 1)
}

func TestWebhookFailedApplyReleasesBody(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "pl_fail", "ORDER-F")
	h.adapter.captureErr = &payment.ProviderError{Provider: payment.ProviderStripe, Op: "capture", Retryable: true}
	router, mr := newWebhookRouterWithRedis(t, h, staticSecrets{"cfg-1": "whsec_1"})
	ev := payment.WebhookEvent{EventType: "order.approved", ProviderReferenceID: "ORDER-F", Status: payment.StatusPending, CaptureRequired: true}

	rec := postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", ev)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, mr.Exists(replayKey(t, "cfg-1", ev)))
	require.Equal(t, paylink.StatusPending, h.link(t, "pl_fail").Status)
}

func TestWebhookApprovalCapturesCharge(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "pl_approved", "ORDER-A")
	h.adapter.captured = payment.StatusResult{Status: payment.StatusSucceeded, ProviderTransactionID: "CAP-A", Amount: 1000, Currency: "JPY"}
	router := newWebhookRouter(t, h, staticSecrets{"cfg-1": "whsec_1"})

	ev := payment.WebhookEvent{EventType: "order.approved", ProviderReferenceID: "ORDER-A", Status: payment.StatusPending, CaptureRequired: true}
	rec := postWebhook(t, router, "/webhooks/payment/stripe", "whsec_1", ev)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, paylink.StatusSucceeded, h.link(t, "pl_approved").Status)
	require.Equal(t, 1, h.adapter.captures())

	txns := h.txns(t, "pl_approved")
	require.Len(t, txns, 1)
	require.Equal(t, "CAP-A", txns[0].ProviderTransactionID)
}
