package reconcile_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/events"
	"github.com/noah-isme/backend-paylink/internal/paylink"
	"github.com/noah-isme/backend-paylink/internal/payment"
	"github.com/noah-isme/backend-paylink/internal/reconcile"
	"github.com/noah-isme/backend-paylink/internal/vault"
)

const fakeSignatureHeader = "X-Fake-Signature"

// fakeAdapter stands in for a provider. Webhooks are JSON-encoded
// payment.WebhookEvent values signed by echoing the secret in a header.
type fakeAdapter struct {
	provider payment.Provider
	grace    time.Duration

	mu          sync.Mutex
	status      payment.StatusResult
	statusErr   error
	statusCalls int
	cancelErr   error
	cancelCalls int

	captured     payment.StatusResult
	captureErr   error
	captureCalls int
}

func (f *fakeAdapter) Provider() payment.Provider                    { return f.provider }
func (f *fakeAdapter) SupportsCurrency(string) bool                  { return true }
func (f *fakeAdapter) PollGrace() time.Duration                      { return f.grace }
func (f *fakeAdapter) ValidateCredentials(payment.Credentials) error { return nil }

func (f *fakeAdapter) CreateCharge(_ context.Context, _ payment.Credentials, req payment.ChargeRequest) (payment.ChargeResponse, error) {
	return payment.ChargeResponse{ProviderReferenceID: "ref_" + req.LinkID, PayURL: "https://pay.example/" + req.LinkID}, nil
}

func (f *fakeAdapter) GetStatus(context.Context, payment.Credentials, string) (payment.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.status, f.statusErr
}

func (f *fakeAdapter) Cancel(context.Context, payment.Credentials, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeAdapter) Capture(context.Context, payment.Credentials, string) (payment.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureCalls++
	return f.captured, f.captureErr
}

func (f *fakeAdapter) captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureCalls
}

func (f *fakeAdapter) VerifyWebhookSignature(_ []byte, headers http.Header, secret string) bool {
	return secret != "" && headers.Get(fakeSignatureHeader) == secret
}

func (f *fakeAdapter) ParseWebhookEvent(body []byte) (payment.WebhookEvent, error) {
	var ev payment.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return payment.WebhookEvent{}, payment.ErrMalformedEvent
	}
	return ev, nil
}

func (f *fakeAdapter) calls() (status, cancel int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.cancelCalls
}

type staticCredentials struct{}

func (staticCredentials) Credentials(_ context.Context, configID string) (payment.Credentials, error) {
	return payment.Credentials{ConfigID: configID, TestMode: true}, nil
}

type staticSecrets map[string]string

func (s staticSecrets) WebhookSecrets(_ context.Context, _ payment.Provider, configID string) ([]vault.WebhookSecret, error) {
	var out []vault.WebhookSecret
	for id, secret := range s {
		if configID == "" || configID == id {
			out = append(out, vault.WebhookSecret{ConfigID: id, Secret: secret})
		}
	}
	if configID != "" && len(out) == 0 {
		return nil, vault.ErrNotFound
	}
	return out, nil
}

type harness struct {
	store   *paylink.MemoryStore
	engine  *reconcile.Engine
	adapter *fakeAdapter
	outbox  *events.MemoryStore
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   paylink.NewMemoryStore(),
		adapter: &fakeAdapter{provider: payment.ProviderStripe, grace: 30 * time.Second},
		outbox:  &events.MemoryStore{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = reconcile.NewEngine(reconcile.Options{
		Store:       h.store,
		Registry:    payment.NewRegistry(h.adapter),
		Credentials: staticCredentials{},
		Emitter:     &events.Bus{Store: h.outbox},
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return h.now },
	})
	return h
}

// seed stores a pending link for 1000 JPY created a minute before now.
func (h *harness) seed(t *testing.T, id, ref string) paylink.Link {
	t.Helper()
	expires := h.now.Add(time.Hour)
	link := paylink.Link{
		ID:                  id,
		OwnerID:             "owner-1",
		Provider:            payment.ProviderStripe,
		ProviderConfigID:    "cfg-1",
		Amount:              1000,
		Currency:            "JPY",
		Status:              paylink.StatusPending,
		ProviderReferenceID: ref,
		ExpiresAt:           &expires,
		CreatedAt:           h.now.Add(-time.Minute),
		UpdatedAt:           h.now.Add(-time.Minute),
	}
	require.NoError(t, h.store.Create(context.Background(), link))
	return link
}

func (h *harness) txns(t *testing.T, id string) []paylink.Transaction {
	t.Helper()
	out, err := h.store.ListTransactions(context.Background(), id)
	require.NoError(t, err)
	return out
}

func (h *harness) link(t *testing.T, id string) paylink.Link {
	t.Helper()
	l, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return l
}

func webhookEvent(ref, txnID string, status payment.CanonicalStatus, amount int64) reconcile.Event {
	return reconcile.Event{
		WebhookEvent: payment.WebhookEvent{
			EventType:             "test." + string(status),
			ProviderReferenceID:   ref,
			ProviderTransactionID: txnID,
			Amount:                amount,
			Currency:              "JPY",
			Status:                status,
		},
		Provider: payment.ProviderStripe,
		Source:   reconcile.SourceWebhook,
	}
}
