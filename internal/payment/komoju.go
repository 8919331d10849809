package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	komojuAPI             = "https://komoju.com"
	komojuSignatureHeader = "X-Komoju-Signature"
)

var komojuCurrencies = newCurrencySet("JPY")

// Komoju implements Adapter on top of the KOMOJU Sessions API for konbini and
// bank transfer payments. Settlement can take days, hence the long grace window.
type Komoju struct {
	t *transport
}

// NewKomoju constructs the convenience-store / bank-transfer adapter.
func NewKomoju(opts Options) *Komoju {
	return &Komoju{t: newTransport(ProviderKomoju, opts, 5*time.Minute)}
}

func (k *Komoju) Provider() Provider                    { return ProviderKomoju }
func (k *Komoju) SupportsCurrency(currency string) bool { return komojuCurrencies.has(currency) }
func (k *Komoju) PollGrace() time.Duration              { return k.t.grace }

func (k *Komoju) ValidateCredentials(c Credentials) error {
	if err := requireValues(ProviderKomoju, c, "secret_key", CredentialWebhookSecret); err != nil {
		return err
	}
	key := c.Get("secret_key")
	if !strings.HasPrefix(key, "sk_") {
		return fmt.Errorf("%w: komoju secret_key must start with sk_", ErrInvalidCredentials)
	}
	if strings.HasPrefix(key, "sk_test_") != c.TestMode {
		return fmt.Errorf("%w: komoju key mode does not match test mode flag", ErrInvalidCredentials)
	}
	return nil
}

func (k *Komoju) decodeError(op string) errorDecoder {
	return func(status int, body []byte) error {
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		return rejected(ProviderKomoju, op, status, e.Error.Code, e.Error.Message)
	}
}

func (k *Komoju) request(ctx context.Context, c Credentials, method, path string, payload any) (*http.Request, error) {
	req, err := k.t.jsonRequest(ctx, method, k.t.base(c, komojuAPI, komojuAPI)+path, payload)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.Get("secret_key"), "")
	return req, nil
}

type komojuPayment struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ExternalOrderNum string `json:"external_order_num"`
	Session          string `json:"session"`
	CapturedAt       string `json:"captured_at"`
}

type komojuSession struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	SessionURL string         `json:"session_url"`
	Amount     int64          `json:"amount"`
	Currency   string         `json:"currency"`
	ExpiresAt  string         `json:"expires_at"`
	Payment    *komojuPayment `json:"payment"`
}

func (k *Komoju) CreateCharge(ctx context.Context, c Credentials, req ChargeRequest) (ChargeResponse, error) {
	if !k.SupportsCurrency(req.Currency) {
		return ChargeResponse{}, rejected(ProviderKomoju, "create_charge", 0, "unsupported_currency", NormalizeCurrency(req.Currency))
	}
	payload := map[string]any{
		"amount":             req.Amount,
		"currency":           "JPY",
		"return_url":         req.ReturnURLs.Success,
		"cancel_url":         req.ReturnURLs.Cancel,
		"payment_types":      []string{"konbini", "bank_transfer"},
		"external_order_num": req.LinkID,
		"metadata":           map[string]string{"payment_link_id": req.LinkID},
	}
	if req.Description != "" {
		payload["payment_data"] = map[string]any{"description": req.Description}
	}
	if req.ExpiresAt != nil {
		if secs := int64(req.ExpiresAt.Sub(k.t.now()).Seconds()); secs > 0 {
			payload["expires_in_seconds"] = secs
		}
	}
	httpReq, err := k.request(ctx, c, http.MethodPost, "/api/v1/sessions", payload)
	if err != nil {
		return ChargeResponse{}, err
	}
	httpReq.Header.Set("X-KOMOJU-IDEMPOTENCY", "paylink-"+req.LinkID)
	var session komojuSession
	if _, err := k.t.do(ctx, "create_charge", false, httpReq, &session, k.decodeError("create_charge")); err != nil {
		return ChargeResponse{}, err
	}
	if session.ID == "" || session.SessionURL == "" {
		return ChargeResponse{}, unavailable(ProviderKomoju, "create_charge", errors.New("session id or url missing"))
	}
	out := ChargeResponse{ProviderReferenceID: session.ID, PayURL: session.SessionURL}
	if exp := parseTime(session.ExpiresAt); !exp.IsZero() {
		out.ExpiresAt = &exp
	}
	return out, nil
}

func (k *Komoju) GetStatus(ctx context.Context, c Credentials, ref string) (StatusResult, error) {
	httpReq, err := k.request(ctx, c, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(ref), nil)
	if err != nil {
		return StatusResult{}, err
	}
	var session komojuSession
	raw, err := k.t.do(ctx, "get_status", true, httpReq, &session, k.decodeError("get_status"))
	if err != nil {
		return StatusResult{}, err
	}
	out := StatusResult{
		Status:                mapKomojuSession(session.Status),
		ProviderTransactionID: session.ID,
		Amount:                session.Amount,
		Currency:              NormalizeCurrency(session.Currency),
		OccurredAt:            k.t.now().UTC(),
		Raw:                   raw,
	}
	if session.Payment != nil && session.Payment.ID != "" {
		out.Status = mapKomojuPayment(session.Payment.Status)
		out.ProviderTransactionID = session.Payment.ID
		out.Amount = session.Payment.Amount
		out.Currency = NormalizeCurrency(session.Payment.Currency)
		if t := parseTime(session.Payment.CapturedAt); !t.IsZero() {
			out.OccurredAt = t
		}
	} else if out.Status == StatusSucceeded {
		// without the payment object the amount cannot be checked
		out.Status = StatusPending
	}
	return out, nil
}

func (k *Komoju) Cancel(ctx context.Context, c Credentials, ref string) error {
	httpReq, err := k.request(ctx, c, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(ref)+"/cancel", nil)
	if err != nil {
		return err
	}
	_, err = k.t.do(ctx, "cancel", false, httpReq, nil, k.decodeError("cancel"))
	return err
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the body.
func (k *Komoju) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	sig := headers.Get(komojuSignatureHeader)
	if secret == "" || sig == "" {
		return false
	}
	return equalHex(sig, hmacSHA256(secret, rawBody))
}

// ParseWebhookEvent maps payment.* events.
func (k *Komoju) ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var evt struct {
		ID        string        `json:"id"`
		Type      string        `json:"type"`
		CreatedAt string        `json:"created_at"`
		Data      komojuPayment `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Type == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	out := WebhookEvent{
		EventType:             evt.Type,
		ProviderReferenceID:   evt.Data.Session,
		ProviderTransactionID: evt.Data.ID,
		LinkID:                evt.Data.ExternalOrderNum,
		Amount:                evt.Data.Amount,
		Currency:              NormalizeCurrency(evt.Data.Currency),
		Status:                mapKomojuEvent(evt.Type),
		OccurredAt:            parseTime(evt.CreatedAt),
		Raw:                   rawBody,
	}
	if out.ProviderTransactionID == "" {
		out.ProviderTransactionID = evt.ID
	}
	if out.Status == StatusRefunded {
		// refunds reuse the payment id; keep them apart from the settlement
		out.ProviderTransactionID += ":refund"
	}
	return out, nil
}

func mapKomojuEvent(eventType string) CanonicalStatus {
	switch eventType {
	case "payment.captured":
		return StatusSucceeded
	case "payment.authorized", "payment.updated":
		return StatusPending
	case "payment.expired":
		return StatusExpired
	case "payment.cancelled":
		return StatusCancelled
	case "payment.failed":
		return StatusFailed
	case "payment.refunded":
		return StatusRefunded
	default:
		return StatusIgnored
	}
}

func mapKomojuPayment(status string) CanonicalStatus {
	switch status {
	case "captured":
		return StatusSucceeded
	case "expired":
		return StatusExpired
	case "cancelled":
		return StatusCancelled
	case "failed":
		return StatusFailed
	case "refunded":
		return StatusRefunded
	default:
		return StatusPending
	}
}

func mapKomojuSession(status string) CanonicalStatus {
	switch status {
	case "completed":
		return StatusSucceeded
	case "cancelled":
		return StatusCancelled
	default:
		return StatusPending
	}
}
