package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	stripeAPI             = "https://api.stripe.com"
	stripeSignatureHeader = "Stripe-Signature"
	stripeTolerance       = 5 * time.Minute
	// Checkout Sessions must expire between 30 minutes and 24 hours after creation.
	stripeMinSessionTTL = 30 * time.Minute
	stripeMaxSessionTTL = 24 * time.Hour
)

var stripeCurrencies = newCurrencySet("JPY", "USD", "EUR", "GBP", "AUD", "CAD", "SGD")

// Stripe implements Adapter on top of Checkout Sessions.
type Stripe struct {
	t *transport
}

// NewStripe constructs the card-processor adapter.
func NewStripe(opts Options) *Stripe {
	return &Stripe{t: newTransport(ProviderStripe, opts, 30*time.Second)}
}

func (s *Stripe) Provider() Provider                    { return ProviderStripe }
func (s *Stripe) SupportsCurrency(currency string) bool { return stripeCurrencies.has(currency) }
func (s *Stripe) PollGrace() time.Duration              { return s.t.grace }

// ValidateCredentials checks key presence and that the key mode matches the config mode.
func (s *Stripe) ValidateCredentials(c Credentials) error {
	if err := requireValues(ProviderStripe, c, "secret_key", CredentialWebhookSecret); err != nil {
		return err
	}
	key := c.Get("secret_key")
	if !strings.HasPrefix(key, "sk_") && !strings.HasPrefix(key, "rk_") {
		return fmt.Errorf("%w: stripe secret_key must start with sk_ or rk_", ErrInvalidCredentials)
	}
	isTestKey := strings.Contains(key, "_test_")
	if isTestKey != c.TestMode {
		return fmt.Errorf("%w: stripe key mode does not match test mode flag", ErrInvalidCredentials)
	}
	if pk := c.Get("publishable_key"); pk != "" && !strings.HasPrefix(pk, "pk_") {
		return fmt.Errorf("%w: stripe publishable_key must start with pk_", ErrInvalidCredentials)
	}
	return nil
}

type stripeSession struct {
	ID                string          `json:"id"`
	URL               string          `json:"url"`
	Status            string          `json:"status"`
	PaymentStatus     string          `json:"payment_status"`
	AmountTotal       int64           `json:"amount_total"`
	Currency          string          `json:"currency"`
	ClientReferenceID string          `json:"client_reference_id"`
	ExpiresAt         int64           `json:"expires_at"`
	Created           int64           `json:"created"`
	PaymentIntent     json.RawMessage `json:"payment_intent"`
}

// paymentIntentID accepts both the collapsed id and an expanded object.
func (s stripeSession) paymentIntentID() string {
	raw := strings.TrimSpace(string(s.PaymentIntent))
	if raw == "" || raw == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(s.PaymentIntent, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(s.PaymentIntent, &obj); err == nil {
		return obj.ID
	}
	return ""
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Stripe) decodeError(op string) errorDecoder {
	return func(status int, body []byte) error {
		var e stripeError
		_ = json.Unmarshal(body, &e)
		if status == http.StatusTooManyRequests || e.Error.Type == "api_error" {
			return &ProviderError{Provider: ProviderStripe, Op: op, StatusCode: status, Code: e.Error.Code, Message: e.Error.Message, Retryable: true}
		}
		return rejected(ProviderStripe, op, status, e.Error.Code, e.Error.Message)
	}
}

func (s *Stripe) formRequest(ctx context.Context, c Credentials, method, path string, form url.Values) (*http.Request, error) {
	endpoint := s.t.base(c, stripeAPI, stripeAPI) + path
	var req *http.Request
	var err error
	if form != nil && method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		if form != nil {
			endpoint += "?" + form.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Get("secret_key"))
	return req, nil
}

// CreateCharge opens a Checkout Session. The link id is sent as
// client_reference_id and as payment intent metadata so both event families can
// be traced back to the link.
func (s *Stripe) CreateCharge(ctx context.Context, c Credentials, req ChargeRequest) (ChargeResponse, error) {
	if !s.SupportsCurrency(req.Currency) {
		return ChargeResponse{}, rejected(ProviderStripe, "create_charge", 0, "unsupported_currency", NormalizeCurrency(req.Currency))
	}
	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = "Payment " + req.LinkID
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.LinkID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(NormalizeCurrency(req.Currency)))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", name)
	form.Set("metadata[payment_link_id]", req.LinkID)
	form.Set("payment_intent_data[metadata][payment_link_id]", req.LinkID)
	form.Set("success_url", req.ReturnURLs.Success)
	form.Set("cancel_url", req.ReturnURLs.Cancel)
	if req.ExpiresAt != nil {
		ttl := req.ExpiresAt.Sub(s.t.now())
		if ttl >= stripeMinSessionTTL && ttl <= stripeMaxSessionTTL {
			form.Set("expires_at", strconv.FormatInt(req.ExpiresAt.Unix(), 10))
		}
	}
	httpReq, err := s.formRequest(ctx, c, http.MethodPost, "/v1/checkout/sessions", form)
	if err != nil {
		return ChargeResponse{}, err
	}
	httpReq.Header.Set("Idempotency-Key", "paylink-"+req.LinkID)

	var session stripeSession
	if _, err := s.t.do(ctx, "create_charge", false, httpReq, &session, s.decodeError("create_charge")); err != nil {
		return ChargeResponse{}, err
	}
	if session.ID == "" || session.URL == "" {
		return ChargeResponse{}, unavailable(ProviderStripe, "create_charge", errors.New("session id or url missing"))
	}
	out := ChargeResponse{ProviderReferenceID: session.ID, PayURL: session.URL}
	if session.ExpiresAt > 0 {
		exp := unixTime(session.ExpiresAt)
		out.ExpiresAt = &exp
	}
	return out, nil
}

// GetStatus retrieves the session with its payment intent expanded.
func (s *Stripe) GetStatus(ctx context.Context, c Credentials, ref string) (StatusResult, error) {
	form := url.Values{}
	form.Add("expand[]", "payment_intent")
	httpReq, err := s.formRequest(ctx, c, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(ref), form)
	if err != nil {
		return StatusResult{}, err
	}
	var session stripeSession
	raw, err := s.t.do(ctx, "get_status", true, httpReq, &session, s.decodeError("get_status"))
	if err != nil {
		return StatusResult{}, err
	}
	status := mapStripeSession(session.Status, session.PaymentStatus)
	if status == StatusPending {
		status = mapStripeExpandedIntent(session.PaymentIntent, status)
	}
	txn := session.paymentIntentID()
	if txn == "" {
		txn = session.ID
	}
	return StatusResult{
		Status:                status,
		ProviderTransactionID: txn,
		Amount:                session.AmountTotal,
		Currency:              NormalizeCurrency(session.Currency),
		OccurredAt:            s.t.now().UTC(),
		Raw:                   raw,
	}, nil
}

// Cancel expires an open Checkout Session.
func (s *Stripe) Cancel(ctx context.Context, c Credentials, ref string) error {
	httpReq, err := s.formRequest(ctx, c, http.MethodPost, "/v1/checkout/sessions/"+url.PathEscape(ref)+"/expire", url.Values{})
	if err != nil {
		return err
	}
	_, err = s.t.do(ctx, "cancel", false, httpReq, nil, s.decodeError("cancel"))
	return err
}

// VerifyWebhookSignature checks the Stripe-Signature header: an HMAC over
// "<timestamp>.<body>" with any of the v1 signatures matching, within tolerance.
func (s *Stripe) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	if secret == "" {
		return false
	}
	var ts int64
	var sigs []string
	for _, part := range strings.Split(headers.Get(stripeSignatureHeader), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, _ = strconv.ParseInt(v, 10, 64)
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts <= 0 || len(sigs) == 0 {
		return false
	}
	age := s.t.now().Sub(time.Unix(ts, 0))
	if age > stripeTolerance || age < -stripeTolerance {
		return false
	}
	expected := hmacSHA256(secret, []byte(strconv.FormatInt(ts, 10)), []byte("."), rawBody)
	matched := false
	for _, sig := range sigs {
		if equalHex(sig, expected) {
			matched = true
		}
	}
	return matched
}

// StripeSignatureHeader builds a header value for body signed at ts.
func StripeSignatureHeader(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + SignHex(secret, []byte(unix), []byte("."), body)
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripePaymentObject struct {
	ID             string            `json:"id"`
	Object         string            `json:"object"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	PaymentIntent  string            `json:"payment_intent"`
	Metadata       map[string]string `json:"metadata"`
	Refunds        struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"refunds"`
}

// ParseWebhookEvent maps Checkout Session, PaymentIntent and Charge events.
func (s *Stripe) ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var evt stripeEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Type == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	out := WebhookEvent{
		EventType:  evt.Type,
		Status:     mapStripeEvent(evt.Type),
		OccurredAt: unixTime(evt.Created),
		Raw:        rawBody,
	}
	if out.Status == StatusIgnored {
		return out, nil
	}
	switch {
	case strings.HasPrefix(evt.Type, "checkout.session."):
		var session stripeSession
		if err := json.Unmarshal(evt.Data.Object, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if evt.Type == "checkout.session.completed" {
			out.Status = mapStripeSession("complete", session.PaymentStatus)
		}
		out.ProviderReferenceID = session.ID
		out.LinkID = session.ClientReferenceID
		out.Amount = session.AmountTotal
		out.Currency = NormalizeCurrency(session.Currency)
		out.ProviderTransactionID = session.paymentIntentID()
		if out.ProviderTransactionID == "" {
			out.ProviderTransactionID = session.ID
		}
	default:
		var obj stripePaymentObject
		if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.LinkID = obj.Metadata["payment_link_id"]
		out.Currency = NormalizeCurrency(obj.Currency)
		out.Amount = obj.Amount
		out.ProviderTransactionID = obj.ID
		if obj.Object == "charge" {
			out.ProviderTransactionID = obj.PaymentIntent
			if out.Status == StatusRefunded {
				out.Amount = obj.AmountRefunded
				out.ProviderTransactionID = obj.ID
				if len(obj.Refunds.Data) > 0 && obj.Refunds.Data[0].ID != "" {
					out.ProviderTransactionID = obj.Refunds.Data[0].ID
				}
			}
		}
	}
	if out.ProviderTransactionID == "" {
		out.ProviderTransactionID = evt.ID
	}
	return out, nil
}

func mapStripeEvent(eventType string) CanonicalStatus {
	switch eventType {
	case "checkout.session.completed":
		// refined from payment_status by the caller
		return StatusPending
	case "checkout.session.async_payment_succeeded", "payment_intent.succeeded":
		return StatusSucceeded
	case "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		return StatusFailed
	case "checkout.session.expired":
		return StatusExpired
	case "payment_intent.canceled":
		return StatusCancelled
	case "charge.refunded":
		return StatusRefunded
	default:
		return StatusIgnored
	}
}

func mapStripeSession(status, paymentStatus string) CanonicalStatus {
	switch status {
	case "complete":
		switch paymentStatus {
		case "paid", "no_payment_required":
			return StatusSucceeded
		default:
			// delayed payment methods complete the session before funds arrive
			return StatusPending
		}
	case "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

func mapStripeExpandedIntent(raw json.RawMessage, fallback CanonicalStatus) CanonicalStatus {
	var obj struct {
		Status string `json:"status"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil {
		return fallback
	}
	switch obj.Status {
	case "succeeded":
		return StatusSucceeded
	case "canceled":
		return StatusCancelled
	default:
		return fallback
	}
}
