package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	paypalLive    = "https://api-m.paypal.com"
	paypalSandbox = "https://api-m.sandbox.paypal.com"

	paypalHeaderTransmissionID   = "Paypal-Transmission-Id"
	paypalHeaderTransmissionTime = "Paypal-Transmission-Time"
	paypalHeaderTransmissionSig  = "Paypal-Transmission-Sig"
)

var paypalCurrencies = newCurrencySet("JPY", "USD", "EUR", "GBP", "AUD", "CAD")

// PayPal implements Adapter on top of the Orders v2 API.
type PayPal struct {
	t *transport
}

var _ Capturer = (*PayPal)(nil)

// NewPayPal constructs the wallet adapter.
func NewPayPal(opts Options) *PayPal {
	return &PayPal{t: newTransport(ProviderPayPal, opts, 60*time.Second)}
}

func (p *PayPal) Provider() Provider                    { return ProviderPayPal }
func (p *PayPal) SupportsCurrency(currency string) bool { return paypalCurrencies.has(currency) }
func (p *PayPal) PollGrace() time.Duration              { return p.t.grace }

func (p *PayPal) ValidateCredentials(c Credentials) error {
	return requireValues(ProviderPayPal, c, "client_id", "client_secret", CredentialWebhookSecret)
}

type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Desc    string `json:"error_description"`
}

func (p *PayPal) decodeError(op string) errorDecoder {
	return func(status int, body []byte) error {
		var e paypalError
		_ = json.Unmarshal(body, &e)
		code := e.Name
		if code == "" {
			code = e.Error
		}
		msg := e.Message
		if msg == "" {
			msg = e.Desc
		}
		return rejected(ProviderPayPal, op, status, code, msg)
	}
}

// accessToken exchanges client credentials for a bearer token. Tokens are not
// cached so the adapter stays free of shared mutable state.
func (p *PayPal) accessToken(ctx context.Context, c Credentials) (string, error) {
	endpoint := p.t.base(c, paypalLive, paypalSandbox) + "/v1/oauth2/token"
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.Get("client_id"), c.Get("client_secret"))
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if _, err := p.t.do(ctx, "oauth_token", true, req, &tok, p.decodeError("oauth_token")); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", unavailable(ProviderPayPal, "oauth_token", errors.New("empty access token"))
	}
	return tok.AccessToken, nil
}

func (p *PayPal) authedRequest(ctx context.Context, c Credentials, method, path string, payload any) (*http.Request, error) {
	token, err := p.accessToken(ctx, c)
	if err != nil {
		return nil, err
	}
	req, err := p.t.jsonRequest(ctx, method, p.t.base(c, paypalLive, paypalSandbox)+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalCapture struct {
	ID       string      `json:"id"`
	Status   string      `json:"status"`
	Amount   paypalMoney `json:"amount"`
	CustomID string      `json:"custom_id"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string      `json:"reference_id"`
		CustomID    string      `json:"custom_id"`
		Amount      paypalMoney `json:"amount"`
		Payments    struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (o paypalOrder) capture() (paypalCapture, bool) {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return paypalCapture{}, false
}

func (o paypalOrder) customID() string {
	for _, pu := range o.PurchaseUnits {
		if pu.CustomID != "" {
			return pu.CustomID
		}
	}
	return ""
}

// CreateCharge creates a CAPTURE-intent order with the link id as custom_id.
func (p *PayPal) CreateCharge(ctx context.Context, c Credentials, req ChargeRequest) (ChargeResponse, error) {
	if !p.SupportsCurrency(req.Currency) {
		return ChargeResponse{}, rejected(ProviderPayPal, "create_charge", 0, "UNSUPPORTED_CURRENCY", NormalizeCurrency(req.Currency))
	}
	currency := NormalizeCurrency(req.Currency)
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.LinkID,
			"custom_id":    req.LinkID,
			"description":  req.Description,
			"amount": paypalMoney{
				CurrencyCode: currency,
				Value:        FormatMajor(req.Amount, currency),
			},
		}},
		"payment_source": map[string]any{
			"paypal": map[string]any{
				"experience_context": map[string]any{
					"user_action": "PAY_NOW",
					"return_url":  req.ReturnURLs.Success,
					"cancel_url":  req.ReturnURLs.Cancel,
				},
			},
		},
	}
	httpReq, err := p.authedRequest(ctx, c, http.MethodPost, "/v2/checkout/orders", payload)
	if err != nil {
		return ChargeResponse{}, err
	}
	httpReq.Header.Set("PayPal-Request-Id", "paylink-"+req.LinkID)
	var order paypalOrder
	if _, err := p.t.do(ctx, "create_charge", false, httpReq, &order, p.decodeError("create_charge")); err != nil {
		return ChargeResponse{}, err
	}
	var approve string
	for _, l := range order.Links {
		if l.Rel == "payer-action" || l.Rel == "approve" {
			approve = l.Href
			break
		}
	}
	if order.ID == "" || approve == "" {
		return ChargeResponse{}, unavailable(ProviderPayPal, "create_charge", errors.New("order id or approval link missing"))
	}
	return ChargeResponse{ProviderReferenceID: order.ID, PayURL: approve}, nil
}

// GetStatus reads the order without side effects. An APPROVED order is
// reported pending with CaptureRequired set; money moves only through Capture.
func (p *PayPal) GetStatus(ctx context.Context, c Credentials, ref string) (StatusResult, error) {
	httpReq, err := p.authedRequest(ctx, c, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(ref), nil)
	if err != nil {
		return StatusResult{}, err
	}
	var order paypalOrder
	raw, err := p.t.do(ctx, "get_status", true, httpReq, &order, p.decodeError("get_status"))
	if err != nil {
		return StatusResult{}, err
	}
	return p.orderResult(order, raw, "get_status")
}

// Capture captures an approved order. The PayPal-Request-Id makes a repeated
// capture of the same order return the first capture instead of charging twice.
func (p *PayPal) Capture(ctx context.Context, c Credentials, ref string) (StatusResult, error) {
	httpReq, err := p.authedRequest(ctx, c, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(ref)+"/capture", map[string]any{})
	if err != nil {
		return StatusResult{}, err
	}
	httpReq.Header.Set("PayPal-Request-Id", "paylink-capture-"+ref)
	var order paypalOrder
	raw, err := p.t.do(ctx, "capture", false, httpReq, &order, p.decodeError("capture"))
	if err != nil {
		return StatusResult{}, err
	}
	return p.orderResult(order, raw, "capture")
}

func (p *PayPal) orderResult(order paypalOrder, raw []byte, op string) (StatusResult, error) {
	out := StatusResult{
		Status:                mapPayPalOrder(order.Status),
		ProviderTransactionID: order.ID,
		OccurredAt:            p.t.now().UTC(),
		Raw:                   raw,
		CaptureRequired:       order.Status == "APPROVED",
	}
	if capture, ok := order.capture(); ok {
		amount, err := ParseMajor(capture.Amount.Value, capture.Amount.CurrencyCode)
		if err != nil {
			return StatusResult{}, unavailable(ProviderPayPal, op, err)
		}
		out.Status = mapPayPalCapture(capture.Status)
		out.ProviderTransactionID = capture.ID
		out.Amount = amount
		out.Currency = NormalizeCurrency(capture.Amount.CurrencyCode)
		out.CaptureRequired = false
	}
	return out, nil
}

// Cancel is a no-op: Orders v2 has no void for uncaptured CAPTURE orders and
// PayPal discards them when they are never approved.
func (p *PayPal) Cancel(context.Context, Credentials, string) error {
	return nil
}

// VerifyWebhookSignature checks PayPal-Transmission-Sig, a base64 HMAC-SHA256 over
// "<transmission id>|<transmission time>|<crc32 of body>".
func (p *PayPal) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	id := strings.TrimSpace(headers.Get(paypalHeaderTransmissionID))
	ts := strings.TrimSpace(headers.Get(paypalHeaderTransmissionTime))
	sig := headers.Get(paypalHeaderTransmissionSig)
	if secret == "" || id == "" || ts == "" || sig == "" {
		return false
	}
	return equalBase64(sig, hmacSHA256(secret, paypalSignedMessage(id, ts, rawBody)))
}

func paypalSignedMessage(id, ts string, body []byte) []byte {
	return []byte(id + "|" + ts + "|" + strconv.FormatUint(uint64(crc32.ChecksumIEEE(body)), 10))
}

// PayPalSignatureHeaders returns the transmission headers for a signed body.
func PayPalSignatureHeaders(secret, transmissionID string, at time.Time, body []byte) http.Header {
	ts := at.UTC().Format(time.RFC3339)
	h := http.Header{}
	h.Set(paypalHeaderTransmissionID, transmissionID)
	h.Set(paypalHeaderTransmissionTime, ts)
	h.Set(paypalHeaderTransmissionSig, SignBase64(secret, paypalSignedMessage(transmissionID, ts, body)))
	return h
}

type paypalEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalCaptureResource struct {
	paypalCapture
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseWebhookEvent maps capture and order events.
func (p *PayPal) ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var evt paypalEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.EventType == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	out := WebhookEvent{
		EventType:  evt.EventType,
		Status:     mapPayPalEvent(evt.EventType),
		OccurredAt: parseTime(evt.CreateTime),
		Raw:        rawBody,
	}
	if out.Status == StatusIgnored {
		return out, nil
	}
	if strings.HasPrefix(evt.EventType, "PAYMENT.CAPTURE.") {
		var res paypalCaptureResource
		if err := json.Unmarshal(evt.Resource, &res); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		amount, err := ParseMajor(res.Amount.Value, res.Amount.CurrencyCode)
		if err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.ProviderReferenceID = res.SupplementaryData.RelatedIDs.OrderID
		out.ProviderTransactionID = res.ID
		out.LinkID = res.CustomID
		out.Amount = amount
		out.Currency = NormalizeCurrency(res.Amount.CurrencyCode)
		return out, nil
	}
	var order paypalOrder
	if err := json.Unmarshal(evt.Resource, &order); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	out.ProviderReferenceID = order.ID
	out.LinkID = order.customID()
	out.ProviderTransactionID = order.ID
	out.CaptureRequired = evt.EventType == "CHECKOUT.ORDER.APPROVED"
	if capture, ok := order.capture(); ok {
		out.ProviderTransactionID = capture.ID
		out.CaptureRequired = false
		if evt.EventType == "CHECKOUT.ORDER.COMPLETED" {
			out.Status = mapPayPalCapture(capture.Status)
		}
		if amount, err := ParseMajor(capture.Amount.Value, capture.Amount.CurrencyCode); err == nil {
			out.Amount = amount
			out.Currency = NormalizeCurrency(capture.Amount.CurrencyCode)
		}
	} else if len(order.PurchaseUnits) > 0 {
		pu := order.PurchaseUnits[0]
		if amount, err := ParseMajor(pu.Amount.Value, pu.Amount.CurrencyCode); err == nil {
			out.Amount = amount
			out.Currency = NormalizeCurrency(pu.Amount.CurrencyCode)
		}
	}
	return out, nil
}

func mapPayPalEvent(eventType string) CanonicalStatus {
	switch eventType {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		return StatusSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		return StatusFailed
	case "PAYMENT.CAPTURE.PENDING", "CHECKOUT.ORDER.APPROVED":
		return StatusPending
	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.CAPTURE.REVERSED":
		return StatusRefunded
	case "CHECKOUT.ORDER.VOIDED":
		return StatusCancelled
	default:
		return StatusIgnored
	}
}

func mapPayPalOrder(status string) CanonicalStatus {
	switch status {
	case "COMPLETED":
		return StatusSucceeded
	case "VOIDED":
		return StatusCancelled
	default:
		return StatusPending
	}
}

func mapPayPalCapture(status string) CanonicalStatus {
	switch status {
	case "COMPLETED":
		return StatusSucceeded
	case "DECLINED", "FAILED":
		return StatusFailed
	case "REFUNDED", "PARTIALLY_REFUNDED":
		return StatusRefunded
	default:
		return StatusPending
	}
}
