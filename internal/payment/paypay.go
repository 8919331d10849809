package payment

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	paypayLive            = "https://api.paypay.ne.jp"
	paypaySandbox         = "https://stg-api.sandbox.paypay.ne.jp"
	paypaySignatureHeader = "X-Paypay-Signature"
	paypayNotFound        = "DYNAMIC_QR_PAYMENT_NOT_FOUND"
)

var paypayCurrencies = newCurrencySet("JPY")

// PayPay implements Adapter on top of the dynamic QR code API. The payment link
// id is the merchantPaymentId, so it doubles as the provider reference.
type PayPay struct {
	t *transport
}

// NewPayPay constructs the QR-code payment adapter.
func NewPayPay(opts Options) *PayPay {
	return &PayPay{t: newTransport(ProviderPayPay, opts, 30*time.Second)}
}

func (p *PayPay) Provider() Provider                    { return ProviderPayPay }
func (p *PayPay) SupportsCurrency(currency string) bool { return paypayCurrencies.has(currency) }
func (p *PayPay) PollGrace() time.Duration              { return p.t.grace }

func (p *PayPay) ValidateCredentials(c Credentials) error {
	return requireValues(ProviderPayPay, c, "api_key", "api_secret", "merchant_id", CredentialWebhookSecret)
}

type paypayResultInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CodeID  string `json:"codeId"`
}

type paypayEnvelope struct {
	ResultInfo paypayResultInfo `json:"resultInfo"`
	Data       json.RawMessage  `json:"data"`
}

func (p *PayPay) decodeError(op string) errorDecoder {
	return func(status int, body []byte) error {
		var env paypayEnvelope
		_ = json.Unmarshal(body, &env)
		return rejected(ProviderPayPay, op, status, env.ResultInfo.Code, env.ResultInfo.Message)
	}
}

// request builds a call signed with PayPay's OPA HMAC scheme.
func (p *PayPay) request(ctx context.Context, c Credentials, method, path string, payload any) (*http.Request, error) {
	var body []byte
	contentType := "empty"
	hash := "empty"
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode paypay request: %w", err)
		}
		contentType = "application/json;charset=UTF-8"
		sum := md5.Sum(append([]byte(contentType), body...))
		hash = base64.StdEncoding.EncodeToString(sum[:])
	}
	nonce, err := paypayNonce()
	if err != nil {
		return nil, err
	}
	epoch := strconv.FormatInt(p.t.now().Unix(), 10)
	signed := []byte(path + "\n" + method + "\n" + nonce + "\n" + epoch + "\n" + contentType + "\n" + hash)
	mac := base64.StdEncoding.EncodeToString(hmacSHA256(c.Get("api_secret"), signed))
	auth := "hmac OPA-Auth:" + c.Get("api_key") + ":" + mac + ":" + nonce + ":" + epoch + ":" + hash

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.t.base(c, paypayLive, paypaySandbox)+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", auth)
	req.Header.Set("X-ASSUME-MERCHANT", c.Get("merchant_id"))
	return req, nil
}

func paypayNonce() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateCharge issues an ORDER_QR code keyed by the link id.
func (p *PayPay) CreateCharge(ctx context.Context, c Credentials, req ChargeRequest) (ChargeResponse, error) {
	if !p.SupportsCurrency(req.Currency) {
		return ChargeResponse{}, rejected(ProviderPayPay, "create_charge", 0, "UNSUPPORTED_CURRENCY", NormalizeCurrency(req.Currency))
	}
	payload := map[string]any{
		"merchantPaymentId": req.LinkID,
		"amount":            map[string]any{"amount": req.Amount, "currency": "JPY"},
		"codeType":          "ORDER_QR",
		"orderDescription":  req.Description,
		"isAuthorization":   false,
		"redirectUrl":       req.ReturnURLs.Success,
		"redirectType":      "WEB_LINK",
		"requestedAt":       p.t.now().Unix(),
	}
	if req.ExpiresAt != nil {
		payload["expiryDate"] = req.ExpiresAt.Unix()
	}
	httpReq, err := p.request(ctx, c, http.MethodPost, "/v2/codes", payload)
	if err != nil {
		return ChargeResponse{}, err
	}
	var env paypayEnvelope
	if _, err := p.t.do(ctx, "create_charge", false, httpReq, &env, p.decodeError("create_charge")); err != nil {
		return ChargeResponse{}, err
	}
	if env.ResultInfo.Code != "SUCCESS" {
		return ChargeResponse{}, rejected(ProviderPayPay, "create_charge", 0, env.ResultInfo.Code, env.ResultInfo.Message)
	}
	var data struct {
		URL               string `json:"url"`
		MerchantPaymentID string `json:"merchantPaymentId"`
		ExpiryDate        int64  `json:"expiryDate"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.URL == "" {
		return ChargeResponse{}, unavailable(ProviderPayPay, "create_charge", errors.New("code url missing"))
	}
	ref := data.MerchantPaymentID
	if ref == "" {
		ref = req.LinkID
	}
	out := ChargeResponse{ProviderReferenceID: ref, PayURL: data.URL}
	if data.ExpiryDate > 0 {
		exp := unixTime(data.ExpiryDate)
		out.ExpiresAt = &exp
	}
	return out, nil
}

func (p *PayPay) GetStatus(ctx context.Context, c Credentials, ref string) (StatusResult, error) {
	httpReq, err := p.request(ctx, c, http.MethodGet, "/v2/codes/payments/"+url.PathEscape(ref), nil)
	if err != nil {
		return StatusResult{}, err
	}
	var env paypayEnvelope
	raw, err := p.t.do(ctx, "get_status", true, httpReq, &env, func(status int, body []byte) error {
		var e paypayEnvelope
		_ = json.Unmarshal(body, &e)
		if e.ResultInfo.Code == paypayNotFound {
			return nil
		}
		return rejected(ProviderPayPay, "get_status", status, e.ResultInfo.Code, e.ResultInfo.Message)
	})
	if err != nil {
		return StatusResult{}, err
	}
	now := p.t.now().UTC()
	if env.ResultInfo.Code == "" || env.ResultInfo.Code == paypayNotFound {
		// no scan yet
		return StatusResult{Status: StatusPending, ProviderTransactionID: ref, OccurredAt: now, Raw: raw}, nil
	}
	var data struct {
		PaymentID  string `json:"paymentId"`
		Status     string `json:"status"`
		AcceptedAt int64  `json:"acceptedAt"`
		Amount     struct {
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
		} `json:"amount"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return StatusResult{}, unavailable(ProviderPayPay, "get_status", err)
	}
	out := StatusResult{
		Status:                mapPayPayState(data.Status),
		ProviderTransactionID: data.PaymentID,
		Amount:                data.Amount.Amount,
		Currency:              NormalizeCurrency(data.Amount.Currency),
		OccurredAt:            now,
		Raw:                   raw,
	}
	if data.AcceptedAt > 0 {
		out.OccurredAt = unixTime(data.AcceptedAt)
	}
	if out.ProviderTransactionID == "" {
		out.ProviderTransactionID = paypaySyntheticTxn(ref, out.Status)
	}
	return out, nil
}

// Cancel cancels the payment for the merchantPaymentId. An unscanned code has
// nothing to cancel and is treated as success.
func (p *PayPay) Cancel(ctx context.Context, c Credentials, ref string) error {
	httpReq, err := p.request(ctx, c, http.MethodDelete, "/v2/payments/"+url.PathEscape(ref), nil)
	if err != nil {
		return err
	}
	_, err = p.t.do(ctx, "cancel", false, httpReq, nil, func(status int, body []byte) error {
		var e paypayEnvelope
		_ = json.Unmarshal(body, &e)
		if e.ResultInfo.Code == paypayNotFound {
			return nil
		}
		return rejected(ProviderPayPay, "cancel", status, e.ResultInfo.Code, e.ResultInfo.Message)
	})
	return err
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the body.
func (p *PayPay) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	sig := headers.Get(paypaySignatureHeader)
	if secret == "" || sig == "" {
		return false
	}
	return equalHex(sig, hmacSHA256(secret, rawBody))
}

type paypayNotification struct {
	NotificationType string `json:"notification_type"`
	MerchantOrderID  string `json:"merchant_order_id"`
	OrderID          string `json:"order_id"`
	State            string `json:"state"`
	OrderAmount      int64  `json:"order_amount"`
	PaidAt           string `json:"paid_at"`
}

// ParseWebhookEvent maps Transaction notifications.
func (p *PayPay) ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var n paypayNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if n.State == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing state", ErrMalformedEvent)
	}
	out := WebhookEvent{
		EventType:             n.NotificationType + "." + n.State,
		ProviderReferenceID:   n.MerchantOrderID,
		ProviderTransactionID: n.OrderID,
		LinkID:                n.MerchantOrderID,
		Amount:                n.OrderAmount,
		Currency:              "JPY",
		Status:                mapPayPayState(n.State),
		OccurredAt:            parseTime(n.PaidAt),
		Raw:                   rawBody,
	}
	if n.NotificationType != "" && n.NotificationType != "Transaction" {
		out.Status = StatusIgnored
	}
	if out.ProviderTransactionID == "" {
		out.ProviderTransactionID = paypaySyntheticTxn(n.MerchantOrderID, out.Status)
	}
	return out, nil
}

// paypaySyntheticTxn names outcomes that never produced a paymentId, such as an
// expired code, so webhook and poll agree on the same transaction id.
func paypaySyntheticTxn(ref string, status CanonicalStatus) string {
	return ref + ":" + string(status)
}

func mapPayPayState(state string) CanonicalStatus {
	switch state {
	case "COMPLETED":
		return StatusSucceeded
	case "FAILED":
		return StatusFailed
	case "CANCELED":
		return StatusCancelled
	case "EXPIRED":
		return StatusExpired
	case "REFUNDED":
		return StatusRefunded
	case "CREATED", "AUTHORIZED", "REAUTHORIZING":
		return StatusPending
	default:
		return StatusIgnored
	}
}
