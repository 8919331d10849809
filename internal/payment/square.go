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
	squareLive            = "https://connect.squareup.com"
	squareSandbox         = "https://connect.squareupsandbox.com"
	squareAPIVersion      = "2024-10-17"
	squareSignatureHeader = "X-Square-Hmacsha256-Signature"
)

var squareCurrencies = newCurrencySet("JPY", "USD", "CAD", "GBP", "AUD", "EUR")

// Square implements Adapter on top of Square Payment Links and Orders.
type Square struct {
	t *transport
}

// NewSquare constructs the hosted-link card adapter.
func NewSquare(opts Options) *Square {
	return &Square{t: newTransport(ProviderSquare, opts, 60*time.Second)}
}

func (s *Square) Provider() Provider                    { return ProviderSquare }
func (s *Square) SupportsCurrency(currency string) bool { return squareCurrencies.has(currency) }
func (s *Square) PollGrace() time.Duration              { return s.t.grace }

func (s *Square) ValidateCredentials(c Credentials) error {
	return requireValues(ProviderSquare, c, "access_token", "location_id", CredentialWebhookSecret)
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareErrors struct {
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

func (s *Square) decodeError(op string) errorDecoder {
	return func(status int, body []byte) error {
		var e squareErrors
		_ = json.Unmarshal(body, &e)
		if len(e.Errors) == 0 {
			return rejected(ProviderSquare, op, status, "", snippet(body))
		}
		return rejected(ProviderSquare, op, status, e.Errors[0].Code, e.Errors[0].Detail)
	}
}

func (s *Square) request(ctx context.Context, c Credentials, method, path string, payload any) (*http.Request, error) {
	req, err := s.t.jsonRequest(ctx, method, s.t.base(c, squareLive, squareSandbox)+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Get("access_token"))
	req.Header.Set("Square-Version", squareAPIVersion)
	return req, nil
}

// CreateCharge creates a quick-pay payment link. The order id becomes the
// provider reference because payment webhooks carry it.
func (s *Square) CreateCharge(ctx context.Context, c Credentials, req ChargeRequest) (ChargeResponse, error) {
	if !s.SupportsCurrency(req.Currency) {
		return ChargeResponse{}, rejected(ProviderSquare, "create_charge", 0, "UNSUPPORTED_CURRENCY", NormalizeCurrency(req.Currency))
	}
	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = "Payment " + req.LinkID
	}
	payload := map[string]any{
		"idempotency_key": "paylink-" + req.LinkID,
		"quick_pay": map[string]any{
			"name":        name,
			"price_money": squareMoney{Amount: req.Amount, Currency: NormalizeCurrency(req.Currency)},
			"location_id": c.Get("location_id"),
		},
		"checkout_options": map[string]any{
			"redirect_url": req.ReturnURLs.Success,
		},
		"payment_note": req.LinkID,
	}
	httpReq, err := s.request(ctx, c, http.MethodPost, "/v2/online-checkout/payment-links", payload)
	if err != nil {
		return ChargeResponse{}, err
	}
	var resp struct {
		PaymentLink struct {
			ID      string `json:"id"`
			URL     string `json:"url"`
			OrderID string `json:"order_id"`
		} `json:"payment_link"`
	}
	if _, err := s.t.do(ctx, "create_charge", false, httpReq, &resp, s.decodeError("create_charge")); err != nil {
		return ChargeResponse{}, err
	}
	if resp.PaymentLink.OrderID == "" || resp.PaymentLink.URL == "" {
		return ChargeResponse{}, unavailable(ProviderSquare, "create_charge", errors.New("order id or url missing"))
	}
	return ChargeResponse{ProviderReferenceID: resp.PaymentLink.OrderID, PayURL: resp.PaymentLink.URL}, nil
}

type squareOrder struct {
	ID         string      `json:"id"`
	Version    int64       `json:"version"`
	State      string      `json:"state"`
	TotalMoney squareMoney `json:"total_money"`
	UpdatedAt  string      `json:"updated_at"`
	Tenders    []struct {
		ID          string      `json:"id"`
		PaymentID   string      `json:"payment_id"`
		AmountMoney squareMoney `json:"amount_money"`
	} `json:"tenders"`
}

func (s *Square) getOrder(ctx context.Context, c Credentials, ref string) (squareOrder, []byte, error) {
	httpReq, err := s.request(ctx, c, http.MethodGet, "/v2/orders/"+url.PathEscape(ref), nil)
	if err != nil {
		return squareOrder{}, nil, err
	}
	var resp struct {
		Order squareOrder `json:"order"`
	}
	raw, err := s.t.do(ctx, "get_status", true, httpReq, &resp, s.decodeError("get_status"))
	return resp.Order, raw, err
}

func (s *Square) GetStatus(ctx context.Context, c Credentials, ref string) (StatusResult, error) {
	order, raw, err := s.getOrder(ctx, c, ref)
	if err != nil {
		return StatusResult{}, err
	}
	out := StatusResult{
		Status:                mapSquareOrder(order.State),
		ProviderTransactionID: order.ID,
		Amount:                order.TotalMoney.Amount,
		Currency:              NormalizeCurrency(order.TotalMoney.Currency),
		OccurredAt:            parseTime(order.UpdatedAt),
		Raw:                   raw,
	}
	if len(order.Tenders) > 0 {
		tender := order.Tenders[0]
		out.ProviderTransactionID = tender.PaymentID
		if out.ProviderTransactionID == "" {
			out.ProviderTransactionID = tender.ID
		}
		if tender.AmountMoney.Amount > 0 {
			out.Amount = tender.AmountMoney.Amount
			out.Currency = NormalizeCurrency(tender.AmountMoney.Currency)
		}
	}
	return out, nil
}

// Cancel moves the open order to CANCELED using optimistic versioning.
func (s *Square) Cancel(ctx context.Context, c Credentials, ref string) error {
	order, _, err := s.getOrder(ctx, c, ref)
	if err != nil {
		return err
	}
	if order.State == "CANCELED" {
		return nil
	}
	payload := map[string]any{
		"idempotency_key": "paylink-cancel-" + ref,
		"order": map[string]any{
			"location_id": c.Get("location_id"),
			"version":     order.Version,
			"state":       "CANCELED",
		},
	}
	httpReq, err := s.request(ctx, c, http.MethodPut, "/v2/orders/"+url.PathEscape(ref), payload)
	if err != nil {
		return err
	}
	_, err = s.t.do(ctx, "cancel", false, httpReq, nil, s.decodeError("cancel"))
	return err
}

// VerifyWebhookSignature checks the base64 HMAC-SHA256 of notification URL + body.
// The URL comes from HeaderNotificationURL, set by the webhook boundary.
func (s *Square) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	notificationURL := strings.TrimSpace(headers.Get(HeaderNotificationURL))
	sig := headers.Get(squareSignatureHeader)
	if secret == "" || notificationURL == "" || sig == "" {
		return false
	}
	return equalBase64(sig, hmacSHA256(secret, []byte(notificationURL), rawBody))
}

type squareEvent struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *struct {
				ID          string      `json:"id"`
				OrderID     string      `json:"order_id"`
				Status      string      `json:"status"`
				Note        string      `json:"note"`
				AmountMoney squareMoney `json:"amount_money"`
				UpdatedAt   string      `json:"updated_at"`
			} `json:"payment"`
			Refund *struct {
				ID          string      `json:"id"`
				OrderID     string      `json:"order_id"`
				PaymentID   string      `json:"payment_id"`
				Status      string      `json:"status"`
				AmountMoney squareMoney `json:"amount_money"`
			} `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhookEvent maps payment.* and refund.* notifications.
func (s *Square) ParseWebhookEvent(rawBody []byte) (WebhookEvent, error) {
	var evt squareEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Type == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	out := WebhookEvent{EventType: evt.Type, Status: StatusIgnored, OccurredAt: parseTime(evt.CreatedAt), Raw: rawBody}
	switch {
	case strings.HasPrefix(evt.Type, "payment.") && evt.Data.Object.Payment != nil:
		pay := evt.Data.Object.Payment
		out.Status = mapSquarePayment(pay.Status)
		out.ProviderReferenceID = pay.OrderID
		out.ProviderTransactionID = pay.ID
		out.LinkID = pay.Note
		out.Amount = pay.AmountMoney.Amount
		out.Currency = NormalizeCurrency(pay.AmountMoney.Currency)
		if t := parseTime(pay.UpdatedAt); !t.IsZero() {
			out.OccurredAt = t
		}
	case strings.HasPrefix(evt.Type, "refund.") && evt.Data.Object.Refund != nil:
		ref := evt.Data.Object.Refund
		if ref.Status == "COMPLETED" {
			out.Status = StatusRefunded
		}
		out.ProviderReferenceID = ref.OrderID
		out.ProviderTransactionID = ref.ID
		out.Amount = ref.AmountMoney.Amount
		out.Currency = NormalizeCurrency(ref.AmountMoney.Currency)
	}
	return out, nil
}

func mapSquarePayment(status string) CanonicalStatus {
	switch status {
	case "COMPLETED":
		return StatusSucceeded
	case "FAILED":
		return StatusFailed
	case "CANCELED":
		return StatusCancelled
	case "APPROVED", "PENDING":
		return StatusPending
	default:
		return StatusIgnored
	}
}

func mapSquareOrder(state string) CanonicalStatus {
	switch state {
	case "COMPLETED":
		return StatusSucceeded
	case "CANCELED":
		return StatusCancelled
	default:
		return StatusPending
	}
}
