package payment

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Provider identifies an upstream payment processor.
type Provider string

// Supported providers.
const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	ProviderSquare Provider = "square"
	ProviderPayPay Provider = "paypay"
	ProviderKomoju Provider = "komoju"
)

// ParseProvider normalises a provider name and reports whether it is supported.
func ParseProvider(value string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(value)))
	switch p {
	case ProviderStripe, ProviderPayPal, ProviderSquare, ProviderPayPay, ProviderKomoju:
		return p, true
	default:
		return "", false
	}
}

func (p Provider) String() string { return string(p) }

// CanonicalStatus is the provider-agnostic outcome of a charge or settlement event.
type CanonicalStatus string

const (
	StatusPending   CanonicalStatus = "pending"
	StatusSucceeded CanonicalStatus = "succeeded"
	StatusFailed    CanonicalStatus = "failed"
	StatusCancelled CanonicalStatus = "cancelled"
	StatusExpired   CanonicalStatus = "expired"
	// StatusRefunded is recorded as a transaction but never moves a payment link.
	StatusRefunded CanonicalStatus = "refunded"
	// StatusIgnored marks provider vocabulary that carries no state change.
	StatusIgnored CanonicalStatus = "ignored"
)

// Terminal reports whether the status ends a payment link lifecycle.
func (s CanonicalStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Credentials carries decrypted provider credentials for the duration of one call.
// Values must never be logged.
type Credentials struct {
	ConfigID string
	TestMode bool
	Values   map[string]string
}

// Get returns the trimmed credential value for key.
func (c Credentials) Get(key string) string {
	if c.Values == nil {
		return ""
	}
	return strings.TrimSpace(c.Values[key])
}

// ReturnURLs are where the payer is sent after leaving the hosted page.
type ReturnURLs struct {
	Success string
	Cancel  string
}

// ChargeRequest opens a payable session for a payment link.
type ChargeRequest struct {
	LinkID      string
	Amount      int64
	Currency    string
	Description string
	ExpiresAt   *time.Time
	ReturnURLs  ReturnURLs
}

// ChargeResponse is what a provider returns for a newly opened session.
type ChargeResponse struct {
	ProviderReferenceID string
	PayURL              string
	ExpiresAt           *time.Time
}

// StatusResult is the outcome of polling a provider for a reference.
type StatusResult struct {
	Status                CanonicalStatus
	ProviderTransactionID string
	Amount                int64
	Currency              string
	OccurredAt            time.Time
	Raw                   []byte
	// CaptureRequired marks a payer-approved charge that moves no money until
	// the adapter's Capture is called.
	CaptureRequired bool
}

// WebhookEvent is a provider notification translated into canonical form.
type WebhookEvent struct {
	EventType             string
	ProviderReferenceID   string
	ProviderTransactionID string
	// LinkID is set when the provider echoes the payment link id back as a custom reference.
	LinkID     string
	Amount     int64
	Currency   string
	Status     CanonicalStatus
	OccurredAt time.Time
	Raw        []byte
	// CaptureRequired is set on approval notifications that need a Capture call.
	CaptureRequired bool
}

// Adapter abstracts the operations required from an upstream payment provider.
type Adapter interface {
	Provider() Provider
	SupportsCurrency(currency string) bool
	// PollGrace is how long after creation a pending link is trusted to the
	// webhook path before status polls call out to the provider.
	PollGrace() time.Duration
	ValidateCredentials(c Credentials) error
	CreateCharge(ctx context.Context, c Credentials, req ChargeRequest) (ChargeResponse, error)
	GetStatus(ctx context.Context, c Credentials, providerReferenceID string) (StatusResult, error)
	Cancel(ctx context.Context, c Credentials, providerReferenceID string) error
	// VerifyWebhookSignature must run before the body is parsed.
	VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) bool
	ParseWebhookEvent(rawBody []byte) (WebhookEvent, error)
}

// Capturer is implemented by adapters whose charges settle only after an
// explicit capture of the payer's approval. Capture must be idempotent per
// providerReferenceID.
type Capturer interface {
	Capture(ctx context.Context, c Credentials, providerReferenceID string) (StatusResult, error)
}

// HeaderNotificationURL carries the public URL a webhook was delivered to.
// It is set by the webhook boundary for providers that sign the URL.
const HeaderNotificationURL = "X-Paylink-Notification-Url"

// CredentialWebhookSecret is the credential key every provider uses for webhook verification.
const CredentialWebhookSecret = "webhook_secret"

// PublicCredentialFields lists credential keys that are safe to show back to the owner.
func PublicCredentialFields(p Provider) []string {
	switch p {
	case ProviderStripe, ProviderKomoju:
		return []string{"publishable_key"}
	case ProviderPayPal:
		return []string{"client_id"}
	case ProviderSquare:
		return []string{"application_id", "location_id"}
	case ProviderPayPay:
		return []string{"merchant_id"}
	default:
		return nil
	}
}
