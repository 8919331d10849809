package payment

import (
	"errors"
	"fmt"

	"github.com/noah-isme/backend-paylink/internal/resilience"
)

var (
	// ErrProviderUnavailable is a transient failure that is safe to retry later.
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
	// ErrProviderRejected means the request can never succeed as submitted.
	ErrProviderRejected = errors.New("payment: provider rejected request")
	// ErrUnknownProvider is returned by the registry for unsupported names.
	ErrUnknownProvider = errors.New("payment: unknown provider")
	// ErrMalformedEvent is returned when an authenticated webhook body cannot be decoded.
	ErrMalformedEvent = errors.New("payment: malformed webhook event")
	// ErrInvalidCredentials is returned by ValidateCredentials.
	ErrInvalidCredentials = errors.New("payment: invalid credentials")
)

// ProviderError describes a failed adapter call. It unwraps to either
// ErrProviderUnavailable or ErrProviderRejected.
type ProviderError struct {
	Provider   Provider
	Op         string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("payment: %s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the taxonomy sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	sentinel := ErrProviderRejected
	if e.Retryable {
		sentinel = ErrProviderUnavailable
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func unavailable(p Provider, op string, err error) error {
	pe := &ProviderError{Provider: p, Op: op, Retryable: true, Err: err}
	var se *resilience.StatusError
	if errors.As(err, &se) {
		pe.StatusCode = se.StatusCode
	}
	return pe
}

func rejected(p Provider, op string, status int, code, message string) error {
	return &ProviderError{Provider: p, Op: op, StatusCode: status, Code: code, Message: message}
}

// classifyTransportError maps a failure from the HTTP layer onto the taxonomy.
// Anything that never produced a definitive 4xx (network errors, timeouts,
// 5xx, 429, an open breaker) is transient.
func classifyTransportError(p Provider, op string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return unavailable(p, op, err)
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
