package links

import (
	"errors"
	"time"
)

var (
	// ErrValidation marks a malformed creation request.
	ErrValidation = errors.New("links: validation failed")
	// ErrRateLimited is returned when the owner's creation quota is spent.
	ErrRateLimited = errors.New("links: creation rate limit exceeded")
)

// CreateInput is a request to open a payment link.
type CreateInput struct {
	ProviderConfigID string            `json:"providerConfigId" validate:"required,max=64"`
	Amount           int64             `json:"amount" validate:"gt=0"`
	Currency         string            `json:"currency" validate:"required,len=3,alpha"`
	Description      string            `json:"description" validate:"max=500"`
	ExpiresAt        *time.Time        `json:"expiresAt"`
	SuccessURL       string            `json:"successUrl" validate:"omitempty,url,max=2048"`
	CancelURL        string            `json:"cancelUrl" validate:"omitempty,url,max=2048"`
	Metadata         map[string]string `json:"metadata" validate:"omitempty,max=20,dive,keys,required,max=40,endkeys,max=500"`
}
