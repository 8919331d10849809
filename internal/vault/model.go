package vault

import (
	"errors"
	"time"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

var (
	ErrNotFound       = errors.New("vault: provider config not found")
	ErrNotOwner       = errors.New("vault: provider config belongs to another owner")
	ErrNoActiveConfig = errors.New("vault: no active provider config")
	ErrConfigInUse    = errors.New("vault: provider config is referenced by payment links")
	ErrInvalidInput   = errors.New("vault: invalid input")
)

// ProviderConfig is a merchant's stored credential set for one provider.
// EncryptedCredentials holds the sealed JSON object of credential fields.
type ProviderConfig struct {
	ID                   string
	OwnerID              string
	Provider             payment.Provider
	DisplayName          string
	EncryptedCredentials string
	IsTestMode           bool
	IsActive             bool
	LastVerifiedAt       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ConfigView is the redacted representation returned to owners.
type ConfigView struct {
	ID             string            `json:"id"`
	Provider       string            `json:"provider"`
	DisplayName    string            `json:"displayName"`
	IsTestMode     bool              `json:"isTestMode"`
	IsActive       bool              `json:"isActive"`
	LastVerifiedAt *time.Time        `json:"lastVerifiedAt,omitempty"`
	DisplayFields  map[string]string `json:"displayFields,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// WebhookSecret pairs a config with its webhook signing secret.
type WebhookSecret struct {
	ConfigID string
	Secret   string
}

// CreateInput carries a new config. Credentials are plaintext only for the
// duration of the request.
type CreateInput struct {
	Provider    string            `json:"provider" validate:"required"`
	DisplayName string            `json:"displayName" validate:"required,max=100"`
	IsTestMode  bool              `json:"isTestMode"`
	IsActive    *bool             `json:"isActive"`
	Credentials map[string]string `json:"credentials" validate:"required,min=1,dive,keys,required,max=64,endkeys,max=4096"`
}

// UpdateInput changes selected fields. A non-empty Credentials map replaces the
// stored set.
type UpdateInput struct {
	DisplayName *string           `json:"displayName" validate:"omitempty,min=1,max=100"`
	IsTestMode  *bool             `json:"isTestMode"`
	IsActive    *bool             `json:"isActive"`
	Credentials map[string]string `json:"credentials" validate:"omitempty,dive,keys,required,max=64,endkeys,max=4096"`
}
