package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

// UsageCounter reports how many payment links reference a config.
type UsageCounter interface {
	CountByConfig(ctx context.Context, configID string) (int, error)
}

// Service is the only component that decrypts provider credentials.
type Service struct {
	store    Store
	cipher   *Cipher
	registry *payment.Registry
	validate *validator.Validate
	usage    UsageCounter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the vault service.
func NewService(store Store, c *Cipher, registry *payment.Registry, validate *validator.Validate, logger zerolog.Logger) *Service {
	if validate == nil {
		validate = validator.New()
	}
	return &Service{
		store:    store,
		cipher:   c,
		registry: registry,
		validate: validate,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithUsageCounter blocks deletion of configs still referenced by links.
func (s *Service) WithUsageCounter(u UsageCounter) *Service {
	s.usage = u
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Ready reports whether the vault key is usable.
func (s *Service) Ready(context.Context) error {
	return s.cipher.Ready()
}

func (s *Service) seal(id string, values map[string]string) (string, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("vault: encode credentials: %w", err)
	}
	return s.cipher.Encrypt(raw, []byte(id))
}

func (s *Service) open(cfg ProviderConfig) (map[string]string, error) {
	raw, err := s.cipher.Decrypt(cfg.EncryptedCredentials, []byte(cfg.ID))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfg.ID, err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfg.ID, ErrIntegrity)
	}
	return values, nil
}

func (s *Service) credentials(cfg ProviderConfig) (payment.Credentials, error) {
	values, err := s.open(cfg)
	if err != nil {
		return payment.Credentials{}, err
	}
	return payment.Credentials{ConfigID: cfg.ID, TestMode: cfg.IsTestMode, Values: values}, nil
}

func (s *Service) validateInput(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func trimValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Create validates and stores a new config. Credentials are sealed before
// anything is persisted.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (ConfigView, error) {
	if err := s.cipher.Ready(); err != nil {
		return ConfigView{}, err
	}
	if err := s.validateInput(in); err != nil {
		return ConfigView{}, err
	}
	provider, ok := payment.ParseProvider(in.Provider)
	if !ok {
		return ConfigView{}, fmt.Errorf("%w: unsupported provider %q", ErrInvalidInput, in.Provider)
	}
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return ConfigView{}, err
	}
	values := trimValues(in.Credentials)
	if err := adapter.ValidateCredentials(payment.Credentials{TestMode: in.IsTestMode, Values: values}); err != nil {
		return ConfigView{}, err
	}

	now := s.now()
	cfg := ProviderConfig{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Provider:    provider,
		DisplayName: strings.TrimSpace(in.DisplayName),
		IsTestMode:  in.IsTestMode,
		IsActive:    in.IsActive == nil || *in.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cfg.EncryptedCredentials, err = s.seal(cfg.ID, values); err != nil {
		return ConfigView{}, err
	}
	if err := s.store.Create(ctx, cfg); err != nil {
		return ConfigView{}, err
	}
	s.logger.Info().Str("config_id", cfg.ID).Str("provider", string(provider)).Str("owner_id", ownerID).Msg("provider_config_created")
	return s.view(cfg, values), nil
}

// owned loads a config and checks the owner.
func (s *Service) owned(ctx context.Context, ownerID, id string) (ProviderConfig, error) {
	cfg, err := s.store.Get(ctx, id)
	if err != nil {
		return ProviderConfig{}, err
	}
	if cfg.OwnerID != ownerID {
		return ProviderConfig{}, ErrNotOwner
	}
	return cfg, nil
}

// List returns the owner's configs with display fields when decryptable.
func (s *Service) List(ctx context.Context, ownerID string) ([]ConfigView, error) {
	configs, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]ConfigView, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, s.viewBestEffort(ctx, cfg))
	}
	return out, nil
}

// Get returns one redacted config.
func (s *Service) Get(ctx context.Context, ownerID, id string) (ConfigView, error) {
	cfg, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return ConfigView{}, err
	}
	return s.viewBestEffort(ctx, cfg), nil
}

// Update applies the changed fields. Rotated credentials are validated against
// the provider before being sealed; a mode switch revalidates stored ones.
func (s *Service) Update(ctx context.Context, ownerID, id string, in UpdateInput) (ConfigView, error) {
	if err := s.validateInput(in); err != nil {
		return ConfigView{}, err
	}
	cfg, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return ConfigView{}, err
	}
	if in.DisplayName != nil {
		cfg.DisplayName = strings.TrimSpace(*in.DisplayName)
	}
	if in.IsActive != nil {
		cfg.IsActive = *in.IsActive
	}
	modeChanged := in.IsTestMode != nil && *in.IsTestMode != cfg.IsTestMode
	if in.IsTestMode != nil {
		cfg.IsTestMode = *in.IsTestMode
	}

	var values map[string]string
	if len(in.Credentials) > 0 || modeChanged {
		if len(in.Credentials) > 0 {
			values = trimValues(in.Credentials)
		} else if values, err = s.open(cfg); err != nil {
			return ConfigView{}, err
		}
		adapter, err := s.registry.Get(cfg.Provider)
		if err != nil {
			return ConfigView{}, err
		}
		if err := adapter.ValidateCredentials(payment.Credentials{TestMode: cfg.IsTestMode, Values: values}); err != nil {
			return ConfigView{}, err
		}
		if len(in.Credentials) > 0 {
			if cfg.EncryptedCredentials, err = s.seal(cfg.ID, values); err != nil {
				return ConfigView{}, err
			}
			cfg.LastVerifiedAt = nil
		}
	}
	cfg.UpdatedAt = s.now()
	if err := s.store.Update(ctx, cfg); err != nil {
		return ConfigView{}, err
	}
	if values == nil {
		return s.viewBestEffort(ctx, cfg), nil
	}
	return s.view(cfg, values), nil
}

// Delete removes a config unless payment links still reference it.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if s.usage != nil {
		n, err := s.usage.CountByConfig(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConfigInUse
		}
	}
	return s.store.Delete(ctx, id)
}

// Verify decrypts the stored credentials, checks their shape for the provider
// and stamps LastVerifiedAt.
func (s *Service) Verify(ctx context.Context, ownerID, id string) (ConfigView, error) {
	cfg, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return ConfigView{}, err
	}
	creds, err := s.credentials(cfg)
	if err != nil {
		return ConfigView{}, err
	}
	adapter, err := s.registry.Get(cfg.Provider)
	if err != nil {
		return ConfigView{}, err
	}
	if err := adapter.ValidateCredentials(creds); err != nil {
		return ConfigView{}, err
	}
	now := s.now()
	cfg.LastVerifiedAt = &now
	cfg.UpdatedAt = now
	if err := s.store.Update(ctx, cfg); err != nil {
		return ConfigView{}, err
	}
	return s.view(cfg, creds.Values), nil
}

// DecryptForDisplay returns only the provider's non-secret fields, such as a
// publishable key. Secret fields never leave the vault through this path.
func (s *Service) DecryptForDisplay(ctx context.Context, ownerID, id string) (map[string]string, error) {
	cfg, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	values, err := s.open(cfg)
	if err != nil {
		return nil, err
	}
	return displayFields(cfg.Provider, values), nil
}

// ResolveActive returns the owner's active config with decrypted credentials.
// Unknown, foreign and inactive configs all report ErrNoActiveConfig so callers
// cannot probe other owners' ids.
func (s *Service) ResolveActive(ctx context.Context, ownerID, configID string) (ProviderConfig, payment.Credentials, error) {
	cfg, err := s.owned(ctx, ownerID, configID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotOwner) {
		return ProviderConfig{}, payment.Credentials{}, ErrNoActiveConfig
	}
	if err != nil {
		return ProviderConfig{}, payment.Credentials{}, err
	}
	if !cfg.IsActive {
		return ProviderConfig{}, payment.Credentials{}, ErrNoActiveConfig
	}
	creds, err := s.credentials(cfg)
	if err != nil {
		return ProviderConfig{}, payment.Credentials{}, err
	}
	return cfg, creds, nil
}

// Credentials decrypts the credentials of a config regardless of its active
// flag; pending links keep using the config they were created with.
func (s *Service) Credentials(ctx context.Context, configID string) (payment.Credentials, error) {
	cfg, err := s.store.Get(ctx, configID)
	if err != nil {
		return payment.Credentials{}, err
	}
	return s.credentials(cfg)
}

// WebhookSecrets returns the signing secrets a webhook for provider may be
// verified against. With a configID only that config is considered, active or
// not; otherwise every active config of the provider is.
func (s *Service) WebhookSecrets(ctx context.Context, provider payment.Provider, configID string) ([]WebhookSecret, error) {
	var configs []ProviderConfig
	if configID != "" {
		cfg, err := s.store.Get(ctx, configID)
		if err != nil {
			return nil, err
		}
		if cfg.Provider != provider {
			return nil, ErrNotFound
		}
		configs = []ProviderConfig{cfg}
	} else {
		var err error
		if configs, err = s.store.ListActiveByProvider(ctx, provider); err != nil {
			return nil, err
		}
	}
	out := make([]WebhookSecret, 0, len(configs))
	for _, cfg := range configs {
		values, err := s.open(cfg)
		if err != nil {
			if errors.Is(err, ErrConfiguration) {
				return nil, err
			}
			s.logger.Error().Err(err).Str("config_id", cfg.ID).Msg("provider_config_unreadable")
			continue
		}
		if secret := values[payment.CredentialWebhookSecret]; secret != "" {
			out = append(out, WebhookSecret{ConfigID: cfg.ID, Secret: secret})
		}
	}
	return out, nil
}

func (s *Service) view(cfg ProviderConfig, values map[string]string) ConfigView {
	return ConfigView{
		ID:             cfg.ID,
		Provider:       string(cfg.Provider),
		DisplayName:    cfg.DisplayName,
		IsTestMode:     cfg.IsTestMode,
		IsActive:       cfg.IsActive,
		LastVerifiedAt: cfg.LastVerifiedAt,
		DisplayFields:  displayFields(cfg.Provider, values),
		CreatedAt:      cfg.CreatedAt,
		UpdatedAt:      cfg.UpdatedAt,
	}
}

func (s *Service) viewBestEffort(ctx context.Context, cfg ProviderConfig) ConfigView {
	values, err := s.open(cfg)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("config_id", cfg.ID).Msg("provider_config_display_unavailable")
	}
	return s.view(cfg, values)
}

func displayFields(p payment.Provider, values map[string]string) map[string]string {
	fields := payment.PublicCredentialFields(p)
	if len(values) == 0 || len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v := values[f]; v != "" {
			out[f] = v
		}
	}
	return out
}
