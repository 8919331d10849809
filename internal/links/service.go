package links

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paylink/internal/events"
	"github.com/noah-isme/backend-paylink/internal/obs"
	"github.com/noah-isme/backend-paylink/internal/paylink"
	"github.com/noah-isme/backend-paylink/internal/payment"
	"github.com/noah-isme/backend-paylink/internal/ratelimit"
	"github.com/noah-isme/backend-paylink/internal/vault"
)

// ConfigResolver hands out the requester's active provider config.
type ConfigResolver interface {
	ResolveActive(ctx context.Context, ownerID, configID string) (vault.ProviderConfig, payment.Credentials, error)
}

// Engine is the subset of the reconciliation engine the service drives.
type Engine interface {
	ReconcileByPolling(ctx context.Context, linkID string) (paylink.Link, error)
	Cancel(ctx context.Context, ownerID, linkID string) (paylink.Link, error)
}

// Quota throttles link creation per owner.
type Quota interface {
	Reserve(ctx context.Context, ownerID string) (time.Time, error)
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Options configures a Service.
type Options struct {
	Store           paylink.Store
	Registry        *payment.Registry
	Configs         ConfigResolver
	Engine          Engine
	Emitter         Emitter
	Quota           Quota
	Validator       *validator.Validate
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	ProviderTimeout time.Duration
	PublicBaseURL   string
	Logger          zerolog.Logger
	Now             func() time.Time
}

// Service orchestrates payment link creation and the owner-facing reads and
// writes around it. Status changes are left to the engine.
type Service struct {
	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds a Service, filling defaults for unset durations.
func NewService(opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 10 * time.Second
	}
	validate := opts.Validator
	if validate == nil {
		validate = validator.New()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{opts: opts, validate: validate, now: now}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.opts.Logger
}

// NewLinkID returns a fresh payment link identifier. It stays short enough
// for every provider's merchant reference field.
func NewLinkID() string {
	return "pl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create validates in, opens a provider session and persists the pending link.
// A rejected or failed provider call persists nothing.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (paylink.View, error) {
	ctx, span := otel.Tracer("links").Start(ctx, "links.create")
	defer span.End()

	if err := s.validate.Struct(in); err != nil {
		return paylink.View{}, fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	now := s.now()
	currency := payment.NormalizeCurrency(in.Currency)
	expiresAt := now.Add(s.opts.DefaultTTL)
	if in.ExpiresAt != nil {
		expiresAt = in.ExpiresAt.UTC()
		if !expiresAt.After(now) {
			return paylink.View{}, fmt.Errorf("%w: expiresAt must be in the future", ErrValidation)
		}
		if expiresAt.After(now.Add(s.opts.MaxTTL)) {
			return paylink.View{}, fmt.Errorf("%w: expiresAt is beyond the maximum link lifetime", ErrValidation)
		}
	}

	if s.opts.Quota != nil {
		if _, err := s.opts.Quota.Reserve(ctx, ownerID); err != nil {
			if errors.Is(err, ratelimit.ErrLimited) {
				return paylink.View{}, ErrRateLimited
			}
			s.log(ctx).Warn().Err(err).Msg("create_quota_unavailable")
		}
	}

	cfg, creds, err := s.opts.Configs.ResolveActive(ctx, ownerID, strings.TrimSpace(in.ProviderConfigID))
	if err != nil {
		return paylink.View{}, err
	}
	adapter, err := s.opts.Registry.Get(cfg.Provider)
	if err != nil {
		return paylink.View{}, err
	}
	provider := string(cfg.Provider)
	span.SetAttributes(attribute.String("payment.provider", provider))
	if !adapter.SupportsCurrency(currency) {
		obs.Inc(obs.LinkCreatedTotal, provider, "validation_failed")
		return paylink.View{}, fmt.Errorf("%w: currency %s is not supported by %s", ErrValidation, currency, provider)
	}

	id := NewLinkID()
	logger := s.log(ctx).With().Str("link_id", id).Str("provider", provider).Logger()
	callCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	resp, err := adapter.CreateCharge(callCtx, creds, payment.ChargeRequest{
		LinkID:      id,
		Amount:      in.Amount,
		Currency:    currency,
		Description: in.Description,
		ExpiresAt:   &expiresAt,
		ReturnURLs:  s.returnURLs(id, in),
	})
	cancel()
	if err != nil {
		result := "provider_rejected"
		if payment.IsRetryable(err) {
			result = "provider_unavailable"
		}
		obs.Inc(obs.LinkCreatedTotal, provider, result)
		span.RecordError(err)
		logger.Warn().Err(err).Msg("create_charge_failed")
		return paylink.View{}, err
	}

	link := paylink.Link{
		ID:                  id,
		OwnerID:             ownerID,
		Provider:            cfg.Provider,
		ProviderConfigID:    cfg.ID,
		Amount:              in.Amount,
		Currency:            currency,
		Description:         in.Description,
		Status:              paylink.StatusPending,
		ProviderReferenceID: resp.ProviderReferenceID,
		LinkURL:             resp.PayURL,
		ExpiresAt:           &expiresAt,
		Metadata:            in.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.opts.Store.Create(ctx, link); err != nil {
		obs.Inc(obs.LinkCreatedTotal, provider, "error")
		logger.Error().Err(err).Msg("persist_payment_link_failed")
		if resp.ProviderReferenceID != "" {
			if cancelErr := adapter.Cancel(context.WithoutCancel(ctx), creds, resp.ProviderReferenceID); cancelErr != nil {
				logger.Warn().Err(cancelErr).Msg("orphaned_provider_session")
			}
		}
		return paylink.View{}, fmt.Errorf("persist payment link: %w", err)
	}

	obs.Inc(obs.LinkCreatedTotal, provider, "created")
	logger.Info().Int64("amount", link.Amount).Str("currency", link.Currency).Msg("payment_link_created")
	if s.opts.Emitter != nil {
		if _, err := s.opts.Emitter.Emit(ctx, events.TopicLinkCreated, link.ID, events.NewLinkPayload(link, "")); err != nil {
			logger.Error().Err(err).Msg("domain_event_emit_failed")
		}
	}
	return link.View(), nil
}

func (s *Service) returnURLs(id string, in CreateInput) payment.ReturnURLs {
	base := strings.TrimRight(s.opts.PublicBaseURL, "/") + "/pay/" + id
	urls := payment.ReturnURLs{Success: in.SuccessURL, Cancel: in.CancelURL}
	if urls.Success == "" {
		urls.Success = base + "/complete"
	}
	if urls.Cancel == "" {
		urls.Cancel = base + "/cancelled"
	}
	return urls
}

func (s *Service) owned(ctx context.Context, ownerID, id string) (paylink.Link, error) {
	link, err := s.opts.Store.Get(ctx, id)
	if err != nil {
		return paylink.Link{}, err
	}
	if link.OwnerID != ownerID {
		return paylink.Link{}, paylink.ErrNotOwner
	}
	return link, nil
}

// Get returns the owner's link.
func (s *Service) Get(ctx context.Context, ownerID, id string) (paylink.View, error) {
	link, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return paylink.View{}, err
	}
	return link.View(), nil
}

// PollStatus returns the current view of a link, asking the provider first
// when the link is pending past its grace window. Provider trouble never
// fails the poll; the stored state is returned instead.
func (s *Service) PollStatus(ctx context.Context, id string) (paylink.View, error) {
	link, err := s.opts.Engine.ReconcileByPolling(ctx, id)
	if errors.Is(err, paylink.ErrNotFound) {
		return paylink.View{}, err
	}
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("link_id", id).Msg("poll_reconcile_failed")
		if link, err = s.opts.Store.Get(ctx, id); err != nil {
			return paylink.View{}, err
		}
	}
	return link.View(), nil
}

// OwnerPollStatus is PollStatus restricted to the link's owner.
func (s *Service) OwnerPollStatus(ctx context.Context, ownerID, id string) (paylink.View, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return paylink.View{}, err
	}
	return s.PollStatus(ctx, id)
}

// List returns the owner's links, newest first.
func (s *Service) List(ctx context.Context, ownerID string, f paylink.ListFilter) ([]paylink.View, error) {
	if f.Status != "" {
		switch f.Status {
		case paylink.StatusPending, paylink.StatusSucceeded, paylink.StatusFailed, paylink.StatusCancelled, paylink.StatusExpired:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
		}
	}
	links, err := s.opts.Store.ListByOwner(ctx, ownerID, f)
	if err != nil {
		return nil, err
	}
	views := make([]paylink.View, 0, len(links))
	for _, l := range links {
		views = append(views, l.View())
	}
	return views, nil
}

// Delete removes a link that has never settled.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.opts.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.log(ctx).Info().Str("link_id", id).Msg("payment_link_deleted")
	return nil
}

// Cancel closes a pending link.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (paylink.View, error) {
	link, err := s.opts.Engine.Cancel(ctx, ownerID, id)
	if err != nil {
		return paylink.View{}, err
	}
	return link.View(), nil
}

// Transactions lists every recorded settlement event of the owner's link.
func (s *Service) Transactions(ctx context.Context, ownerID, id string) ([]paylink.Transaction, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.opts.Store.ListTransactions(ctx, id)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
