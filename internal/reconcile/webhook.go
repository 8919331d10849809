package reconcile

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paylink/internal/common"
	"github.com/noah-isme/backend-paylink/internal/obs"
	"github.com/noah-isme/backend-paylink/internal/payment"
	"github.com/noah-isme/backend-paylink/internal/security"
	"github.com/noah-isme/backend-paylink/internal/vault"
)

// SecretSource yields the webhook secrets an inbound delivery may be signed with.
type SecretSource interface {
	WebhookSecrets(ctx context.Context, provider payment.Provider, configID string) ([]vault.WebhookSecret, error)
}

// Webhook is the inbound provider webhook boundary. Once a delivery is
// authenticated it answers 200; failures after that point are logged and left
// to the stale pending sweep. The exception is an identical body still being
// applied by another request, which gets 409 so the provider redelivers.
type Webhook struct {
	Engine        *Engine
	Registry      *payment.Registry
	Secrets       SecretSource
	Replay        ReplayGuard
	ReplayTTL     time.Duration
	PublicBaseURL string
	MaxBodyBytes  int64
	Logger        zerolog.Logger
}

// Routes mounts the webhook endpoints.
func (h Webhook) Routes(r chi.Router) {
	limit := security.BodyLimit{Max: h.MaxBodyBytes}
	r.With(limit.Middleware).Post("/{provider}", h.Handle)
	r.With(limit.Middleware).Post("/{provider}/{configId}", h.Handle)
}

// Handle verifies, parses and applies one provider webhook.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("reconcile.Webhook").Start(r.Context(), "Webhook.Handle")
	defer span.End()

	name := chi.URLParam(r, "provider")
	configID := strings.TrimSpace(chi.URLParam(r, "configId"))
	label := providerLabel(name)
	result := "error"
	defer func() { obs.Inc(obs.WebhookTotal, label, result) }()
	span.SetAttributes(attribute.String("payment.provider", label))

	adapter, err := h.Registry.Lookup(name)
	if err != nil {
		result = "unknown_provider"
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown provider", nil)
		return
	}
	provider := adapter.Provider()
	logger := h.logger(ctx).With().Str("provider", string(provider)).Logger()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		span.RecordError(err)
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read payload", nil)
		return
	}

	secrets, err := h.Secrets.WebhookSecrets(ctx, provider, configID)
	switch {
	case errors.Is(err, vault.ErrConfiguration):
		logger.Error().Err(err).Msg("webhook_vault_unavailable")
		common.JSONError(w, http.StatusServiceUnavailable, "VAULT_UNAVAILABLE", "webhook verification unavailable", nil)
		return
	case errors.Is(err, vault.ErrNotFound):
		secrets = nil
	case err != nil:
		span.RecordError(err)
		logger.Error().Err(err).Msg("webhook_secret_lookup_failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}

	headers := r.Header.Clone()
	headers.Set(payment.HeaderNotificationURL, h.PublicBaseURL+r.URL.Path)
	verifiedBy, ok := verify(adapter, body, headers, secrets)
	if !ok {
		result = "invalid_signature"
		logger.Warn().Str("config_id", configID).Msg("webhook_signature_rejected")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}
	logger = logger.With().Str("config_id", verifiedBy).Logger()

	if h.Replay != nil {
		key := "paylink:whreplay:" + common.Sha256Hex(string(provider)+"|"+verifiedBy+"|"+string(body))
		state, err := h.Replay.Acquire(ctx, key, h.ReplayTTL)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("webhook_replay_guard_unavailable")
		case state == ReplayDone:
			result = "replay"
			acknowledge(w)
			return
		case state == ReplayInFlight:
			// the provider retries a non-2xx, so nothing is lost if the
			// delivery holding the key fails
			result = "in_flight"
			common.JSONError(w, http.StatusConflict, "WEBHOOK_IN_PROGRESS", "an identical delivery is being processed", nil)
			return
		default:
			defer func() {
				bg := context.WithoutCancel(ctx)
				if result == "error" {
					if err := h.Replay.Release(bg, key); err != nil {
						logger.Warn().Err(err).Msg("webhook_replay_release_failed")
					}
					return
				}
				if err := h.Replay.Commit(bg, key, h.ReplayTTL); err != nil {
					logger.Warn().Err(err).Msg("webhook_replay_commit_failed")
				}
			}()
		}
	}

	parsed, err := adapter.ParseWebhookEvent(body)
	if err != nil {
		result = "malformed"
		logger.Warn().Err(err).Msg("webhook_payload_malformed")
		acknowledge(w)
		return
	}
	ev := Event{WebhookEvent: parsed, Provider: provider, Source: SourceWebhook, ConfigID: verifiedBy}
	res, err := h.Engine.ApplyProviderEvent(logger.WithContext(ctx), ev)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("event_type", parsed.EventType).Msg("webhook_apply_failed")
		acknowledge(w)
		return
	}
	result = string(res.Outcome)
	acknowledge(w)
}

// verify tries each candidate secret and reports which config signed the body.
func verify(adapter payment.Adapter, body []byte, headers http.Header, secrets []vault.WebhookSecret) (string, bool) {
	for _, s := range secrets {
		if adapter.VerifyWebhookSignature(body, headers, s.Secret) {
			return s.ConfigID, true
		}
	}
	return "", false
}

func acknowledge(w http.ResponseWriter) {
	common.JSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h Webhook) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &h.Logger
}

func providerLabel(name string) string {
	if p, ok := payment.ParseProvider(name); ok {
		return string(p)
	}
	return "unknown"
}
