package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-paylink/internal/events"
	"github.com/noah-isme/backend-paylink/internal/obs"
	"github.com/noah-isme/backend-paylink/internal/paylink"
	"github.com/noah-isme/backend-paylink/internal/payment"
)

// Source names what produced an event.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceCancel  Source = "cancel"
	SourceExpiry  Source = "expiry"
)

// Outcome describes what ApplyProviderEvent did.
type Outcome string

const (
	// OutcomeApplied: a transaction was recorded and the link transitioned.
	OutcomeApplied Outcome = "applied"
	// OutcomeRecorded: a transaction was recorded but the link was left as is.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeDuplicate: the transaction already existed; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeOrphan: no link matched the event.
	OutcomeOrphan Outcome = "orphan"
	// OutcomeRejected: the event matched a link it may not touch.
	OutcomeRejected Outcome = "rejected"
	// OutcomeIgnored: the event carries no state change.
	OutcomeIgnored Outcome = "ignored"
)

// Event is a canonical provider event entering the engine.
type Event struct {
	payment.WebhookEvent
	Provider payment.Provider
	Source   Source
	// ConfigID is the provider config whose secret verified the event. Empty
	// for events the service synthesised itself.
	ConfigID string
}

// Result reports the outcome and the link state after the call.
type Result struct {
	Outcome     Outcome
	Link        paylink.Link
	Transaction *paylink.Transaction
}

// CredentialSource decrypts the credentials of a provider config.
type CredentialSource interface {
	Credentials(ctx context.Context, configID string) (payment.Credentials, error)
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Locker serialises provider polls for a link across processes.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// Options configures an Engine.
type Options struct {
	Store       paylink.Store
	Registry    *payment.Registry
	Credentials CredentialSource
	Emitter     Emitter
	Locker      Locker
	PollLockTTL time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Engine is the payment link state machine. Every status change, whatever
// triggered it, goes through ApplyProviderEvent.
type Engine struct {
	store   paylink.Store
	reg     *payment.Registry
	creds   CredentialSource
	emitter Emitter
	locker  Locker
	lockTTL time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEngine builds an Engine.
func NewEngine(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := opts.PollLockTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Engine{
		store:   opts.Store,
		reg:     opts.Registry,
		creds:   opts.Credentials,
		emitter: opts.Emitter,
		locker:  opts.Locker,
		lockTTL: ttl,
		logger:  opts.Logger,
		now:     now,
	}
}

func (e *Engine) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &e.logger
}

var errDuplicate = errors.New("duplicate transaction")

// ApplyProviderEvent records ev against its payment link. Duplicate deliveries,
// unknown links and events for terminal links are successful no-ops; only
// storage failures and failed captures are returned as errors.
func (e *Engine) ApplyProviderEvent(ctx context.Context, ev Event) (Result, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.apply_provider_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", string(ev.Provider)),
		attribute.String("payment.event_type", ev.EventType),
		attribute.String("reconcile.source", string(ev.Source)),
	)
	logger := e.log(ctx).With().
		Str("provider", string(ev.Provider)).
		Str("source", string(ev.Source)).
		Str("event_type", ev.EventType).
		Str("provider_reference_id", ev.ProviderReferenceID).
		Str("provider_transaction_id", ev.ProviderTransactionID).
		Logger()

	if ev.CaptureRequired && ev.Status == payment.StatusPending {
		return e.captureApproved(ctx, ev, logger)
	}
	if ev.Status == payment.StatusIgnored || ev.Status == payment.StatusPending || ev.Status == "" {
		logger.Debug().Str("status", string(ev.Status)).Msg("provider_event_without_state_change")
		return Result{Outcome: OutcomeIgnored}, nil
	}

	link, res, ok, err := e.locate(ctx, ev, logger)
	if !ok || err != nil {
		return res, err
	}
	logger = logger.With().Str("link_id", link.ID).Logger()
	span.SetAttributes(attribute.String("paylink.id", link.ID))

	txnID := ev.ProviderTransactionID
	if txnID == "" {
		txnID = ev.ProviderReferenceID + ":" + string(ev.Status)
	}
	txn := e.transactionFor(link, ev, txnID)

	var (
		outcome  Outcome
		anomaly  string
		previous paylink.Status
		current  paylink.Link
	)
	err = e.store.Atomically(ctx, func(tx paylink.Tx) error {
		fresh, err := tx.Get(ctx, link.ID)
		if err != nil {
			return err
		}
		previous = fresh.Status
		if fresh.ProviderReferenceID == "" && ev.ProviderReferenceID != "" {
			if err := tx.AttachProviderReference(ctx, fresh.ID, ev.ProviderReferenceID); err != nil {
				return err
			}
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			if errors.Is(err, paylink.ErrDuplicateTransaction) {
				return errDuplicate
			}
			return err
		}
		outcome = OutcomeRecorded
		target, moves := paylink.LinkStatusFor(ev.Status)
		switch {
		case !moves:
		case fresh.Status.Terminal():
			switch {
			case fresh.Status != target:
				anomaly = "conflicting_terminal_event"
			case target == paylink.StatusSucceeded:
				// a second settlement under another transaction id is a double charge
				anomaly = "duplicate_settlement"
			}
		case target == paylink.StatusSucceeded && !amountMatches(fresh, ev.WebhookEvent):
			anomaly = "amount_mismatch"
		default:
			err := tx.Transition(ctx, fresh.ID, target, txn.PaidAt)
			if errors.Is(err, paylink.ErrInvalidTransition) {
				logger.Info().Str("to", string(target)).Msg("transition_race_lost")
				break
			}
			if err != nil {
				return err
			}
			outcome = OutcomeApplied
		}
		current, err = tx.Get(ctx, fresh.ID)
		return err
	})
	if errors.Is(err, errDuplicate) {
		logger.Info().Msg("duplicate_provider_event")
		fresh, getErr := e.store.Get(ctx, link.ID)
		if getErr != nil {
			fresh = link
		}
		return Result{Outcome: OutcomeDuplicate, Link: fresh}, nil
	}
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("apply %s event to %s: %w", ev.Provider, link.ID, err)
	}

	if anomaly != "" {
		obs.Inc(obs.AnomalyTotal, string(ev.Provider), anomaly)
		logger.Warn().
			Str("kind", anomaly).
			Str("link_status", string(previous)).
			Str("event_status", string(ev.Status)).
			Int64("event_amount", ev.Amount).
			Str("event_currency", ev.Currency).
			Msg("payment_link_anomaly")
	}
	if outcome == OutcomeApplied {
		obs.Inc(obs.TransitionTotal, string(ev.Provider), string(current.Status))
		logger.Info().
			Str("from", string(previous)).
			Str("to", string(current.Status)).
			Msg("payment_link_transitioned")
		e.emit(ctx, current, txnID)
	}
	return Result{Outcome: outcome, Link: current, Transaction: &txn}, nil
}

var errReferenceMismatch = errors.New("reference mismatch")

// locate resolves the link an event targets and applies the routing guards.
// ok is false when res already holds the final outcome.
func (e *Engine) locate(ctx context.Context, ev Event, logger zerolog.Logger) (paylink.Link, Result, bool, error) {
	link, err := e.resolve(ctx, ev)
	if errors.Is(err, paylink.ErrNotFound) {
		obs.Inc(obs.OrphanEventTotal, string(ev.Provider))
		logger.Warn().Str("link_id", ev.LinkID).Msg("orphan_provider_event")
		return paylink.Link{}, Result{Outcome: OutcomeOrphan}, false, nil
	}
	if errors.Is(err, errReferenceMismatch) {
		obs.Inc(obs.AnomalyTotal, string(ev.Provider), "reference_mismatch")
		logger.Warn().Str("link_id", link.ID).Str("stored_reference_id", link.ProviderReferenceID).Msg("payment_link_anomaly")
		return link, Result{Outcome: OutcomeRejected, Link: link}, false, nil
	}
	if err != nil {
		return paylink.Link{}, Result{}, false, err
	}
	if ev.ConfigID != "" && link.ProviderConfigID != ev.ConfigID {
		obs.Inc(obs.AnomalyTotal, string(ev.Provider), "config_mismatch")
		logger.Warn().Str("link_id", link.ID).Str("config_id", ev.ConfigID).Msg("payment_link_anomaly")
		return link, Result{Outcome: OutcomeRejected, Link: link}, false, nil
	}
	return link, Result{}, true, nil
}

// captureApproved captures a payer approval and applies what the provider
// answers. Approvals for links that are closed or past their expiry are
// never captured.
func (e *Engine) captureApproved(ctx context.Context, ev Event, logger zerolog.Logger) (Result, error) {
	link, res, ok, err := e.locate(ctx, ev, logger)
	if !ok || err != nil {
		return res, err
	}
	logger = logger.With().Str("link_id", link.ID).Logger()
	if link.Status.Terminal() {
		logger.Info().Str("link_status", string(link.Status)).Msg("approval_for_closed_link")
		return Result{Outcome: OutcomeIgnored, Link: link}, nil
	}
	if link.Expired(e.now()) {
		obs.Inc(obs.AnomalyTotal, string(ev.Provider), "approval_after_expiry")
		logger.Warn().Msg("approval_after_expiry")
		return Result{Outcome: OutcomeIgnored, Link: link}, nil
	}
	adapter, err := e.reg.Get(link.Provider)
	if err != nil {
		return Result{}, err
	}
	capturer, ok := adapter.(payment.Capturer)
	if !ok {
		logger.Debug().Msg("provider_event_without_state_change")
		return Result{Outcome: OutcomeIgnored, Link: link}, nil
	}
	if link.ProviderReferenceID == "" {
		link.ProviderReferenceID = ev.ProviderReferenceID
	}
	if link.ProviderReferenceID == "" {
		return Result{Outcome: OutcomeIgnored, Link: link}, nil
	}
	creds, err := e.creds.Credentials(ctx, link.ProviderConfigID)
	if err != nil {
		return Result{}, fmt.Errorf("capture %s: %w", link.ID, err)
	}
	captured, err := capturer.Capture(ctx, creds, link.ProviderReferenceID)
	if err != nil {
		return Result{}, fmt.Errorf("capture %s: %w", link.ID, err)
	}
	logger.Info().Str("capture_status", string(captured.Status)).Msg("provider_charge_captured")
	captured.CaptureRequired = false
	next := e.statusEvent(link, captured, ev.Source)
	next.ConfigID = ev.ConfigID
	return e.ApplyProviderEvent(ctx, next)
}

// resolve finds the link by provider reference, falling back to the echoed
// link id. A link found by id whose stored reference differs from the event's
// is returned with errReferenceMismatch and must not be touched.
func (e *Engine) resolve(ctx context.Context, ev Event) (paylink.Link, error) {
	if ev.ProviderReferenceID != "" {
		link, err := e.store.FindByProviderReference(ctx, ev.Provider, ev.ProviderReferenceID)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, paylink.ErrNotFound) {
			return paylink.Link{}, err
		}
	}
	if ev.LinkID == "" {
		return paylink.Link{}, paylink.ErrNotFound
	}
	link, err := e.store.Get(ctx, ev.LinkID)
	if err != nil {
		return paylink.Link{}, err
	}
	if link.Provider != ev.Provider {
		return paylink.Link{}, paylink.ErrNotFound
	}
	if ev.ProviderReferenceID != "" && link.ProviderReferenceID != "" && link.ProviderReferenceID != ev.ProviderReferenceID {
		return link, errReferenceMismatch
	}
	return link, nil
}

func (e *Engine) transactionFor(link paylink.Link, ev Event, txnID string) paylink.Transaction {
	amount := ev.Amount
	currency := ev.Currency
	if amount == 0 {
		amount = link.Amount
	}
	if currency == "" {
		currency = link.Currency
	}
	status := paylink.TxnStatusFor(ev.Status)
	txn := paylink.Transaction{
		ID:                    uuid.NewString(),
		PaymentLinkID:         link.ID,
		ProviderTransactionID: txnID,
		Amount:                amount,
		Currency:              currency,
		Status:                status,
		CreatedAt:             e.now(),
		Metadata: map[string]string{
			"source":     string(ev.Source),
			"event_type": ev.EventType,
		},
	}
	if status == paylink.TxnCompleted {
		paid := ev.OccurredAt
		if paid.IsZero() {
			paid = e.now()
		}
		paid = paid.UTC()
		txn.PaidAt = &paid
	}
	return txn
}

// amountMatches treats a missing amount or currency on the event as unknown
// rather than as a mismatch.
func amountMatches(link paylink.Link, ev payment.WebhookEvent) bool {
	if ev.Amount != 0 && ev.Amount != link.Amount {
		return false
	}
	if ev.Currency != "" && payment.NormalizeCurrency(ev.Currency) != payment.NormalizeCurrency(link.Currency) {
		return false
	}
	return true
}

func (e *Engine) emit(ctx context.Context, link paylink.Link, txnID string) {
	if e.emitter == nil {
		return
	}
	topic, ok := events.TopicForStatus(link.Status)
	if !ok {
		return
	}
	if _, err := e.emitter.Emit(ctx, topic, link.ID, events.NewLinkPayload(link, txnID)); err != nil {
		e.log(ctx).Error().Err(err).Str("link_id", link.ID).Str("topic", topic).Msg("domain_event_emit_failed")
	}
}
