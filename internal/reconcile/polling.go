package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/backend-paylink/internal/obs"
	"github.com/noah-isme/backend-paylink/internal/paylink"
	"github.com/noah-isme/backend-paylink/internal/payment"
)

// ReconcileByPolling asks the provider for the status of a pending link and
// feeds the answer through ApplyProviderEvent. Nothing is called while the
// provider's grace window since creation is still open, or while another
// process is polling the same link. A pending link past its expiry is expired
// instead.
func (e *Engine) ReconcileByPolling(ctx context.Context, linkID string) (paylink.Link, error) {
	link, err := e.store.Get(ctx, linkID)
	if err != nil {
		return paylink.Link{}, err
	}
	if link.Status.Terminal() {
		return link, nil
	}
	if link.Expired(e.now()) {
		return e.Expire(ctx, link.ID)
	}
	adapter, err := e.reg.Get(link.Provider)
	if err != nil {
		return link, err
	}
	if e.now().Sub(link.CreatedAt) < adapter.PollGrace() {
		obs.Inc(obs.PollTotal, string(link.Provider), "within_grace")
		return link, nil
	}
	if link.ProviderReferenceID == "" {
		obs.Inc(obs.PollTotal, string(link.Provider), "no_reference")
		return link, nil
	}

	poll := func(ctx context.Context) error {
		return e.pollOnce(ctx, adapter, link)
	}
	if e.locker == nil {
		err = poll(ctx)
	} else {
		var ran bool
		ran, err = e.locker.TryWithLock(ctx, "poll:"+link.ID, e.lockTTL, poll)
		if err == nil && !ran {
			obs.Inc(obs.PollTotal, string(link.Provider), "locked")
		}
	}
	if err != nil {
		return link, err
	}
	return e.store.Get(ctx, link.ID)
}

func (e *Engine) pollOnce(ctx context.Context, adapter payment.Adapter, link paylink.Link) error {
	creds, err := e.creds.Credentials(ctx, link.ProviderConfigID)
	if err != nil {
		obs.Inc(obs.PollTotal, string(link.Provider), "credentials_error")
		return fmt.Errorf("poll %s: %w", link.ID, err)
	}
	res, err := adapter.GetStatus(ctx, creds, link.ProviderReferenceID)
	if err != nil {
		obs.Inc(obs.PollTotal, string(link.Provider), "provider_error")
		return fmt.Errorf("poll %s: %w", link.ID, err)
	}
	result, err := e.ApplyProviderEvent(ctx, e.statusEvent(link, res, SourcePoll))
	if err != nil {
		obs.Inc(obs.PollTotal, string(link.Provider), "error")
		return err
	}
	obs.Inc(obs.PollTotal, string(link.Provider), string(result.Outcome))
	return nil
}

// statusEvent turns a status poll answer into an engine event. A poll and the
// webhook for the same settlement carry the same transaction id, so whichever
// arrives second is a duplicate.
func (e *Engine) statusEvent(link paylink.Link, res payment.StatusResult, source Source) Event {
	txnID := res.ProviderTransactionID
	if txnID == "" {
		txnID = link.ProviderReferenceID + ":" + string(res.Status)
	}
	return Event{
		WebhookEvent: payment.WebhookEvent{
			EventType:             string(source) + "." + string(res.Status),
			ProviderReferenceID:   link.ProviderReferenceID,
			ProviderTransactionID: txnID,
			LinkID:                link.ID,
			Amount:                res.Amount,
			Currency:              res.Currency,
			Status:                res.Status,
			OccurredAt:            res.OccurredAt,
			Raw:                   res.Raw,
			CaptureRequired:       res.CaptureRequired,
		},
		Provider: link.Provider,
		Source:   source,
	}
}

// synthetic builds an event the service raises itself.
func (e *Engine) synthetic(link paylink.Link, status payment.CanonicalStatus, source Source, key string) Event {
	return Event{
		WebhookEvent: payment.WebhookEvent{
			EventType:             string(source),
			ProviderReferenceID:   link.ProviderReferenceID,
			ProviderTransactionID: key,
			LinkID:                link.ID,
			Amount:                link.Amount,
			Currency:              link.Currency,
			Status:                status,
			OccurredAt:            e.now(),
		},
		Provider: link.Provider,
		Source:   source,
	}
}

// Expire moves a pending link past its expiry to expired. The provider is
// asked first: a payment that settled just before expiry wins. An approval
// that was never captured is not captured here. The provider session is then
// closed on a best-effort basis.
func (e *Engine) Expire(ctx context.Context, linkID string) (paylink.Link, error) {
	link, err := e.store.Get(ctx, linkID)
	if err != nil {
		return paylink.Link{}, err
	}
	if link.Status.Terminal() || !link.Expired(e.now()) {
		return link, nil
	}
	logger := e.log(ctx).With().Str("link_id", link.ID).Str("provider", string(link.Provider)).Logger()

	if link.ProviderReferenceID != "" {
		if adapter, creds, ok := e.providerFor(ctx, link); ok {
			res, err := adapter.GetStatus(ctx, creds, link.ProviderReferenceID)
			if err != nil {
				logger.Warn().Err(err).Msg("expiry_status_check_failed")
			} else if res.Status.Terminal() {
				applied, err := e.ApplyProviderEvent(ctx, e.statusEvent(link, res, SourceExpiry))
				if err != nil {
					return link, err
				}
				if applied.Link.Status.Terminal() {
					return applied.Link, nil
				}
			} else if err := adapter.Cancel(ctx, creds, link.ProviderReferenceID); err != nil {
				logger.Warn().Err(err).Msg("expiry_provider_cancel_failed")
			}
		}
	}
	if _, err := e.ApplyProviderEvent(ctx, e.synthetic(link, payment.StatusExpired, SourceExpiry, "expire:"+link.ID)); err != nil {
		return link, err
	}
	return e.store.Get(ctx, link.ID)
}

func (e *Engine) providerFor(ctx context.Context, link paylink.Link) (payment.Adapter, payment.Credentials, bool) {
	adapter, err := e.reg.Get(link.Provider)
	if err != nil {
		return nil, payment.Credentials{}, false
	}
	creds, err := e.creds.Credentials(ctx, link.ProviderConfigID)
	if err != nil {
		e.log(ctx).Warn().Err(err).Str("link_id", link.ID).Msg("provider_credentials_unavailable")
		return nil, payment.Credentials{}, false
	}
	return adapter, creds, true
}

// Cancel closes the provider session for a pending link and then cancels the
// link. The caller must own the link. A link that reached another terminal
// status first yields ErrInvalidTransition along with its current state.
func (e *Engine) Cancel(ctx context.Context, ownerID, linkID string) (paylink.Link, error) {
	link, err := e.store.Get(ctx, linkID)
	if err != nil {
		return paylink.Link{}, err
	}
	if link.OwnerID != ownerID {
		return paylink.Link{}, paylink.ErrNotOwner
	}
	if link.Status == paylink.StatusCancelled {
		return link, nil
	}
	if link.Status.Terminal() {
		return link, paylink.ErrInvalidTransition
	}
	if link.ProviderReferenceID != "" {
		adapter, err := e.reg.Get(link.Provider)
		if err != nil {
			return link, err
		}
		creds, err := e.creds.Credentials(ctx, link.ProviderConfigID)
		if err != nil {
			return link, err
		}
		if err := adapter.Cancel(ctx, creds, link.ProviderReferenceID); err != nil {
			return link, err
		}
	}
	res, err := e.ApplyProviderEvent(ctx, e.synthetic(link, payment.StatusCancelled, SourceCancel, "cancel:"+link.ID))
	if err != nil {
		return link, err
	}
	current := res.Link
	if current.ID == "" {
		if current, err = e.store.Get(ctx, link.ID); err != nil {
			return link, err
		}
	}
	if current.Status != paylink.StatusCancelled {
		return current, paylink.ErrInvalidTransition
	}
	return current, nil
}

// ExpireDue expires every pending link whose expiry has passed. It returns the
// number of links moved and the joined errors of the ones that failed.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	links, err := e.store.ListPending(ctx, paylink.PendingQuery{ExpiresBefore: e.now(), Limit: limit})
	if err != nil {
		return 0, err
	}
	var (
		moved  int
		joined error
	)
	for _, l := range links {
		if ctx.Err() != nil {
			return moved, errors.Join(joined, ctx.Err())
		}
		updated, err := e.Expire(ctx, l.ID)
		if err != nil {
			joined = errors.Join(joined, err)
			continue
		}
		if updated.Status.Terminal() {
			moved++
		}
	}
	return moved, joined
}

// ReconcileStale polls pending links created before now minus olderThan.
// Provider outages are logged per link and do not stop the sweep.
func (e *Engine) ReconcileStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	links, err := e.store.ListPending(ctx, paylink.PendingQuery{CreatedBefore: e.now().Add(-olderThan), Limit: limit})
	if err != nil {
		return 0, err
	}
	var (
		settled int
		joined  error
	)
	for _, l := range links {
		if ctx.Err() != nil {
			return settled, errors.Join(joined, ctx.Err())
		}
		updated, err := e.ReconcileByPolling(ctx, l.ID)
		if errors.Is(err, payment.ErrProviderUnavailable) {
			e.log(ctx).Warn().Err(err).Str("link_id", l.ID).Msg("stale_reconcile_provider_unavailable")
			continue
		}
		if err != nil {
			joined = errors.Join(joined, err)
			continue
		}
		if updated.Status.Terminal() {
			settled++
		}
	}
	return settled, joined
}
