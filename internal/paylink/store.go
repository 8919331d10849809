package paylink

import (
	"context"
	"time"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

// Tx is the set of writes the reconciliation engine performs atomically.
type Tx interface {
	Get(ctx context.Context, id string) (Link, error)
	// InsertTransaction returns ErrDuplicateTransaction when a row already
	// exists for (PaymentLinkID, ProviderTransactionID).
	InsertTransaction(ctx context.Context, txn Transaction) error
	// Transition moves a pending link to the terminal status to. It is a
	// compare-and-set on the stored status: a link that is no longer pending
	// yields ErrInvalidTransition. completedAt is stored only for succeeded.
	Transition(ctx context.Context, id string, to Status, completedAt *time.Time) error
	// AttachProviderReference sets the reference when it is still empty. An
	// existing reference is never overwritten.
	AttachProviderReference(ctx context.Context, id, ref string) error
}

// Store owns payment links and their transactions.
type Store interface {
	Tx
	Create(ctx context.Context, link Link) error
	FindByProviderReference(ctx context.Context, provider payment.Provider, ref string) (Link, error)
	ListByOwner(ctx context.Context, ownerID string, f ListFilter) ([]Link, error)
	ListPending(ctx context.Context, q PendingQuery) ([]Link, error)
	CountByConfig(ctx context.Context, configID string) (int, error)
	ListTransactions(ctx context.Context, linkID string) ([]Transaction, error)
	// Delete removes a link and its transactions, failing with
	// ErrHasSettledTransactions when a completed transaction exists.
	Delete(ctx context.Context, id string) error
	// Atomically runs fn in a single database transaction.
	Atomically(ctx context.Context, fn func(tx Tx) error) error
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultListLimit
	}
	return limit
}
