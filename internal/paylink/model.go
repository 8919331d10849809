package paylink

import (
	"errors"
	"time"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

var (
	ErrNotFound               = errors.New("paylink: not found")
	ErrNotOwner               = errors.New("paylink: link belongs to another owner")
	ErrInvalidTransition      = errors.New("paylink: invalid status transition")
	ErrHasSettledTransactions = errors.New("paylink: link has settled transactions")
	ErrDuplicateTransaction   = errors.New("paylink: transaction already recorded")
	ErrDuplicateLink          = errors.New("paylink: link id or provider reference already exists")
)

// Status is the lifecycle state of a payment link.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// TxnStatus is the state recorded on a transaction row.
type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCompleted TxnStatus = "completed"
	TxnFailed    TxnStatus = "failed"
	TxnCancelled TxnStatus = "cancelled"
	TxnRefunded  TxnStatus = "refunded"
)

// LinkStatusFor maps a canonical event status onto the terminal link status it
// drives. Refunds and pending or ignored events never move a link.
func LinkStatusFor(s payment.CanonicalStatus) (Status, bool) {
	switch s {
	case payment.StatusSucceeded:
		return StatusSucceeded, true
	case payment.StatusFailed:
		return StatusFailed, true
	case payment.StatusCancelled:
		return StatusCancelled, true
	case payment.StatusExpired:
		return StatusExpired, true
	default:
		return "", false
	}
}

// TxnStatusFor maps a canonical event status onto a transaction status. An
// expired session is recorded as a cancelled transaction.
func TxnStatusFor(s payment.CanonicalStatus) TxnStatus {
	switch s {
	case payment.StatusSucceeded:
		return TxnCompleted
	case payment.StatusFailed:
		return TxnFailed
	case payment.StatusCancelled, payment.StatusExpired:
		return TxnCancelled
	case payment.StatusRefunded:
		return TxnRefunded
	default:
		return TxnPending
	}
}

// Link is a shareable payment link.
type Link struct {
	ID                  string
	OwnerID             string
	Provider            payment.Provider
	ProviderConfigID    string
	Amount              int64
	Currency            string
	Description         string
	Status              Status
	ProviderReferenceID string
	LinkURL             string
	ExpiresAt           *time.Time
	CompletedAt         *time.Time
	Metadata            map[string]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Expired reports whether a pending link is past its expiry at now.
func (l Link) Expired(now time.Time) bool {
	return l.Status == StatusPending && l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Transaction records one provider settlement event for a link.
type Transaction struct {
	ID                    string            `json:"id"`
	PaymentLinkID         string            `json:"paymentLinkId"`
	ProviderTransactionID string            `json:"providerTransactionId"`
	Amount                int64             `json:"amount"`
	Currency              string            `json:"currency"`
	Status                TxnStatus         `json:"status"`
	PaidAt                *time.Time        `json:"paidAt,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
}

// View is the read model handed to UI collaborators.
type View struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Status      Status            `json:"status"`
	Provider    string            `json:"provider"`
	LinkURL     string            `json:"linkUrl"`
	Description string            `json:"description,omitempty"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// View projects the link onto its read model.
func (l Link) View() View {
	return View{
		ID:          l.ID,
		Amount:      l.Amount,
		Currency:    l.Currency,
		Status:      l.Status,
		Provider:    string(l.Provider),
		LinkURL:     l.LinkURL,
		Description: l.Description,
		ExpiresAt:   l.ExpiresAt,
		CompletedAt: l.CompletedAt,
		Metadata:    l.Metadata,
		CreatedAt:   l.CreatedAt,
	}
}

// ListFilter narrows an owner's link listing.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// PendingQuery selects pending links for background sweeps. Zero fields are
// not applied.
type PendingQuery struct {
	ExpiresBefore time.Time
	CreatedBefore time.Time
	Limit         int
}
