package events

import (
	"time"

	"github.com/noah-isme/backend-paylink/internal/paylink"
)

// Topic constants for payment link lifecycle events.
const (
	TopicLinkCreated   = "link.created"
	TopicLinkSucceeded = "link.succeeded"
	TopicLinkFailed    = "link.failed"
	TopicLinkCancelled = "link.cancelled"
	TopicLinkExpired   = "link.expired"
)

// DefaultTopics returns every topic the service emits.
func DefaultTopics() []string {
	return []string{
		TopicLinkCreated,
		TopicLinkSucceeded,
		TopicLinkFailed,
		TopicLinkCancelled,
		TopicLinkExpired,
	}
}

// TopicForStatus returns the topic announcing a transition into s.
func TopicForStatus(s paylink.Status) (string, bool) {
	switch s {
	case paylink.StatusSucceeded:
		return TopicLinkSucceeded, true
	case paylink.StatusFailed:
		return TopicLinkFailed, true
	case paylink.StatusCancelled:
		return TopicLinkCancelled, true
	case paylink.StatusExpired:
		return TopicLinkExpired, true
	default:
		return "", false
	}
}

// LinkPayload is the body of every link.* event.
type LinkPayload struct {
	LinkID                string     `json:"linkId"`
	OwnerID               string     `json:"ownerId"`
	Provider              string     `json:"provider"`
	Amount                int64      `json:"amount"`
	Currency              string     `json:"currency"`
	Status                string     `json:"status"`
	ProviderReferenceID   string     `json:"providerReferenceId,omitempty"`
	ProviderTransactionID string     `json:"providerTransactionId,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
}

// NewLinkPayload builds the event body for l.
func NewLinkPayload(l paylink.Link, providerTxnID string) LinkPayload {
	return LinkPayload{
		LinkID:                l.ID,
		OwnerID:               l.OwnerID,
		Provider:              string(l.Provider),
		Amount:                l.Amount,
		Currency:              l.Currency,
		Status:                string(l.Status),
		ProviderReferenceID:   l.ProviderReferenceID,
		ProviderTransactionID: providerTxnID,
		CompletedAt:           l.CompletedAt,
	}
}
