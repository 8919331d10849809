package paylink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

func seedLink(t *testing.T, s *MemoryStore, id string) Link {
	t.Helper()
	now := time.Now().UTC()
	l := Link{
		ID:                  id,
		OwnerID:             "owner-1",
		Provider:            payment.ProviderStripe,
		ProviderConfigID:    "cfg-1",
		Amount:              1000,
		Currency:            "JPY",
		Status:              StatusPending,
		ProviderReferenceID: "cs_" + id,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, s.Create(context.Background(), l))
	return l
}

func TestCreateRejectsDuplicateReference(t *testing.T) {
	s := NewMemoryStore()
	l := seedLink(t, s, "pl_1")
	dup := l
	dup.ID = "pl_2"
	require.ErrorIs(t, s.Create(context.Background(), dup), ErrDuplicateLink)

	found, err := s.FindByProviderReference(context.Background(), payment.ProviderStripe, "cs_pl_1")
	require.NoError(t, err)
	require.Equal(t, "pl_1", found.ID)
	_, err = s.FindByProviderReference(context.Background(), payment.ProviderPayPal, "cs_pl_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	seedLink(t, s, "pl_1")
	ctx := context.Background()

	require.ErrorIs(t, s.Transition(ctx, "pl_1", StatusPending, nil), ErrInvalidTransition)
	require.NoError(t, s.Transition(ctx, "pl_1", StatusFailed, nil))
	require.ErrorIs(t, s.Transition(ctx, "pl_1", StatusSucceeded, nil), ErrInvalidTransition)
	require.ErrorIs(t, s.Transition(ctx, "missing", StatusSucceeded, nil), ErrNotFound)

	l, err := s.Get(ctx, "pl_1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, l.Status)
	require.Nil(t, l.CompletedAt)
}

func TestTransitionSetsCompletedAtOnlyForSuccess(t *testing.T) {
	s := NewMemoryStore()
	seedLink(t, s, "pl_1")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Transition(context.Background(), "pl_1", StatusSucceeded, &at))
	l, _ := s.Get(context.Background(), "pl_1")
	require.NotNil(t, l.CompletedAt)
	require.True(t, at.Equal(*l.CompletedAt))
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s := NewMemoryStore()
	seedLink(t, s, "pl_1")
	targets := []Status{StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			err := s.Transition(context.Background(), "pl_1", to, nil)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}(targets[i%len(targets)])
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestInsertTransactionIsUniquePerLink(t *testing.T) {
	s := NewMemoryStore()
	seedLink(t, s, "pl_1")
	seedLink(t, s, "pl_2")
	ctx := context.Background()

	txn := Transaction{ID: "t1", PaymentLinkID: "pl_1", ProviderTransactionID: "pi_1", Amount: 1000, Currency: "JPY", Status: TxnCompleted}
	require.NoError(t, s.InsertTransaction(ctx, txn))
	txn.ID = "t2"
	require.ErrorIs(t, s.InsertTransaction(ctx, txn), ErrDuplicateTransaction)

	txn.ID = "t3"
	txn.PaymentLinkID = "pl_2"
	require.NoError(t, s.InsertTransaction(ctx, txn))

	orphan := Transaction{ID: "t4", PaymentLinkID: "nope", ProviderTransactionID: "x"}
	require.ErrorIs(t, s.InsertTransaction(ctx, orphan), ErrNotFound)

	txns, err := s.ListTransactions(ctx, "pl_1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
}

func TestAtomicallyRollsBack(t *testing.T) {
	s := NewMemoryStore()
	seedLink(t, s, "pl_1")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomically(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertTransaction(ctx, Transaction{ID: "t1", PaymentLinkID: "pl_1", ProviderTransactionID: "pi_1", Status: TxnCompleted}))
		require.NoError(t, tx.Transition(ctx, "pl_1", StatusSucceeded, nil))
		return boom
	})
	require.ErrorIs(t, err, boom)

	l, _ := s.Get(ctx, "pl_1")
	require.Equal(t, StatusPending, l.Status)
	require.Nil(t, l.CompletedAt)
	txns, _ := s.ListTransactions(ctx, "pl_1")
	require.Empty(t, txns)
}

func TestAttachProviderReferenceNeverOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, Link{ID: "pl_1", Provider: payment.ProviderPayPay, Status: StatusPending, CreatedAt: now}))

	require.NoError(t, s.AttachProviderReference(ctx, "pl_1", "ref-a"))
	require.NoError(t, s.AttachProviderReference(ctx, "pl_1", "ref-b"))
	l, _ := s.Get(ctx, "pl_1")
	require.Equal(t, "ref-a", l.ProviderReferenceID)
}

func TestDeleteRejectsSettledLinks(t *testing.T) {
	s := NewMemoryStore()
	seedLink(t, s, "pl_1")
	seedLink(t, s, "pl_2")
	ctx := context.Background()

	require.NoError(t, s.InsertTransaction(ctx, Transaction{ID: "t1", PaymentLinkID: "pl_2", ProviderTransactionID: "pi_fail", Status: TxnFailed}))
	require.NoError(t, s.Delete(ctx, "pl_2"))

	require.NoError(t, s.InsertTransaction(ctx, Transaction{ID: "t2", PaymentLinkID: "pl_1", ProviderTransactionID: "pi_ok", Status: TxnCompleted}))
	require.ErrorIs(t, s.Delete(ctx, "pl_1"), ErrHasSettledTransactions)
	require.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
}

func TestListPendingFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	require.NoError(t, s.Create(ctx, Link{ID: "expired", Status: StatusPending, ExpiresAt: &past, CreatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.Create(ctx, Link{ID: "live", Status: StatusPending, ExpiresAt: &future, CreatedAt: now}))
	require.NoError(t, s.Create(ctx, Link{ID: "done", Status: StatusSucceeded, ExpiresAt: &past, CreatedAt: now.Add(-3 * time.Hour)}))

	due, err := s.ListPending(ctx, PendingQuery{ExpiresBefore: now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "expired", due[0].ID)

	stale, err := s.ListPending(ctx, PendingQuery{CreatedBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "expired", stale[0].ID)
}

func TestStatusMapping(t *testing.T) {
	st, ok := LinkStatusFor(payment.StatusSucceeded)
	require.True(t, ok)
	require.Equal(t, StatusSucceeded, st)
	_, ok = LinkStatusFor(payment.StatusRefunded)
	require.False(t, ok)
	_, ok = LinkStatusFor(payment.StatusPending)
	require.False(t, ok)
	require.Equal(t, TxnCancelled, TxnStatusFor(payment.StatusExpired))
	require.Equal(t, TxnRefunded, TxnStatusFor(payment.StatusRefunded))
}
