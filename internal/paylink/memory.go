package paylink

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

// MemoryStore is an in-process Store with the same compare-and-set and
// uniqueness semantics as PostgresStore.
type MemoryStore struct {
	mu    sync.Mutex
	links map[string]Link
	refs  map[string]string
	txns  map[string][]Transaction
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links: make(map[string]Link),
		refs:  make(map[string]string),
		txns:  make(map[string][]Transaction),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func refKey(p payment.Provider, ref string) string { return string(p) + "|" + ref }

func cloneLink(l Link) Link {
	if l.Metadata != nil {
		md := make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			md[k] = v
		}
		l.Metadata = md
	}
	return l
}

func (m *MemoryStore) Create(_ context.Context, link Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[link.ID]; ok {
		return ErrDuplicateLink
	}
	if link.ProviderReferenceID != "" {
		if _, ok := m.refs[refKey(link.Provider, link.ProviderReferenceID)]; ok {
			return ErrDuplicateLink
		}
		m.refs[refKey(link.Provider, link.ProviderReferenceID)] = link.ID
	}
	m.links[link.ID] = cloneLink(link)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *MemoryStore) get(id string) (Link, error) {
	l, ok := m.links[id]
	if !ok {
		return Link{}, ErrNotFound
	}
	return cloneLink(l), nil
}

func (m *MemoryStore) FindByProviderReference(_ context.Context, provider payment.Provider, ref string) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refs[refKey(provider, ref)]
	if !ok {
		return Link{}, ErrNotFound
	}
	return m.get(id)
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, f ListFilter) ([]Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Link, 0)
	for _, l := range m.links {
		if l.OwnerID != ownerID || (f.Status != "" && l.Status != f.Status) {
			continue
		}
		out = append(out, cloneLink(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []Link{}, nil
	}
	out = out[f.Offset:]
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPending(_ context.Context, q PendingQuery) ([]Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Link, 0)
	for _, l := range m.links {
		if l.Status != StatusPending {
			continue
		}
		if !q.ExpiresBefore.IsZero() && (l.ExpiresAt == nil || !l.ExpiresAt.Before(q.ExpiresBefore)) {
			continue
		}
		if !q.CreatedBefore.IsZero() && !l.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		out = append(out, cloneLink(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit := clampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByConfig(_ context.Context, configID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.links {
		if l.ProviderConfigID == configID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, linkID string) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.txns[linkID]...), nil
}

func (m *MemoryStore) InsertTransaction(ctx context.Context, txn Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.insertTransaction(txn)
	return err
}

func (m *MemoryStore) insertTransaction(txn Transaction) (func(), error) {
	if _, ok := m.links[txn.PaymentLinkID]; !ok {
		return nil, fmt.Errorf("transaction for unknown link %s: %w", txn.PaymentLinkID, ErrNotFound)
	}
	for _, existing := range m.txns[txn.PaymentLinkID] {
		if existing.ProviderTransactionID == txn.ProviderTransactionID {
			return nil, ErrDuplicateTransaction
		}
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = m.now()
	}
	prev := m.txns[txn.PaymentLinkID]
	m.txns[txn.PaymentLinkID] = append(append([]Transaction(nil), prev...), txn)
	return func() { m.txns[txn.PaymentLinkID] = prev }, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.transition(id, to, completedAt)
	return err
}

func (m *MemoryStore) transition(id string, to Status, completedAt *time.Time) (func(), error) {
	l, ok := m.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !to.Terminal() || l.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	prev := l
	l.Status = to
	l.CompletedAt = nil
	if to == StatusSucceeded {
		at := m.now()
		if completedAt != nil {
			at = completedAt.UTC()
		}
		l.CompletedAt = &at
	}
	l.UpdatedAt = m.now()
	m.links[id] = l
	return func() { m.links[id] = prev }, nil
}

func (m *MemoryStore) AttachProviderReference(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.attach(id, ref)
	return err
}

func (m *MemoryStore) attach(id, ref string) (func(), error) {
	l, ok := m.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	if l.ProviderReferenceID != "" || ref == "" {
		return func() {}, nil
	}
	key := refKey(l.Provider, ref)
	if _, taken := m.refs[key]; taken {
		return nil, ErrDuplicateLink
	}
	prev := l
	l.ProviderReferenceID = ref
	m.links[id] = l
	m.refs[key] = id
	return func() {
		m.links[id] = prev
		delete(m.refs, key)
	}, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return ErrNotFound
	}
	for _, txn := range m.txns[id] {
		if txn.Status == TxnCompleted {
			return ErrHasSettledTransactions
		}
	}
	delete(m.links, id)
	delete(m.txns, id)
	if l.ProviderReferenceID != "" {
		delete(m.refs, refKey(l.Provider, l.ProviderReferenceID))
	}
	return nil
}

// Atomically serialises fn against every other store call and undoes its
// writes when fn fails.
func (m *MemoryStore) Atomically(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

type memTx struct {
	store *MemoryStore
	undo  []func()
}

func (t *memTx) Get(_ context.Context, id string) (Link, error) {
	return t.store.get(id)
}

func (t *memTx) InsertTransaction(_ context.Context, txn Transaction) error {
	return t.record(t.store.insertTransaction(txn))
}

func (t *memTx) Transition(_ context.Context, id string, to Status, completedAt *time.Time) error {
	return t.record(t.store.transition(id, to, completedAt))
}

func (t *memTx) AttachProviderReference(_ context.Context, id, ref string) error {
	return t.record(t.store.attach(id, ref))
}

func (t *memTx) record(undo func(), err error) error {
	if err != nil {
		return err
	}
	t.undo = append(t.undo, undo)
	return nil
}
