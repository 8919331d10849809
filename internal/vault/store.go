package vault

import (
	"context"
	"sort"
	"sync"

	"github.com/noah-isme/backend-paylink/internal/payment"
)

// Store persists provider configs. Implementations return ErrNotFound for
// unknown ids and ErrConfigInUse when a delete is blocked by payment links.
type Store interface {
	Create(ctx context.Context, cfg ProviderConfig) error
	Get(ctx context.Context, id string) (ProviderConfig, error)
	ListByOwner(ctx context.Context, ownerID string) ([]ProviderConfig, error)
	ListActiveByProvider(ctx context.Context, provider payment.Provider) ([]ProviderConfig, error)
	Update(ctx context.Context, cfg ProviderConfig) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]ProviderConfig
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]ProviderConfig)}
}

func (m *MemoryStore) Create(_ context.Context, cfg ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (ProviderConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[id]
	if !ok {
		return ProviderConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]ProviderConfig, error) {
	return m.filter(func(c ProviderConfig) bool { return c.OwnerID == ownerID }), nil
}

func (m *MemoryStore) ListActiveByProvider(_ context.Context, provider payment.Provider) ([]ProviderConfig, error) {
	return m.filter(func(c ProviderConfig) bool { return c.Provider == provider && c.IsActive }), nil
}

func (m *MemoryStore) Update(_ context.Context, cfg ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ID]; !ok {
		return ErrNotFound
	}
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return ErrNotFound
	}
	delete(m.configs, id)
	return nil
}

func (m *MemoryStore) filter(keep func(ProviderConfig) bool) []ProviderConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProviderConfig, 0)
	for _, c := range m.configs {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
