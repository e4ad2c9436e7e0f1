package history

import (
	"context"
	"sync"

	"github.com/haasonsaas/modelgate/pkg/models"
)

// MemoryStore is an in-memory Store for tests and short-lived processes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]models.HistoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]models.HistoryEntry{}}
}

func (m *MemoryStore) Load(ctx context.Context, key string) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.entries[key]
	if !ok {
		return []models.HistoryEntry{}, nil
	}
	return models.CloneEntries(stored), nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, entries []models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = models.CloneEntries(entries)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string][]models.HistoryEntry{}
	return nil
}
