package history

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// Manager layers a write-through in-memory cache over a Store. Reads hit
// the cache when the entry is fresh; writes append, persist the full list,
// and keep the cache current. An optional background sweep evicts cache
// entries idle past the TTL.
//
// Cached entries are snapshots: every read returns a copy, so mutating a
// returned slice never mutates manager state.
type Manager struct {
	store  Store
	logger *observability.Logger

	ttl             time.Duration
	cleanupInterval time.Duration

	// maxEntries truncates a key's history to the newest N entries on
	// append. Zero disables truncation.
	maxEntries int

	mu     sync.Mutex
	cache  map[string]*cacheEntry
	stopCh chan struct{}
	closed bool
}

type cacheEntry struct {
	entries    []models.HistoryEntry
	lastAccess time.Time
	createdAt  time.Time
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store Store

	// TTL evicts cache entries idle longer than this. Zero disables
	// TTL-based eviction.
	TTL time.Duration

	// CleanupInterval is the sweep period. The sweep runs only when both
	// TTL and CleanupInterval are positive.
	CleanupInterval time.Duration

	// MaxEntries caps stored history per key, oldest entries dropped
	// first. Zero means unlimited.
	MaxEntries int

	Logger *observability.Logger
}

// NewManager creates a history manager over the given store. A nil store
// falls back to an in-memory one.
func NewManager(cfg ManagerConfig) *Manager {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	m := &Manager{
		store:           store,
		logger:          logger,
		ttl:             cfg.TTL,
		cleanupInterval: cfg.CleanupInterval,
		maxEntries:      cfg.MaxEntries,
		cache:           map[string]*cacheEntry{},
		stopCh:          make(chan struct{}),
	}
	if m.ttl > 0 && m.cleanupInterval > 0 {
		go m.sweep()
	}
	return m
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *Manager) evictStale() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ce := range m.cache {
		if ce.lastAccess.Before(cutoff) {
			delete(m.cache, key)
		}
	}
}

// load returns the cached entry for key, populating from the store on a
// miss or when the cached copy is stale. Caller must hold m.mu.
func (m *Manager) load(ctx context.Context, key string) (*cacheEntry, error) {
	now := time.Now()
	if ce, ok := m.cache[key]; ok {
		if m.ttl <= 0 || now.Sub(ce.lastAccess) <= m.ttl {
			ce.lastAccess = now
			return ce, nil
		}
		delete(m.cache, key)
	}

	entries, err := m.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	ce := &cacheEntry{entries: entries, lastAccess: now, createdAt: now}
	m.cache[key] = ce
	return ce, nil
}

// GetEntries returns a copy of the history for key.
func (m *Manager) GetEntries(ctx context.Context, key string) ([]models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Warn("history manager is closed; returning empty history", "key", key)
		return []models.HistoryEntry{}, nil
	}
	ce, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return models.CloneEntries(ce.entries), nil
}

// GetMessages projects the history for key onto its messages.
func (m *Manager) GetMessages(ctx context.Context, key string) ([]models.Message, error) {
	entries, err := m.GetEntries(ctx, key)
	if err != nil {
		return nil, err
	}
	return models.EntriesToMessages(entries), nil
}

// AddEntries appends newEntries to the history for key and persists the
// full list. On a store failure the cache keeps the attempted state and
// the error is surfaced.
func (m *Manager) AddEntries(ctx context.Context, key string, newEntries []models.HistoryEntry) error {
	if len(newEntries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Warn("history manager is closed; dropping entries", "key", key, "count", len(newEntries))
		return nil
	}
	ce, err := m.load(ctx, key)
	if err != nil {
		return err
	}
	ce.entries = append(ce.entries, models.CloneEntries(newEntries)...)
	if m.maxEntries > 0 && len(ce.entries) > m.maxEntries {
		excess := len(ce.entries) - m.maxEntries
		ce.entries = append([]models.HistoryEntry{}, ce.entries[excess:]...)
	}
	ce.lastAccess = time.Now()
	return m.store.Save(ctx, key, ce.entries)
}

// Clear empties the history for key in both cache and store.
func (m *Manager) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Warn("history manager is closed; clear ignored", "key", key)
		return nil
	}
	now := time.Now()
	m.cache[key] = &cacheEntry{entries: []models.HistoryEntry{}, lastAccess: now, createdAt: now}
	return m.store.Save(ctx, key, []models.HistoryEntry{})
}

// Delete removes the history for key from both cache and store.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Warn("history manager is closed; delete ignored", "key", key)
		return nil
	}
	delete(m.cache, key)
	return m.store.Delete(ctx, key)
}

// ListKeys delegates to the store.
func (m *Manager) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.logger.Warn("history manager is closed; listing no keys")
		return []string{}, nil
	}
	return m.store.ListKeys(ctx)
}

// Close stops the sweep, clears the cache, and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.cache = map[string]*cacheEntry{}
	m.mu.Unlock()
	return m.store.Close()
}
