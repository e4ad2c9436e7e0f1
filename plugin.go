package modelgate

import (
	"context"

	"github.com/haasonsaas/modelgate/pkg/models"
)

// HistoryManager is the conversation history surface plugins may replace.
// *history.Manager satisfies it.
type HistoryManager interface {
	GetEntries(ctx context.Context, key string) ([]models.HistoryEntry, error)
	GetMessages(ctx context.Context, key string) ([]models.Message, error)
	AddEntries(ctx context.Context, key string, entries []models.HistoryEntry) error
	Clear(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
	Close() error
}

// Plugin extends a client at construction time: subscribing to events,
// registering middleware, or swapping the history manager.
type Plugin interface {
	Init(client *Client) error
}

// Use runs a plugin's Init against this client.
func (c *Client) Use(p Plugin) error {
	if p == nil {
		return nil
	}
	return p.Init(c)
}

// HistoryManager returns the active history manager.
func (c *Client) HistoryManager() HistoryManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history
}

// SetHistoryManager replaces the history manager. The previous manager is
// not closed; a plugin that replaces it owns that decision.
func (c *Client) SetHistoryManager(hm HistoryManager) {
	if hm == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = hm
}
