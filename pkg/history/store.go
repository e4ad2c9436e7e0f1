// Package history persists ordered conversation transcripts keyed by an
// opaque history key, and layers a TTL-evicting write-through cache on top
// of pluggable storage adapters.
package history

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/modelgate/pkg/models"
)

// Store is the adapter interface for history persistence. Implementations
// must return copies, never share mutable slices with callers, and treat
// Save as replace-all for the key.
type Store interface {
	// Load returns the entries for a key, oldest first. A missing key
	// yields an empty slice, not an error.
	Load(ctx context.Context, key string) ([]models.HistoryEntry, error)

	// Save replaces the stored entry list for a key.
	Save(ctx context.Context, key string, entries []models.HistoryEntry) error

	// Delete removes a key and its entries.
	Delete(ctx context.Context, key string) error

	// ListKeys returns every stored key.
	ListKeys(ctx context.Context) ([]string, error)

	// Close releases adapter resources. Safe to call more than once.
	Close() error
}

// decodeEntries parses a stored JSON body into history entries. Legacy
// bodies hold a bare message array; those are detected by shape and each
// message is lifted into an entry with nil metadata. The bool result
// reports whether the legacy form was encountered.
func decodeEntries(data []byte) ([]models.HistoryEntry, bool, error) {
	if len(data) == 0 {
		return []models.HistoryEntry{}, false, nil
	}

	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, err
	}
	legacy := false
	for _, item := range probe {
		if _, ok := item["role"]; ok {
			if _, hasMsg := item["message"]; !hasMsg {
				legacy = true
			}
		}
		break
	}

	if legacy {
		var msgs []models.Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, true, err
		}
		entries := make([]models.HistoryEntry, len(msgs))
		for i := range msgs {
			entries[i] = models.HistoryEntry{Message: msgs[i]}
		}
		return entries, true, nil
	}

	var entries []models.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, err
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	return entries, false, nil
}
