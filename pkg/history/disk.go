package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/models"
)

const (
	diskFilePrefix = "history_"
	diskFileSuffix = ".json"
)

// unsafeKeyChars matches key characters that are replaced by "_" in file
// names. Recovery of the original key from a file name is lossy and not
// required.
var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.\-:]`)

// DiskStore persists one JSON file per sanitized key under a directory.
// The directory is created lazily on the first write.
type DiskStore struct {
	dir    string
	logger *observability.Logger

	mu      sync.Mutex
	created bool
}

// NewDiskStore creates a disk-backed store rooted at dir.
func NewDiskStore(dir string, logger *observability.Logger) (*DiskStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("history: directory is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &DiskStore{dir: dir, logger: logger}, nil
}

func (d *DiskStore) path(key string) string {
	sanitized := unsafeKeyChars.ReplaceAllString(key, "_")
	return filepath.Join(d.dir, diskFilePrefix+sanitized+diskFileSuffix)
}

func (d *DiskStore) ensureDir() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.created {
		return nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("history: create directory: %w", err)
	}
	d.created = true
	return nil
}

func (d *DiskStore) Load(ctx context.Context, key string) ([]models.HistoryEntry, error) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("history: read %q: %w", key, err)
	}

	entries, legacy, err := decodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("history: decode %q: %w", key, err)
	}
	if legacy {
		d.logger.Warn("loaded legacy message-array history file; entries lifted with empty metadata", "key", key)
	}
	return entries, nil
}

func (d *DiskStore) Save(ctx context.Context, key string, entries []models.HistoryEntry) error {
	if err := d.ensureDir(); err != nil {
		return err
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode %q: %w", key, err)
	}

	// Write-then-rename keeps readers from observing a torn file.
	path := d.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("history: rename %q: %w", key, err)
	}
	return nil
}

func (d *DiskStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("history: delete %q: %w", key, err)
	}
	return nil
}

func (d *DiskStore) ListKeys(ctx context.Context) ([]string, error) {
	dirents, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("history: list: %w", err)
	}
	keys := make([]string, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, diskFilePrefix) || !strings.HasSuffix(name, diskFileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(strings.TrimPrefix(name, diskFilePrefix), diskFileSuffix))
	}
	return keys, nil
}

func (d *DiskStore) Close() error {
	return nil
}
