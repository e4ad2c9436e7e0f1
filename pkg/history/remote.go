package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// RemoteStore persists history in a remote key-value service speaking a
// plain HTTP contract: GET/PUT/DELETE <base>/history/<key> for one key
// and GET <base>/history for the key list.
type RemoteStore struct {
	base    string
	client  *http.Client
	headers http.Header
	logger  *observability.Logger
}

// RemoteStoreConfig configures a RemoteStore.
type RemoteStoreConfig struct {
	// BaseURL is the service root, e.g. "https://kv.internal:8443".
	BaseURL string

	// Timeout bounds each request. Default: 15s.
	Timeout time.Duration

	// Headers are added to every request (auth tokens and the like).
	Headers map[string]string

	// HTTPClient overrides the default client when set.
	HTTPClient *http.Client

	Logger *observability.Logger
}

// NewRemoteStore creates a remote key-value history store.
func NewRemoteStore(cfg RemoteStoreConfig) (*RemoteStore, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("history: remote base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RemoteStore{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		headers: headers,
		logger:  logger,
	}, nil
}

func (r *RemoteStore) keyURL(key string) string {
	return r.base + "/history/" + url.PathEscape(key)
}

func (r *RemoteStore) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func (r *RemoteStore) Load(ctx context.Context, key string) ([]models.HistoryEntry, error) {
	data, status, err := r.do(ctx, http.MethodGet, r.keyURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("history: remote load %q: %w", key, err)
	}
	if status == http.StatusNotFound {
		return []models.HistoryEntry{}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("history: remote load %q: unexpected status %d", key, status)
	}

	entries, legacy, err := decodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("history: remote decode %q: %w", key, err)
	}
	if legacy {
		r.logger.Warn("loaded legacy message-array history blob; entries lifted with empty metadata", "key", key)
	}
	return entries, nil
}

func (r *RemoteStore) Save(ctx context.Context, key string, entries []models.HistoryEntry) error {
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("history: remote encode %q: %w", key, err)
	}
	_, status, err := r.do(ctx, http.MethodPut, r.keyURL(key), body)
	if err != nil {
		return fmt.Errorf("history: remote save %q: %w", key, err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return fmt.Errorf("history: remote save %q: unexpected status %d", key, status)
	}
	return nil
}

func (r *RemoteStore) Delete(ctx context.Context, key string) error {
	_, status, err := r.do(ctx, http.MethodDelete, r.keyURL(key), nil)
	if err != nil {
		return fmt.Errorf("history: remote delete %q: %w", key, err)
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("history: remote delete %q: unexpected status %d", key, status)
	}
	return nil
}

func (r *RemoteStore) ListKeys(ctx context.Context) ([]string, error) {
	data, status, err := r.do(ctx, http.MethodGet, r.base+"/history", nil)
	if err != nil {
		return nil, fmt.Errorf("history: remote list: %w", err)
	}
	if status == http.StatusNotFound {
		return []string{}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("history: remote list: unexpected status %d", status)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("history: remote list decode: %w", err)
	}
	return keys, nil
}

func (r *RemoteStore) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
