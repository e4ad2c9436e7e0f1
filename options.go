package modelgate

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/haasonsaas/modelgate/internal/config"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/history"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// Config configures a Client. Only APIKey is required.
type Config struct {
	// APIKey authenticates against the gateway. Required.
	APIKey string

	// Model is the default completion model.
	Model string

	// APIEndpoint overrides the gateway base URL.
	APIEndpoint string

	// Timeout bounds each HTTP request. Default: 120s.
	Timeout time.Duration

	// Proxy routes gateway traffic through an HTTP proxy.
	Proxy *models.ProxyConfig

	// Referer and Title are sent as attribution headers on every call.
	Referer string
	Title   string

	// HistoryStore persists conversation history. Default: in-memory.
	HistoryStore history.Store

	// HistoryTTL evicts idle history cache entries; zero disables.
	HistoryTTL time.Duration

	// HistoryCleanupInterval is the cache sweep period.
	HistoryCleanupInterval time.Duration

	// MaxHistoryEntries caps stored history per key, oldest dropped first.
	// Zero means unlimited.
	MaxHistoryEntries int

	// MaxToolCalls caps tool rounds per chat call. Nil means 10; an
	// explicit 0 disables tool execution while still surfacing tool-call
	// responses.
	MaxToolCalls *int

	// ModelFallbacks are tried in order when the primary model fails with
	// a retryable transport error.
	ModelFallbacks []string

	// ResponseFormat requests structured output on every call unless the
	// call overrides it.
	ResponseFormat *ResponseFormat

	// StrictJSONParsing makes malformed structured output a validation
	// error instead of null content.
	StrictJSONParsing bool

	// Security configures the layered security gate.
	Security *models.SecurityConfig

	// EnableCostTracking computes per-call cost from the price catalog.
	EnableCostTracking bool

	// PriceRefreshInterval between catalog refreshes. Zero means 6h;
	// negative disables background refresh.
	PriceRefreshInterval time.Duration

	// InitialModelPrices seed the catalog before the first remote fetch.
	InitialModelPrices []models.ModelPrice

	// Debug lowers the log level to debug.
	Debug bool

	// LogOutput overrides the log destination. Default: stderr.
	LogOutput io.Writer

	// LogFormat selects "json" (default) or "text" logs.
	LogFormat string
}

// ResponseFormat asks the model for structured output: "json_object" for
// free-form JSON, "json_schema" for schema-constrained JSON.
type ResponseFormat struct {
	Type       string          `json:"type" yaml:"type"`
	SchemaName string          `json:"schemaName,omitempty" yaml:"schemaName"`
	Schema     json.RawMessage `json:"schema,omitempty" yaml:"schema"`
	Strict     bool            `json:"strict,omitempty" yaml:"strict"`
}

// LoadConfig reads a YAML or JSON5 configuration file into a Config.
// Environment variables in the file are expanded and $include directives
// resolved before decoding.
func LoadConfig(path string) (*Config, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeConfig, "loading config file failed", err)
	}
	return fromFile(f)
}

func fromFile(f *config.File) (*Config, error) {
	timeout, err := config.Duration(f.Timeout)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid timeout", err)
	}
	historyTTL, err := config.Duration(f.HistoryTTL)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid historyTtl", err)
	}
	cleanup, err := config.Duration(f.HistoryCleanupInterval)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid historyCleanupInterval", err)
	}
	priceRefresh, err := config.Duration(f.PriceRefreshInterval)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid priceRefreshInterval", err)
	}

	cfg := &Config{
		APIKey:                 f.APIKey,
		Model:                  f.Model,
		APIEndpoint:            f.APIEndpoint,
		Timeout:                timeout,
		Proxy:                  f.Proxy,
		Referer:                f.Referer,
		Title:                  f.Title,
		HistoryTTL:             historyTTL,
		HistoryCleanupInterval: cleanup,
		MaxHistoryEntries:      f.MaxHistoryEntries,
		MaxToolCalls:           f.MaxToolCalls,
		ModelFallbacks:         f.ModelFallbacks,
		StrictJSONParsing:      f.StrictJSONParsing,
		Security:               f.Security,
		EnableCostTracking:     f.EnableCostTracking,
		PriceRefreshInterval:   priceRefresh,
		InitialModelPrices:     f.InitialModelPrices,
		Debug:                  f.Debug,
	}
	if f.HistoryAdapter != nil {
		store, err := storeFromFile(f.HistoryAdapter)
		if err != nil {
			return nil, err
		}
		cfg.HistoryStore = store
	}
	if rf := f.ResponseFormat; rf != nil {
		format := &ResponseFormat{Type: rf.Type, SchemaName: rf.SchemaName, Strict: rf.Strict}
		if rf.Schema != nil {
			schema, err := json.Marshal(rf.Schema)
			if err != nil {
				return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid responseFormat schema", err)
			}
			format.Schema = schema
		}
		cfg.ResponseFormat = format
	}
	return cfg, nil
}

// storeFromFile builds the history store named by a historyAdapter block.
func storeFromFile(a *config.HistoryAdapterFile) (history.Store, error) {
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "disk":
		store, err := history.NewDiskStore(a.Directory, nil)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid historyAdapter", err)
		}
		return store, nil
	case "remote":
		timeout, err := config.Duration(a.Timeout)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid historyAdapter timeout", err)
		}
		store, err := history.NewRemoteStore(history.RemoteStoreConfig{
			BaseURL: a.BaseURL,
			Timeout: timeout,
			Headers: a.Headers,
		})
		if err != nil {
			return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid historyAdapter", err)
		}
		return store, nil
	default:
		return nil, cerrors.New(cerrors.CodeConfig,
			fmt.Sprintf("unknown historyAdapter type %q", a.Type))
	}
}
