// Package config loads client configuration files: YAML or JSON5, with
// environment variable expansion and $include composition.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/modelgate/pkg/models"
)

const includeKey = "$include"

// File is the on-disk configuration surface. Durations are strings in Go
// duration syntax ("120s", "2h").
type File struct {
	APIKey      string `yaml:"apiKey" json:"apiKey"`
	Model       string `yaml:"model" json:"model"`
	APIEndpoint string `yaml:"apiEndpoint" json:"apiEndpoint"`
	Timeout     string `yaml:"timeout" json:"timeout"`

	Proxy   *models.ProxyConfig `yaml:"proxy" json:"proxy"`
	Referer string              `yaml:"referer" json:"referer"`
	Title   string              `yaml:"title" json:"title"`

	HistoryTTL             string              `yaml:"historyTtl" json:"historyTtl"`
	HistoryCleanupInterval string              `yaml:"historyCleanupInterval" json:"historyCleanupInterval"`
	MaxHistoryEntries      int                 `yaml:"maxHistoryEntries" json:"maxHistoryEntries"`
	HistoryAdapter         *HistoryAdapterFile `yaml:"historyAdapter" json:"historyAdapter"`

	MaxToolCalls      *int     `yaml:"maxToolCalls" json:"maxToolCalls"`
	ModelFallbacks    []string `yaml:"modelFallbacks" json:"modelFallbacks"`
	StrictJSONParsing bool     `yaml:"strictJsonParsing" json:"strictJsonParsing"`

	ResponseFormat *ResponseFormatFile `yaml:"responseFormat" json:"responseFormat"`

	Security *models.SecurityConfig `yaml:"security" json:"security"`

	EnableCostTracking   bool                `yaml:"enableCostTracking" json:"enableCostTracking"`
	PriceRefreshInterval string              `yaml:"priceRefreshInterval" json:"priceRefreshInterval"`
	InitialModelPrices   []models.ModelPrice `yaml:"initialModelPrices" json:"initialModelPrices"`

	Debug bool `yaml:"debug" json:"debug"`
}

// HistoryAdapterFile selects the history store in file configuration.
// Type is "memory" (the default), "disk", or "remote". Directory applies
// to disk; baseUrl, timeout, and headers apply to remote.
type HistoryAdapterFile struct {
	Type      string            `yaml:"type" json:"type"`
	Directory string            `yaml:"directory" json:"directory"`
	BaseURL   string            `yaml:"baseUrl" json:"baseUrl"`
	Timeout   string            `yaml:"timeout" json:"timeout"`
	Headers   map[string]string `yaml:"headers" json:"headers"`
}

// ResponseFormatFile is the file form of a response format request.
type ResponseFormatFile struct {
	Type       string         `yaml:"type" json:"type"`
	SchemaName string         `yaml:"schemaName" json:"schemaName"`
	Schema     map[string]any `yaml:"schema" json:"schema"`
	Strict     bool           `yaml:"strict" json:"strict"`
}

// Duration parses one of the file's duration strings. Empty yields zero.
func Duration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Load reads, composes, and decodes a configuration file.
func Load(path string) (*File, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	return decodeRaw(raw)
}

// LoadRaw reads a configuration file into a merged raw map, expanding
// environment variables and resolving $include directives.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	seen := map[string]bool{}
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded), absPath)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if len(includes) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if strings.TrimSpace(inc) == "" {
				continue
			}
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(baseDir, incPath)
			}
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, incRaw)
		}
	}

	return mergeMaps(merged, raw), nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	format := strings.ToLower(filepath.Ext(pathHint))
	if format == ".json" || format == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("$include must be a string or list of strings")
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

func decodeRaw(raw map[string]any) (*File, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &f, nil
}
