package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
apiKey: sk-test
model: vendor/model-a
timeout: 90s
maxToolCalls: 3
modelFallbacks:
  - vendor/model-b
strictJsonParsing: true
security:
  defaultPolicy: deny-all
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.APIKey != "sk-test" || f.Model != "vendor/model-a" {
		t.Errorf("file = %+v", f)
	}
	if f.MaxToolCalls == nil || *f.MaxToolCalls != 3 {
		t.Errorf("maxToolCalls = %v", f.MaxToolCalls)
	}
	if len(f.ModelFallbacks) != 1 || f.ModelFallbacks[0] != "vendor/model-b" {
		t.Errorf("fallbacks = %v", f.ModelFallbacks)
	}
	if !f.StrictJSONParsing || f.Security == nil || f.Security.DefaultPolicy != "deny-all" {
		t.Errorf("file = %+v", f)
	}

	d, err := Duration(f.Timeout)
	if err != nil || d != 90*time.Second {
		t.Errorf("timeout = %v, %v", d, err)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json5", `{
	// comments are allowed here
	apiKey: "sk-test",
	model: "vendor/model-a",
	enableCostTracking: true,
}`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.APIKey != "sk-test" || !f.EnableCostTracking {
		t.Errorf("file = %+v", f)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "sk-from-env")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "apiKey: ${TEST_GATEWAY_KEY}\n")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.APIKey != "sk-from-env" {
		t.Errorf("apiKey = %q", f.APIKey)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
apiKey: sk-base
model: vendor/base
security:
  defaultPolicy: deny-all
  requireAuthentication: true
`)
	path := writeFile(t, dir, "config.yaml", `
$include: base.yaml
model: vendor/override
security:
  defaultPolicy: allow-all
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The including file wins key by key; nested maps merge.
	if f.APIKey != "sk-base" || f.Model != "vendor/override" {
		t.Errorf("file = %+v", f)
	}
	if f.Security == nil || f.Security.DefaultPolicy != "allow-all" || !f.Security.RequireAuthentication {
		t.Errorf("security = %+v", f.Security)
	}
}

func TestLoadIncludeList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "apiKey: sk-a\n")
	writeFile(t, dir, "b.yaml", "model: vendor/b\n")
	path := writeFile(t, dir, "config.yaml", `
$include:
  - a.yaml
  - b.yaml
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.APIKey != "sk-a" || f.Model != "vendor/b" {
		t.Errorf("file = %+v", f)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want include cycle", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "apiKey: sk-test\nnotARealField: 1\n")

	if _, err := Load(path); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "apiKey: a\n---\napiKey: b\n")

	if _, err := Load(path); err == nil {
		t.Error("multi-document YAML accepted")
	}
}

func TestLoadProxyForms(t *testing.T) {
	dir := t.TempDir()

	t.Run("string form", func(t *testing.T) {
		path := writeFile(t, dir, "string.yaml", `
apiKey: sk
proxy: http://proxy.internal:8080
`)
		f, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		u, err := f.Proxy.Resolve()
		if err != nil || u.Host != "proxy.internal:8080" {
			t.Errorf("proxy = %v, %v", u, err)
		}
	})

	t.Run("object form", func(t *testing.T) {
		path := writeFile(t, dir, "object.yaml", `
apiKey: sk
proxy:
  host: proxy.internal
  port: 8080
  user: svc
  pass: hunter2
`)
		f, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		u, err := f.Proxy.Resolve()
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if u.Host != "proxy.internal:8080" || u.User == nil || u.User.Username() != "svc" {
			t.Errorf("proxy url = %v", u)
		}
	})
}

func TestDuration(t *testing.T) {
	if d, err := Duration(""); err != nil || d != 0 {
		t.Errorf("empty = %v, %v", d, err)
	}
	if d, err := Duration("2h"); err != nil || d != 2*time.Hour {
		t.Errorf("2h = %v, %v", d, err)
	}
	if _, err := Duration("not-a-duration"); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestLoadHistoryAdapter(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
apiKey: sk-test
historyAdapter:
  type: remote
  baseUrl: https://kv.internal:8443
  timeout: 10s
  headers:
    Authorization: Bearer tok
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := f.HistoryAdapter
	if a == nil || a.Type != "remote" || a.BaseURL != "https://kv.internal:8443" {
		t.Fatalf("historyAdapter = %+v", a)
	}
	if a.Timeout != "10s" || a.Headers["Authorization"] != "Bearer tok" {
		t.Errorf("historyAdapter = %+v", a)
	}
}
