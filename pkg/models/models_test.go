package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHistoryKey(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		groupID string
		want    string
	}{
		{"user only", "alice", "", "user:alice"},
		{"group scoped", "alice", "team-1", "group:team-1:user:alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HistoryKey(tt.userID, tt.groupID); got != tt.want {
				t.Errorf("HistoryKey(%q, %q) = %q, want %q", tt.userID, tt.groupID, got, tt.want)
			}
		})
	}
}

func TestMessageNullContentRoundTrip(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:       "call_1",
			Type:     ToolCallTypeFunction,
			Function: FunctionCall{Name: "get_time", Arguments: `{}`},
		}},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if v, ok := raw["content"]; !ok || v != nil {
		t.Errorf("content = %v, want explicit null", v)
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Content != nil {
		t.Errorf("round-tripped content = %v, want nil", *back.Content)
	}
	if len(back.ToolCalls) != 1 || back.ToolCalls[0].Function.Name != "get_time" {
		t.Errorf("tool calls did not survive round trip: %+v", back.ToolCalls)
	}
}

func TestCloneMessageIsolation(t *testing.T) {
	original := Message{
		Role:      RoleAssistant,
		Content:   Text("hello"),
		ToolCalls: []ToolCall{{ID: "a"}},
	}
	clone := CloneMessage(original)

	*clone.Content = "changed"
	clone.ToolCalls[0].ID = "b"

	if *original.Content != "hello" {
		t.Errorf("clone mutated original content: %q", *original.Content)
	}
	if original.ToolCalls[0].ID != "a" {
		t.Errorf("clone mutated original tool calls: %q", original.ToolCalls[0].ID)
	}
}

func TestCloneEntriesIsolation(t *testing.T) {
	cost := 0.5
	entries := []HistoryEntry{{
		Message:  Message{Role: RoleUser, Content: Text("hi")},
		Metadata: &APICallMetadata{ModelUsed: "m", Cost: &cost, Usage: &Usage{TotalTokens: 3}},
	}}
	clone := CloneEntries(entries)
	clone[0].Metadata.ModelUsed = "other"
	*clone[0].Metadata.Cost = 9
	clone[0].Metadata.Usage.TotalTokens = 99

	if entries[0].Metadata.ModelUsed != "m" || *entries[0].Metadata.Cost != 0.5 || entries[0].Metadata.Usage.TotalTokens != 3 {
		t.Errorf("clone shares metadata with original: %+v", entries[0].Metadata)
	}
}

func TestRateLimitWindow(t *testing.T) {
	tests := []struct {
		name  string
		limit RateLimit
		want  time.Duration
	}{
		{"explicit interval wins", RateLimit{Interval: 5 * time.Second, Period: "hour"}, 5 * time.Second},
		{"second", RateLimit{Period: "second"}, time.Second},
		{"minute", RateLimit{Period: "minute"}, time.Minute},
		{"hour", RateLimit{Period: "hour"}, time.Hour},
		{"day", RateLimit{Period: "day"}, 24 * time.Hour},
		{"empty defaults to minute", RateLimit{}, time.Minute},
		{"unknown defaults to minute", RateLimit{Period: "fortnight"}, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.limit.Window(); got != tt.want {
				t.Errorf("Window() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserAuthInfoRoles(t *testing.T) {
	user := &UserAuthInfo{Role: "admin", Roles: []string{"ops", "admin"}, Scopes: []string{"read"}}
	if !user.HasRole("admin") || !user.HasRole("ops") {
		t.Error("expected both role fields consulted")
	}
	if user.HasRole("root") {
		t.Error("unexpected role match")
	}
	if !user.HasScope("read") || user.HasScope("write") {
		t.Error("scope check wrong")
	}
	if got := len(user.AllRoles()); got != 2 {
		t.Errorf("AllRoles() has %d entries, want 2 (deduplicated)", got)
	}

	var anon *UserAuthInfo
	if anon.HasRole("admin") || anon.HasScope("read") {
		t.Error("nil user must match nothing")
	}
}

func TestProxyConfigForms(t *testing.T) {
	t.Run("json string", func(t *testing.T) {
		var p ProxyConfig
		if err := json.Unmarshal([]byte(`"http://proxy:8080"`), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		u, err := p.Resolve()
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if u.Host != "proxy:8080" {
			t.Errorf("host = %q", u.Host)
		}
	})
	t.Run("json object with auth", func(t *testing.T) {
		var p ProxyConfig
		if err := json.Unmarshal([]byte(`{"host":"proxy","port":3128,"user":"u","pass":"p"}`), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		u, err := p.Resolve()
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if u.Host != "proxy:3128" {
			t.Errorf("host = %q", u.Host)
		}
		if pw, _ := u.User.Password(); u.User.Username() != "u" || pw != "p" {
			t.Errorf("userinfo = %v", u.User)
		}
	})
}
