// Package models defines the shared data model for the modelgate client:
// chat messages, tool calls, history entries, auth identities, and pricing.
package models

import "encoding/json"

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single transcript entry in the gateway wire format.
// Content is nullable: an assistant message that only carries tool calls
// has Content == nil, and the null must survive serialization.
type Message struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Text returns a pointer to s, for building messages with non-null content.
func Text(s string) *string {
	return &s
}

// TextContent returns the message content or "" when it is null.
func (m *Message) TextContent() string {
	if m == nil || m.Content == nil {
		return ""
	}
	return *m.Content
}

// ToolCall is a structured request emitted by a model asking the client to
// invoke a named function with JSON-encoded arguments.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw JSON argument string.
// Arguments accumulate incrementally during streaming and are only valid
// JSON once the round finishes with finish_reason "tool_calls".
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallTypeFunction is the only tool call type the gateway emits today.
const ToolCallTypeFunction = "function"

// CloneMessage returns a deep copy of msg so callers never share mutable
// state with caches or stores.
func CloneMessage(msg Message) Message {
	clone := msg
	if msg.Content != nil {
		content := *msg.Content
		clone.Content = &content
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]ToolCall{}, msg.ToolCalls...)
	}
	return clone
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = CloneMessage(msgs[i])
	}
	return out
}

// RawArguments returns the tool call arguments as a json.RawMessage.
func (tc *ToolCall) RawArguments() json.RawMessage {
	return json.RawMessage(tc.Function.Arguments)
}
