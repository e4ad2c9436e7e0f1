package models

import (
	"context"
	"encoding/json"
)

// Tool describes a callable function the model may request during a chat.
// Execute receives the decoded arguments and a per-call context carrying
// the authenticated user, if any.
type Tool struct {
	// Name is the function identifier sent to the gateway.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description,omitempty"`

	// ParametersSchema is a JSON Schema for the arguments. When present,
	// arguments are validated against it before Execute runs.
	ParametersSchema json.RawMessage `json:"parameters,omitempty"`

	// Execute runs the tool. The returned value must be JSON-encodable;
	// it is stringified into the tool-role result message.
	Execute func(ctx context.Context, args map[string]any, tctx *ToolContext) (any, error) `json:"-"`

	// Security holds per-tool overrides for the security gate.
	Security *ToolSecurity `json:"-"`
}

// ToolContext is passed to tool executors with per-call information.
type ToolContext struct {
	// User is the authenticated caller, or nil for anonymous access.
	User *UserAuthInfo

	// ToolCallID is the gateway-assigned id of the call being executed.
	ToolCallID string
}

// ToolSecurity carries tool-level security requirements consulted by the
// access control and rate limiting layers.
type ToolSecurity struct {
	RequiredRole   string     `json:"requiredRole,omitempty" yaml:"requiredRole"`
	RequiredScopes []string   `json:"requiredScopes,omitempty" yaml:"requiredScopes"`
	RateLimit      *RateLimit `json:"rateLimit,omitempty" yaml:"rateLimit"`

	// DangerousPatterns extends the sanitizer's pattern set for this tool.
	DangerousPatterns []string `json:"dangerousPatterns,omitempty" yaml:"dangerousPatterns"`
}
