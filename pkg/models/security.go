package models

import (
	"fmt"
	"time"
)

// DefaultPolicy selects the access decision when no rule matches.
type DefaultPolicy string

const (
	PolicyDenyAll  DefaultPolicy = "deny-all"
	PolicyAllowAll DefaultPolicy = "allow-all"
)

// RateLimit is a fixed-window limit: at most Limit requests per window.
// The window is given either as an explicit Interval or as a named unit.
type RateLimit struct {
	Limit    uint          `json:"limit" yaml:"limit"`
	Interval time.Duration `json:"interval,omitempty" yaml:"interval"`

	// Period is a named window unit: "second", "minute", "hour" or "day".
	// Ignored when Interval is set.
	Period string `json:"period,omitempty" yaml:"period"`
}

// Window resolves the configured window to a duration. Unknown periods
// fall back to one minute.
func (r *RateLimit) Window() time.Duration {
	if r == nil {
		return 0
	}
	if r.Interval > 0 {
		return r.Interval
	}
	switch r.Period {
	case "second":
		return time.Second
	case "minute", "":
		return time.Minute
	case "hour":
		return time.Hour
	case "day":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// String renders the limit for error details, e.g. "10/minute".
func (r *RateLimit) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%d/%s", r.Limit, r.Window())
}

// ToolAccess configures who may call one tool (or "*" for all tools).
type ToolAccess struct {
	// Allow grants or revokes access unconditionally when set.
	Allow *bool `json:"allow,omitempty" yaml:"allow"`

	Roles          []string   `json:"roles,omitempty" yaml:"roles"`
	Scopes         []string   `json:"scopes,omitempty" yaml:"scopes"`
	AllowedAPIKeys []string   `json:"allowedApiKeys,omitempty" yaml:"allowedApiKeys"`
	RateLimit      *RateLimit `json:"rateLimit,omitempty" yaml:"rateLimit"`

	// DangerousPatterns extends the sanitizer for this tool.
	DangerousPatterns []string `json:"dangerousPatterns,omitempty" yaml:"dangerousPatterns"`
}

// RoleRule configures what a role may do.
type RoleRule struct {
	// AllowedTools lists tool names the role may call; "*" allows all.
	AllowedTools []string `json:"allowedTools,omitempty" yaml:"allowedTools"`

	// RateLimits maps tool name (or "*") to the limit for this role.
	RateLimits map[string]*RateLimit `json:"rateLimits,omitempty" yaml:"rateLimits"`
}

// AuthType selects the token verification mechanism.
type AuthType string

const (
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeAPIKey AuthType = "api-key"
	AuthTypeCustom AuthType = "custom"
)

// UserAuthConfig configures the auth manager.
type UserAuthConfig struct {
	Type AuthType `json:"type,omitempty" yaml:"type"`

	// JWTSecret is the HMAC secret for jwt type. Placeholder values are
	// rejected at configuration time.
	JWTSecret string `json:"-" yaml:"jwtSecret"`

	// CustomAuthenticator handles the custom type.
	CustomAuthenticator func(token string) (*UserAuthInfo, error) `json:"-" yaml:"-"`
}

// DangerousArgumentsConfig configures the argument sanitizer.
type DangerousArgumentsConfig struct {
	GlobalPatterns     []string            `json:"globalPatterns,omitempty" yaml:"globalPatterns"`
	ToolPatterns       map[string][]string `json:"toolPatterns,omitempty" yaml:"toolPatterns"`
	ExtendablePatterns []string            `json:"extendablePatterns,omitempty" yaml:"extendablePatterns"`
	BlockedValues      []string            `json:"blockedValues,omitempty" yaml:"blockedValues"`
	AuditOnlyMode      bool                `json:"auditOnlyMode,omitempty" yaml:"auditOnlyMode"`
}

// SecurityConfig composes the layered security gate configuration.
type SecurityConfig struct {
	DefaultPolicy              DefaultPolicy             `json:"defaultPolicy,omitempty" yaml:"defaultPolicy"`
	RequireAuthentication      bool                      `json:"requireAuthentication,omitempty" yaml:"requireAuthentication"`
	AllowUnauthenticatedAccess bool                      `json:"allowUnauthenticatedAccess,omitempty" yaml:"allowUnauthenticatedAccess"`
	UserAuthentication         *UserAuthConfig           `json:"userAuthentication,omitempty" yaml:"userAuthentication"`
	ToolAccess                 map[string]*ToolAccess    `json:"toolAccess,omitempty" yaml:"toolAccess"`
	Roles                      map[string]*RoleRule      `json:"roles,omitempty" yaml:"roles"`
	DangerousArguments         *DangerousArgumentsConfig `json:"dangerousArguments,omitempty" yaml:"dangerousArguments"`
}
