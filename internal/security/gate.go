package security

import (
	"github.com/haasonsaas/modelgate/internal/auth"
	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// Gate runs the full pre-execution pipeline for a tool call:
// authentication, access control, rate limiting, then argument
// sanitization. The first failing layer aborts the call.
type Gate struct {
	cfg       *models.SecurityConfig
	auth      *auth.Manager
	access    *AccessController
	limiter   *RateLimiter
	sanitizer *Sanitizer
	logger    *observability.Logger
}

// NewGate wires a gate from the security configuration. A nil config
// yields a permissive gate for unsecured clients: no authentication
// demanded, allow-all access, default dangerous-pattern scanning.
func NewGate(cfg *models.SecurityConfig, bus *events.Bus, logger *observability.Logger) *Gate {
	if logger == nil {
		logger = observability.NopLogger()
	}
	effective := cfg
	if effective == nil {
		effective = &models.SecurityConfig{DefaultPolicy: models.PolicyAllowAll}
	}
	var authCfg *models.UserAuthConfig
	if cfg != nil {
		authCfg = cfg.UserAuthentication
	}
	var dangerCfg *models.DangerousArgumentsConfig
	if cfg != nil {
		dangerCfg = cfg.DangerousArguments
	}
	return &Gate{
		cfg:       effective,
		auth:      auth.NewManager(authCfg, bus, logger),
		access:    NewAccessController(effective, bus, logger),
		limiter:   NewRateLimiter(bus, logger),
		sanitizer: NewSanitizer(dangerCfg, bus, logger),
		logger:    logger,
	}
}

// Auth exposes the gate's auth manager for token issuance and cache
// control on the client surface.
func (g *Gate) Auth() *auth.Manager { return g.auth }

// Limiter exposes the rate limiter for state clearing.
func (g *Gate) Limiter() *RateLimiter { return g.limiter }

// Authenticate resolves the access token for a request, enforcing the
// authentication policy. A nil user with a nil error means anonymous
// access is permitted.
func (g *Gate) Authenticate(token string) (*models.UserAuthInfo, error) {
	user, err := g.auth.Authenticate(token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if g.cfg.RequireAuthentication && !g.cfg.AllowUnauthenticatedAccess {
			return nil, cerrors.New(cerrors.CodeAuthentication, "an access token is required").WithStatus(401)
		}
		return nil, nil
	}
	return user, nil
}

// CheckToolCall runs access control, rate limiting and argument
// sanitization for one tool invocation.
func (g *Gate) CheckToolCall(user *models.UserAuthInfo, tool *models.Tool, args map[string]any) error {
	if err := g.access.CheckAccess(user, tool); err != nil {
		return err
	}

	// Rate limits key on the user id, so anonymous calls are not limited.
	if user != nil {
		if limit, source := g.resolveRateLimit(user, tool); limit != nil {
			dec := g.limiter.Check(user.UserID, tool.Name, source, limit)
			if !dec.Allowed {
				return g.limiter.CheckAccessError(user.UserID, tool.Name, dec)
			}
		}
	}

	var extra []string
	if tool.Security != nil {
		extra = append(extra, tool.Security.DangerousPatterns...)
	}
	if block := g.cfg.ToolAccess[tool.Name]; block != nil {
		extra = append(extra, block.DangerousPatterns...)
	}
	return g.sanitizer.Scan(tool.Name, userID(user), args, extra)
}

// resolveRateLimit picks the most specific limit that applies, in order:
// the user's role limit for this tool, the role's wildcard limit, the
// tool access block's limit, the wildcard access block's limit, and last
// the limit the tool itself declares.
func (g *Gate) resolveRateLimit(user *models.UserAuthInfo, tool *models.Tool) (*models.RateLimit, string) {
	for _, role := range user.AllRoles() {
		rule := g.cfg.Roles[role]
		if rule == nil {
			continue
		}
		if limit := rule.RateLimits[tool.Name]; limit != nil {
			return limit, "role:" + role + ":tool"
		}
		if limit := rule.RateLimits["*"]; limit != nil {
			return limit, "role:" + role + ":*"
		}
	}
	if block := g.cfg.ToolAccess[tool.Name]; block != nil && block.RateLimit != nil {
		return block.RateLimit, "toolAccess:" + tool.Name
	}
	if block := g.cfg.ToolAccess["*"]; block != nil && block.RateLimit != nil {
		return block.RateLimit, "toolAccess:*"
	}
	if tool.Security != nil && tool.Security.RateLimit != nil {
		return tool.Security.RateLimit, "tool"
	}
	return nil, ""
}

// Close releases background resources held by the gate.
func (g *Gate) Close() {
	g.limiter.Close()
}
