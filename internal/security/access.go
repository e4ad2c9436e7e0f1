// Package security implements the layered gate run before every tool
// invocation: authentication policy, role/scope/key access control,
// per-(user,tool) fixed-window rate limiting, and argument sanitization.
package security

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// AccessController evaluates whether a user may call a tool under the
// configured rules and default policy.
type AccessController struct {
	defaultPolicy models.DefaultPolicy
	toolAccess    map[string]*models.ToolAccess
	roles         map[string]*models.RoleRule
	bus           *events.Bus
	logger        *observability.Logger
}

// NewAccessController builds an access controller from the security
// configuration. The default policy falls back to deny-all.
func NewAccessController(cfg *models.SecurityConfig, bus *events.Bus, logger *observability.Logger) *AccessController {
	if logger == nil {
		logger = observability.NopLogger()
	}
	ac := &AccessController{
		defaultPolicy: models.PolicyDenyAll,
		toolAccess:    map[string]*models.ToolAccess{},
		roles:         map[string]*models.RoleRule{},
		bus:           bus,
		logger:        logger,
	}
	if cfg != nil {
		if cfg.DefaultPolicy != "" {
			ac.defaultPolicy = cfg.DefaultPolicy
		}
		if cfg.ToolAccess != nil {
			ac.toolAccess = cfg.ToolAccess
		}
		if cfg.Roles != nil {
			ac.roles = cfg.Roles
		}
	}
	return ac
}

// CheckAccess returns nil when the user may call the tool, or a typed
// ACCESS_DENIED / AUTHORIZATION_ERROR otherwise.
func (ac *AccessController) CheckAccess(user *models.UserAuthInfo, tool *models.Tool) error {
	toolName := tool.Name

	// Tool-declared requirements are checked first; an unauthenticated
	// user cannot satisfy them.
	if sec := tool.Security; sec != nil {
		if sec.RequiredRole != "" && !user.HasRole(sec.RequiredRole) {
			return ac.deny(user, toolName, fmt.Sprintf("tool requires role %q", sec.RequiredRole))
		}
		for _, scope := range sec.RequiredScopes {
			if !user.HasScope(scope) {
				return ac.deny(user, toolName, fmt.Sprintf("tool requires scope %q", scope))
			}
		}
	}

	toolBlock := ac.toolAccess[toolName]
	wildcardBlock := ac.toolAccess["*"]

	toolAllowed := blockAllows(toolBlock, user)
	wildcardAllowed := blockAllows(wildcardBlock, user)
	roleAllowed := ac.roleAllows(user, toolName)

	switch ac.defaultPolicy {
	case models.PolicyAllowAll:
		if toolBlock != nil && toolBlock.Allow != nil && !*toolBlock.Allow {
			return ac.deny(user, toolName, "tool access is explicitly disabled")
		}
	default: // deny-all
		if !toolAllowed && !wildcardAllowed && !roleAllowed {
			return ac.deny(user, toolName, "no access rule permits this tool")
		}
	}

	if ac.bus != nil {
		ac.bus.Emit(events.TopicAccessGranted, map[string]any{
			"userId": userID(user),
			"tool":   toolName,
		})
	}
	return nil
}

func (ac *AccessController) deny(user *models.UserAuthInfo, toolName, reason string) error {
	if ac.bus != nil {
		ac.bus.Emit(events.TopicAccessDenied, map[string]any{
			"userId": userID(user),
			"tool":   toolName,
			"reason": reason,
		})
	}
	ac.logger.Warn("tool access denied", "tool", toolName, "user_id", userID(user), "reason", reason)
	code := cerrors.CodeAccessDenied
	if strings.Contains(reason, "requires role") || strings.Contains(reason, "requires scope") {
		code = cerrors.CodeAuthorization
	}
	return cerrors.New(code, fmt.Sprintf("access to tool %q denied: %s", toolName, reason)).
		WithStatus(403).
		WithDetail("tool", toolName).
		WithDetail("reason", reason)
}

// blockAllows reports whether one access block admits the user: either an
// unconditional allow, or a role/scope/api-key match against its sets.
func blockAllows(block *models.ToolAccess, user *models.UserAuthInfo) bool {
	if block == nil {
		return false
	}
	if block.Allow != nil {
		return *block.Allow
	}
	for _, role := range block.Roles {
		if user.HasRole(role) {
			return true
		}
	}
	for _, scope := range block.Scopes {
		if user.HasScope(scope) {
			return true
		}
	}
	if user != nil && user.APIKey != "" {
		for _, key := range block.AllowedAPIKeys {
			if key == user.APIKey {
				return true
			}
		}
	}
	return false
}

func (ac *AccessController) roleAllows(user *models.UserAuthInfo, toolName string) bool {
	if user == nil {
		return false
	}
	for _, role := range user.AllRoles() {
		rule := ac.roles[role]
		if rule == nil {
			continue
		}
		for _, allowed := range rule.AllowedTools {
			if allowed == "*" || allowed == toolName {
				return true
			}
		}
	}
	return false
}

func userID(user *models.UserAuthInfo) string {
	if user == nil {
		return "anonymous"
	}
	return user.UserID
}
