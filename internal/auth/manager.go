// Package auth implements token verification and issuance for chat calls:
// HS256 JWTs, caller-supplied custom authenticators, and an in-process
// token validation cache.
package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// placeholderSecrets are values that must never be used as a JWT secret.
// Configuring one is treated as no secret at all.
var placeholderSecrets = map[string]bool{
	"":                        true,
	"secret":                  true,
	"changeme":                true,
	"change-me":               true,
	"your-secret-here":        true,
	"MISSING_JWT_SECRET":      true,
	"default-jwt-secret":      true,
	"insecure-default-secret": true,
}

// Manager verifies and issues access tokens. Successful verifications are
// cached by token until the identity's expiry.
type Manager struct {
	typ    models.AuthType
	custom func(token string) (*models.UserAuthInfo, error)
	bus    *events.Bus
	logger *observability.Logger

	mu     sync.Mutex
	secret []byte
	cache  map[string]*models.UserAuthInfo
}

// NewManager builds an auth manager from configuration. An insecure jwt
// configuration (missing or placeholder secret) is reported loudly and
// leaves the manager unable to issue tokens.
func NewManager(cfg *models.UserAuthConfig, bus *events.Bus, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	m := &Manager{
		typ:    models.AuthTypeJWT,
		bus:    bus,
		logger: logger,
		cache:  map[string]*models.UserAuthInfo{},
	}
	if cfg == nil {
		return m
	}
	if cfg.Type != "" {
		m.typ = cfg.Type
	}
	m.custom = cfg.CustomAuthenticator

	if m.typ == models.AuthTypeJWT {
		if placeholderSecrets[strings.TrimSpace(cfg.JWTSecret)] {
			logger.Error("insecure JWT configuration: secret is missing or a known placeholder; token issuance disabled")
		} else {
			m.secret = []byte(cfg.JWTSecret)
		}
	}
	return m
}

// IssueOptions configures CreateAccessToken.
type IssueOptions struct {
	// Payload must contain a non-empty UserID; role, scopes, api key and
	// metadata are embedded as claims.
	Payload models.UserAuthInfo

	// ExpiresIn is the token lifetime. Zero means no expiry claim.
	ExpiresIn time.Duration
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid bool
	User  *models.UserAuthInfo
	Error error
}

// Authenticate resolves a token to its user. A missing token yields
// (nil, nil); the security gate decides whether that is acceptable.
func (m *Manager) Authenticate(token string) (*models.UserAuthInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	if user := m.cached(token); user != nil {
		return user, nil
	}

	var user *models.UserAuthInfo
	var err error
	switch m.typ {
	case models.AuthTypeJWT:
		user, err = m.verifyJWT(token)
	case models.AuthTypeCustom:
		user, err = m.verifyCustom(token)
	case models.AuthTypeAPIKey:
		// Reserved: api-key verification needs a server-side key registry.
		err = cerrors.New(cerrors.CodeConfig, "api-key authentication is not available in this client")
	default:
		err = cerrors.New(cerrors.CodeConfig, fmt.Sprintf("unknown auth type %q", m.typ))
	}

	if err != nil {
		m.emit(events.TopicAuthFailed, map[string]any{"reason": err.Error()})
		return nil, err
	}

	m.store(token, user)
	m.emit(events.TopicUserAuthenticated, user.Clone())
	return user, nil
}

func (m *Manager) verifyCustom(token string) (*models.UserAuthInfo, error) {
	if m.custom == nil {
		return nil, cerrors.New(cerrors.CodeConfig, "custom auth type configured without an authenticator")
	}
	user, err := m.custom(token)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeAuthentication, "custom authentication failed", err)
	}
	if user == nil || strings.TrimSpace(user.UserID) == "" {
		return nil, cerrors.New(cerrors.CodeAuthentication, "custom authenticator returned no user")
	}
	return user, nil
}

// Validate checks a token without treating absence as acceptable.
func (m *Manager) Validate(token string) ValidationResult {
	user, err := m.Authenticate(token)
	if err != nil {
		return ValidationResult{Valid: false, Error: err}
	}
	if user == nil {
		return ValidationResult{Valid: false, Error: cerrors.New(cerrors.CodeAuthentication, "token is required")}
	}
	return ValidationResult{Valid: true, User: user}
}

func (m *Manager) cached(token string) *models.UserAuthInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.cache[token]
	if !ok {
		return nil
	}
	if !user.ExpiresAt.IsZero() && time.Now().After(user.ExpiresAt) {
		delete(m.cache, token)
		return nil
	}
	return user.Clone()
}

func (m *Manager) store(token string, user *models.UserAuthInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[token] = user.Clone()
}

// ClearCache drops every cached validation.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = map[string]*models.UserAuthInfo{}
}

// UpdateSecret replaces the JWT secret and invalidates the cache.
// Placeholder secrets are rejected.
func (m *Manager) UpdateSecret(secret string) error {
	if placeholderSecrets[strings.TrimSpace(secret)] {
		return cerrors.New(cerrors.CodeConfig, "refusing placeholder JWT secret")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret = []byte(secret)
	m.cache = map[string]*models.UserAuthInfo{}
	return nil
}

func (m *Manager) emit(topic string, payload any) {
	if m.bus != nil {
		m.bus.Emit(topic, payload)
	}
}
