package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// claims embeds the user identity into standard JWT claims. The subject
// carries the user id.
type claims struct {
	Role     string         `json:"role,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Scopes   []string       `json:"scopes,omitempty"`
	APIKey   string         `json:"apiKey,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for the given payload. Only valid for
// the jwt type with a real secret configured.
func (m *Manager) IssueToken(opts IssueOptions) (string, error) {
	if m.typ != models.AuthTypeJWT {
		return "", cerrors.New(cerrors.CodeConfig, fmt.Sprintf("token issuance requires jwt auth, configured type is %q", m.typ))
	}
	m.mu.Lock()
	secret := m.secret
	m.mu.Unlock()
	if len(secret) == 0 {
		return "", cerrors.New(cerrors.CodeJWTSign, "no usable JWT secret configured")
	}
	if strings.TrimSpace(opts.Payload.UserID) == "" {
		return "", cerrors.New(cerrors.CodeValidation, "token payload requires userId")
	}

	now := time.Now()
	c := claims{
		Role:     opts.Payload.Role,
		Roles:    opts.Payload.Roles,
		Scopes:   opts.Payload.Scopes,
		APIKey:   opts.Payload.APIKey,
		Metadata: opts.Payload.Metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  opts.Payload.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if opts.ExpiresIn > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(opts.ExpiresIn))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", cerrors.Wrap(cerrors.CodeJWTSign, "token signing failed", err)
	}
	return signed, nil
}

// verifyJWT parses and validates an HS256 token against the configured
// secret and maps its claims onto a UserAuthInfo.
func (m *Manager) verifyJWT(token string) (*models.UserAuthInfo, error) {
	m.mu.Lock()
	secret := m.secret
	m.mu.Unlock()
	if len(secret) == 0 {
		return nil, cerrors.New(cerrors.CodeConfig, "no usable JWT secret configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeJWTValidation, "token validation failed", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, cerrors.New(cerrors.CodeJWTValidation, "token claims are invalid")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, cerrors.New(cerrors.CodeJWTValidation, "token is missing a subject")
	}

	user := &models.UserAuthInfo{
		UserID:   c.Subject,
		Role:     c.Role,
		Roles:    c.Roles,
		Scopes:   c.Scopes,
		APIKey:   c.APIKey,
		Metadata: c.Metadata,
	}
	if c.ExpiresAt != nil {
		user.ExpiresAt = c.ExpiresAt.Time
	}
	return user, nil
}
