package models

import "time"

// UserAuthInfo is the identity attached to a chat call after token
// verification. UserID is the only required field.
type UserAuthInfo struct {
	UserID    string         `json:"userId"`
	Role      string         `json:"role,omitempty"`
	Roles     []string       `json:"roles,omitempty"`
	Scopes    []string       `json:"scopes,omitempty"`
	APIKey    string         `json:"apiKey,omitempty"`
	ExpiresAt time.Time      `json:"expiresAt,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HasRole reports whether the user carries the given role, checking both
// the single Role field and the Roles list.
func (u *UserAuthInfo) HasRole(role string) bool {
	if u == nil || role == "" {
		return false
	}
	if u.Role == role {
		return true
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope reports whether the user carries the given scope.
func (u *UserAuthInfo) HasScope(scope string) bool {
	if u == nil {
		return false
	}
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllRoles returns the union of Role and Roles.
func (u *UserAuthInfo) AllRoles() []string {
	if u == nil {
		return nil
	}
	roles := make([]string, 0, len(u.Roles)+1)
	if u.Role != "" {
		roles = append(roles, u.Role)
	}
	for _, r := range u.Roles {
		if r != u.Role {
			roles = append(roles, r)
		}
	}
	return roles
}

// Clone returns a copy of the auth info with its own metadata map.
func (u *UserAuthInfo) Clone() *UserAuthInfo {
	if u == nil {
		return nil
	}
	clone := *u
	if u.Roles != nil {
		clone.Roles = append([]string{}, u.Roles...)
	}
	if u.Scopes != nil {
		clone.Scopes = append([]string{}, u.Scopes...)
	}
	if u.Metadata != nil {
		clone.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
