package security

import (
	"testing"

	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func TestCheckAccessDefaultPolicies(t *testing.T) {
	tool := &models.Tool{Name: "search"}
	user := &models.UserAuthInfo{UserID: "u1"}

	t.Run("deny-all blocks unknown tools", func(t *testing.T) {
		ac := NewAccessController(&models.SecurityConfig{DefaultPolicy: models.PolicyDenyAll}, nil, nil)
		if err := ac.CheckAccess(user, tool); !cerrors.HasCode(err, cerrors.CodeAccessDenied) {
			t.Errorf("err = %v, want ACCESS_DENIED", err)
		}
	})
	t.Run("nil config defaults to deny-all", func(t *testing.T) {
		ac := NewAccessController(nil, nil, nil)
		if err := ac.CheckAccess(user, tool); err == nil {
			t.Error("expected denial")
		}
	})
	t.Run("allow-all admits unknown tools", func(t *testing.T) {
		ac := NewAccessController(&models.SecurityConfig{DefaultPolicy: models.PolicyAllowAll}, nil, nil)
		if err := ac.CheckAccess(user, tool); err != nil {
			t.Errorf("err = %v, want nil", err)
		}
	})
	t.Run("allow-all honors explicit disable", func(t *testing.T) {
		ac := NewAccessController(&models.SecurityConfig{
			DefaultPolicy: models.PolicyAllowAll,
			ToolAccess:    map[string]*models.ToolAccess{"search": {Allow: boolPtr(false)}},
		}, nil, nil)
		if err := ac.CheckAccess(user, tool); !cerrors.HasCode(err, cerrors.CodeAccessDenied) {
			t.Errorf("err = %v, want ACCESS_DENIED", err)
		}
	})
}

func TestCheckAccessRuleSignals(t *testing.T) {
	tool := &models.Tool{Name: "search"}

	tests := []struct {
		name    string
		cfg     *models.SecurityConfig
		user    *models.UserAuthInfo
		allowed bool
	}{
		{
			"tool block allow flag",
			&models.SecurityConfig{ToolAccess: map[string]*models.ToolAccess{"search": {Allow: boolPtr(true)}}},
			&models.UserAuthInfo{UserID: "u"},
			true,
		},
		{
			"tool block role match",
			&models.SecurityConfig{ToolAccess: map[string]*models.ToolAccess{"search": {Roles: []string{"analyst"}}}},
			&models.UserAuthInfo{UserID: "u", Role: "analyst"},
			true,
		},
		{
			"tool block role mismatch",
			&models.SecurityConfig{ToolAccess: map[string]*models.ToolAccess{"search": {Roles: []string{"analyst"}}}},
			&models.UserAuthInfo{UserID: "u", Role: "viewer"},
			false,
		},
		{
			"tool block scope match",
			&models.SecurityConfig{ToolAccess: map[string]*models.ToolAccess{"search": {Scopes: []string{"tools:search"}}}},
			&models.UserAuthInfo{UserID: "u", Scopes: []string{"tools:search"}},
			true,
		},
		{
			"tool block api key match",
			&models.SecurityConfig{ToolAccess: map[string]*models.ToolAccess{"search": {AllowedAPIKeys: []string{"k1"}}}},
			&models.UserAuthInfo{UserID: "u", APIKey: "k1"},
			true,
		},
		{
			"wildcard block admits any tool",
			&models.SecurityConfig{ToolAccess: map[string]*models.ToolAccess{"*": {Roles: []string{"admin"}}}},
			&models.UserAuthInfo{UserID: "u", Role: "admin"},
			true,
		},
		{
			"role rule tool list",
			&models.SecurityConfig{Roles: map[string]*models.RoleRule{"ops": {AllowedTools: []string{"search"}}}},
			&models.UserAuthInfo{UserID: "u", Role: "ops"},
			true,
		},
		{
			"role rule wildcard",
			&models.SecurityConfig{Roles: map[string]*models.RoleRule{"ops": {AllowedTools: []string{"*"}}}},
			&models.UserAuthInfo{UserID: "u", Role: "ops"},
			true,
		},
		{
			"role rule other tool",
			&models.SecurityConfig{Roles: map[string]*models.RoleRule{"ops": {AllowedTools: []string{"deploy"}}}},
			&models.UserAuthInfo{UserID: "u", Role: "ops"},
			false,
		},
		{
			"anonymous user denied under deny-all",
			&models.SecurityConfig{ToolAccess: map[string]*models.ToolAccess{"search": {Roles: []string{"analyst"}}}},
			nil,
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := NewAccessController(tt.cfg, nil, nil)
			err := ac.CheckAccess(tt.user, tool)
			if tt.allowed && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if !tt.allowed && err == nil {
				t.Error("expected denial")
			}
		})
	}
}

func TestCheckAccessToolRequirements(t *testing.T) {
	tool := &models.Tool{
		Name: "admin_reset",
		Security: &models.ToolSecurity{
			RequiredRole:   "admin",
			RequiredScopes: []string{"danger:write"},
		},
	}
	cfg := &models.SecurityConfig{DefaultPolicy: models.PolicyAllowAll}

	tests := []struct {
		name string
		user *models.UserAuthInfo
		want cerrors.Code
	}{
		{"missing role", &models.UserAuthInfo{UserID: "u"}, cerrors.CodeAuthorization},
		{"missing scope", &models.UserAuthInfo{UserID: "u", Role: "admin"}, cerrors.CodeAuthorization},
		{"anonymous", nil, cerrors.CodeAuthorization},
		{"fully qualified", &models.UserAuthInfo{UserID: "u", Role: "admin", Scopes: []string{"danger:write"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := NewAccessController(cfg, nil, nil)
			err := ac.CheckAccess(tt.user, tool)
			if tt.want == "" {
				if err != nil {
					t.Errorf("err = %v, want nil", err)
				}
				return
			}
			if !cerrors.HasCode(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}
}
