// ABOUTME: Scope names granted to credentials and the role-based scope ceilings
// ABOUTME: Requested scopes are always intersected with what the principal's role allows

package auth

import (
	"slices"
	"strings"

	"github.com/2389/tenant-gateway/internal/store"
)

const (
	ScopeToolsRead   = "tools:read"
	ScopeToolsCall   = "tools:call"
	ScopeAgents      = "agents"
	ScopeKeysManage  = "keys:manage"
	ScopeUsersManage = "users:manage"
	ScopeAdmin       = "admin"
)

// UserScopes are available to every active user.
var UserScopes = []string{ScopeToolsRead, ScopeToolsCall, ScopeAgents, ScopeKeysManage}

// AdminScopes are available to tenant admins and super admins.
var AdminScopes = append(slices.Clone(UserScopes), ScopeUsersManage, ScopeAdmin)

// AllowedScopes is the ceiling of scopes a role may be granted.
func AllowedScopes(role store.Role) []string {
	if role == store.RoleAdmin || role == store.RoleSuperAdmin {
		return slices.Clone(AdminScopes)
	}
	return slices.Clone(UserScopes)
}

// ParseScope splits a space-delimited scope string.
func ParseScope(s string) []string {
	return strings.Fields(s)
}

// GrantScopes narrows requested to what role allows. An empty request grants
// the full ceiling. Unknown scopes are rejected with invalid_scope.
func GrantScopes(role store.Role, requested []string) ([]string, error) {
	allowed := AllowedScopes(role)
	if len(requested) == 0 {
		return allowed, nil
	}
	granted := make([]string, 0, len(requested))
	for _, s := range requested {
		if !slices.Contains(AdminScopes, s) {
			return nil, Errorf(KindInvalidScope, "unknown scope %q", s)
		}
		if !slices.Contains(allowed, s) {
			return nil, Errorf(KindInvalidScope, "scope %q exceeds role %s", s, role)
		}
		if !slices.Contains(granted, s) {
			granted = append(granted, s)
		}
	}
	return granted, nil
}
