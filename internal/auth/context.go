// ABOUTME: TenantContext, the verified identity bundle threaded explicitly through dispatch
// ABOUTME: Immutable after construction; only the Resolver builds one from a verified credential

package auth

import (
	"slices"

	"github.com/2389/tenant-gateway/internal/store"
)

// CredentialKind records which kind of credential produced a TenantContext.
type CredentialKind string

const (
	CredentialAccessToken CredentialKind = "access_token"
	CredentialAdminToken  CredentialKind = "admin_token"
	CredentialAPIKey      CredentialKind = "api_key"
)

// Identity is the verified material a TenantContext is built from.
type Identity struct {
	TenantID     string
	PrincipalID  string
	CredentialID string
	Kind         CredentialKind
	Scopes       []string
	Role         store.Role
	SuperAdmin   bool
}

// TenantContext is the request-scoped verified identity. It is passed by
// pointer as an explicit parameter and never stored in a context.Context or
// a global. Fields are unexported so handlers cannot forge or alter one.
type TenantContext struct {
	tenantID     string
	principalID  string
	credentialID string
	kind         CredentialKind
	scopes       []string
	role         store.Role
	superAdmin   bool
}

// NewTenantContext builds a TenantContext from verified identity material.
// Outside this package it is meant for tests and for the bootstrap path that
// has already authenticated a principal by other means.
func NewTenantContext(id Identity) *TenantContext {
	return &TenantContext{
		tenantID:     id.TenantID,
		principalID:  id.PrincipalID,
		credentialID: id.CredentialID,
		kind:         id.Kind,
		scopes:       slices.Clone(id.Scopes),
		role:         id.Role,
		superAdmin:   id.SuperAdmin,
	}
}

// TenantID is the tenant derived from the verified credential. It is empty
// only for platform-scoped super admin credentials.
func (tc *TenantContext) TenantID() string { return tc.tenantID }

// PrincipalID is the authenticated user.
func (tc *TenantContext) PrincipalID() string { return tc.principalID }

// CredentialID identifies the credential (token jti or API key id).
func (tc *TenantContext) CredentialID() string { return tc.credentialID }

// CredentialKind reports how the caller authenticated.
func (tc *TenantContext) CredentialKind() CredentialKind { return tc.kind }

// Role is the principal's role at resolution time.
func (tc *TenantContext) Role() store.Role { return tc.role }

// Scopes returns a copy of the granted scopes.
func (tc *TenantContext) Scopes() []string { return slices.Clone(tc.scopes) }

// IsSuperAdmin reports a platform-level super admin credential.
func (tc *TenantContext) IsSuperAdmin() bool { return tc.superAdmin }

// IsTenantAdmin reports whether the principal administers its tenant.
func (tc *TenantContext) IsTenantAdmin() bool {
	return tc.role == store.RoleAdmin || tc.superAdmin
}

// HasScope reports whether scope was granted.
func (tc *TenantContext) HasScope(scope string) bool {
	return slices.Contains(tc.scopes, scope)
}

// RequireScope returns an insufficient_scope error unless scope was granted.
func (tc *TenantContext) RequireScope(scope string) error {
	if tc.HasScope(scope) {
		return nil
	}
	return Errorf(KindInsufficientScope, "scope %q required", scope)
}

// RequireTenant rejects platform-scoped credentials on tenant-scoped operations.
func (tc *TenantContext) RequireTenant() error {
	if tc.tenantID == "" {
		return NewError(KindForbidden, "operation requires a tenant-scoped credential")
	}
	return nil
}

// RequireTenantAdmin rejects callers that do not administer their tenant.
func (tc *TenantContext) RequireTenantAdmin() error {
	if err := tc.RequireTenant(); err != nil {
		return err
	}
	if tc.role != store.RoleAdmin {
		return NewError(KindForbidden, "tenant admin role required")
	}
	return nil
}

// RateKey is the admission key for this caller's credential.
func (tc *TenantContext) RateKey() string {
	return tc.tenantID + "\x00" + tc.credentialID
}
