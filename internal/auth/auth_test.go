// ABOUTME: Unit tests for auth errors, scopes, secrets and TenantContext accessors
// ABOUTME: Table-driven checks of kind mappings and scope granting

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenant-gateway/internal/store"
)

func TestErrorKindMappings(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		oauth     string
		status    int
		forbidden bool
	}{
		{KindMissingCredential, "invalid_request", http.StatusUnauthorized, false},
		{KindExpiredCredential, "invalid_grant", http.StatusUnauthorized, false},
		{KindInvalidClient, "invalid_client", http.StatusUnauthorized, false},
		{KindCodeReplayed, "invalid_grant", http.StatusBadRequest, false},
		{KindPKCEMismatch, "invalid_grant", http.StatusBadRequest, false},
		{KindInvalidClientMetadata, "invalid_client_metadata", http.StatusBadRequest, false},
		{KindInsufficientScope, "insufficient_scope", http.StatusForbidden, true},
		{KindTenantSuspended, "access_denied", http.StatusForbidden, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.oauth, tt.kind.OAuthCode())
			assert.Equal(t, tt.status, tt.kind.HTTPStatus())
			assert.Equal(t, tt.forbidden, tt.kind.Forbidden())
		})
	}
}

func TestErrorIsAndWrap(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(KindRevokedCredential, "revoked", cause))

	assert.True(t, errors.Is(err, NewError(KindRevokedCredential, "")))
	assert.False(t, errors.Is(err, NewError(KindExpiredCredential, "")))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindRevokedCredential, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.Equal(t, "revoked_credential: revoked", Wrap(KindRevokedCredential, "revoked", cause).Error())
}

func TestGrantScopes(t *testing.T) {
	granted, err := GrantScopes(store.RoleUser, nil)
	require.NoError(t, err)
	assert.Equal(t, UserScopes, granted)

	granted, err = GrantScopes(store.RoleUser, []string{ScopeToolsRead, ScopeToolsRead})
	require.NoError(t, err)
	assert.Equal(t, []string{ScopeToolsRead}, granted)

	_, err = GrantScopes(store.RoleUser, []string{ScopeUsersManage})
	assert.Equal(t, KindInvalidScope, KindOf(err))

	_, err = GrantScopes(store.RoleAdmin, []string{"root"})
	assert.Equal(t, KindInvalidScope, KindOf(err))

	granted, err = GrantScopes(store.RoleAdmin, []string{ScopeUsersManage})
	require.NoError(t, err)
	assert.Equal(t, []string{ScopeUsersManage}, granted)
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, a.Plaintext, b.Plaintext)
	assert.True(t, IsAPIKey(a.Plaintext))
	assert.Equal(t, a.Plaintext[:len(a.Prefix)], a.Prefix)
	assert.Equal(t, HashSecret(a.Plaintext), a.Digest)
	assert.NotContains(t, a.Digest, a.Plaintext)
	assert.False(t, IsAPIKey("eyJhbGciOi"))
}

func TestPasswords(t *testing.T) {
	_, err := HashPassword("short")
	assert.Error(t, err)

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "wrong horse"))
	assert.False(t, CheckPassword("", "correct horse"))
}

func TestTenantContextIsImmutable(t *testing.T) {
	scopes := []string{ScopeToolsRead}
	tc := NewTenantContext(Identity{TenantID: "t", PrincipalID: "p", CredentialID: "c", Scopes: scopes, Role: store.RoleUser})

	scopes[0] = ScopeAdmin
	assert.True(t, tc.HasScope(ScopeToolsRead))
	assert.False(t, tc.HasScope(ScopeAdmin))

	got := tc.Scopes()
	got[0] = ScopeAdmin
	assert.False(t, tc.HasScope(ScopeAdmin))

	assert.Equal(t, KindInsufficientScope, KindOf(tc.RequireScope(ScopeToolsCall)))
	assert.Equal(t, KindForbidden, KindOf(tc.RequireTenantAdmin()))
	assert.NoError(t, tc.RequireTenant())
	assert.NotEqual(t, tc.RateKey(), NewTenantContext(Identity{TenantID: "t2", CredentialID: "c"}).RateKey())
}
