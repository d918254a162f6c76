// ABOUTME: Tests for the built-in account tools against a real SQLite store
// ABOUTME: Verifies tenant scoping, key ownership rules and admin-only operations

package tools

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/token"
)

type accountFixture struct {
	store    *store.SQLiteStore
	codec    *token.Codec
	registry *Registry
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sealer, err := store.NewSealer(key)
	require.NoError(t, err)
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tools.db"), store.WithSealer(sealer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	signing, err := token.GenerateKey()
	require.NoError(t, err)
	codec, err := token.NewCodec(signing, "test")
	require.NoError(t, err)

	r := NewRegistry(nil)
	require.NoError(t, r.RegisterPack(AccountPack(s, codec)))
	return &accountFixture{store: s, codec: codec, registry: r}
}

func (f *accountFixture) user(t *testing.T, tenantID, email string, role store.Role, status store.UserStatus) *store.User {
	t.Helper()
	u := &store.User{TenantID: tenantID, Email: email, Role: role, Status: status}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f *accountFixture) tenant(t *testing.T, name string) *store.Tenant {
	t.Helper()
	tn := &store.Tenant{Name: name}
	require.NoError(t, f.store.CreateTenant(context.Background(), tn))
	return tn
}

func ctxFor(u *store.User, scopes ...string) *auth.TenantContext {
	return auth.NewTenantContext(auth.Identity{
		TenantID:     u.TenantID,
		PrincipalID:  u.ID,
		CredentialID: "cred-" + u.ID,
		Kind:         auth.CredentialAccessToken,
		Scopes:       scopes,
		Role:         u.Role,
		SuperAdmin:   u.Role == store.RoleSuperAdmin,
	})
}

func (f *accountFixture) call(t *testing.T, name string, args string, tc *auth.TenantContext) (map[string]any, error) {
	t.Helper()
	out, err := f.registry.Call(context.Background(), name, json.RawMessage(args), tc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m, nil
}

func TestWhoAmI(t *testing.T) {
	f := newAccountFixture(t)
	tn := f.tenant(t, "acme")
	u := f.user(t, tn.ID, "ada@acme.test", store.RoleUser, store.UserStatusActive)

	out, err := f.call(t, "whoami", `{}`, ctxFor(u, auth.ScopeToolsRead))
	require.NoError(t, err)
	assert.Equal(t, tn.ID, out["tenant_id"])
	assert.Equal(t, u.ID, out["principal_id"])
}

func TestAPIKeyTools(t *testing.T) {
	f := newAccountFixture(t)
	tn := f.tenant(t, "acme")
	ada := f.user(t, tn.ID, "ada@acme.test", store.RoleUser, store.UserStatusActive)
	bob := f.user(t, tn.ID, "bob@acme.test", store.RoleUser, store.UserStatusActive)
	admin := f.user(t, tn.ID, "root@acme.test", store.RoleAdmin, store.UserStatusActive)

	adaCtx := ctxFor(ada, auth.ScopeKeysManage, auth.ScopeToolsRead)
	created, err := f.call(t, "create_api_key", `{"name":"laptop","scopes":["tools:read"]}`, adaCtx)
	require.NoError(t, err)
	plaintext, _ := created["key"].(string)
	assert.True(t, auth.IsAPIKey(plaintext))
	keyID := created["api_key"].(map[string]any)["id"].(string)

	_, err = f.call(t, "create_api_key", `{"name":"escalate","scopes":["admin"]}`, adaCtx)
	assert.Equal(t, auth.KindInsufficientScope, auth.KindOf(err), "cannot mint scopes it lacks")

	listed, err := f.call(t, "list_api_keys", `{}`, adaCtx)
	require.NoError(t, err)
	assert.Len(t, listed["api_keys"], 1)

	_, err = f.call(t, "list_api_keys", `{"all":true}`, adaCtx)
	assert.Equal(t, auth.KindForbidden, auth.KindOf(err))

	_, err = f.call(t, "revoke_api_key", `{"key_id":"`+keyID+`"}`, ctxFor(bob, auth.ScopeKeysManage))
	var te *ToolError
	assert.True(t, errors.As(err, &te), "other users cannot revoke ada's key")

	out, err := f.call(t, "revoke_api_key", `{"key_id":"`+keyID+`"}`, ctxFor(admin, auth.ScopeKeysManage))
	require.NoError(t, err)
	assert.Equal(t, true, out["revoked"])

	k, err := f.store.GetAPIKey(context.Background(), tn.ID, keyID)
	require.NoError(t, err)
	assert.True(t, k.Revoked)
}

func TestAPIKeyTools_CrossTenant(t *testing.T) {
	f := newAccountFixture(t)
	a := f.tenant(t, "acme")
	b := f.tenant(t, "globex")
	ada := f.user(t, a.ID, "ada@acme.test", store.RoleAdmin, store.UserStatusActive)
	eve := f.user(t, b.ID, "eve@globex.test", store.RoleAdmin, store.UserStatusActive)

	created, err := f.call(t, "create_api_key", `{"name":"k"}`, ctxFor(ada, auth.ScopeKeysManage))
	require.NoError(t, err)
	keyID := created["api_key"].(map[string]any)["id"].(string)

	_, err = f.call(t, "revoke_api_key", `{"key_id":"`+keyID+`"}`, ctxFor(eve, auth.ScopeKeysManage))
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Message, "not found")

	listed, err := f.call(t, "list_api_keys", `{"all":true}`, ctxFor(eve, auth.ScopeKeysManage))
	require.NoError(t, err)
	assert.Empty(t, listed["api_keys"])
}

func TestUserStatusTools(t *testing.T) {
	f := newAccountFixture(t)
	a := f.tenant(t, "acme")
	b := f.tenant(t, "globex")
	admin := f.user(t, a.ID, "root@acme.test", store.RoleAdmin, store.UserStatusActive)
	pending := f.user(t, a.ID, "new@acme.test", store.RoleUser, store.UserStatusPending)
	foreign := f.user(t, b.ID, "x@globex.test", store.RoleUser, store.UserStatusPending)
	adminCtx := ctxFor(admin, auth.ScopeUsersManage)

	_, err := f.call(t, "approve_user", `{"user_id":"`+pending.ID+`"}`, adminCtx)
	require.NoError(t, err)
	u, err := f.store.GetUser(context.Background(), a.ID, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UserStatusActive, u.Status)

	_, err = f.call(t, "approve_user", `{"user_id":"`+foreign.ID+`"}`, adminCtx)
	var te *ToolError
	assert.True(t, errors.As(err, &te), "users of other tenants are invisible")

	_, err = f.call(t, "suspend_user", `{"user_id":"`+admin.ID+`"}`, adminCtx)
	assert.True(t, errors.As(err, &te))

	_, err = f.call(t, "suspend_user", `{"user_id":"`+pending.ID+`"}`, ctxFor(pending, auth.ScopeUsersManage))
	assert.Equal(t, auth.KindForbidden, auth.KindOf(err))
}

func TestProviderTools(t *testing.T) {
	f := newAccountFixture(t)
	tn := f.tenant(t, "acme")
	u := f.user(t, tn.ID, "ada@acme.test", store.RoleUser, store.UserStatusActive)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertProviderToken(ctx, &store.ProviderToken{
		TenantID: tn.ID, UserID: u.ID, Provider: "strava", AccessToken: "at", RefreshToken: "rt", Scope: "read",
	}))
	tc := ctxFor(u, auth.ScopeToolsRead, auth.ScopeToolsCall)

	out, err := f.call(t, "get_connection_status", `{}`, tc)
	require.NoError(t, err)
	providers := out["providers"].([]any)
	require.Len(t, providers, 1)
	p := providers[0].(map[string]any)
	assert.Equal(t, "strava", p["provider"])
	assert.NotContains(t, p, "access_token", "secrets never leave the store")

	_, err = f.call(t, "disconnect_provider", `{"provider":"strava"}`, tc)
	require.NoError(t, err)
	_, err = f.call(t, "disconnect_provider", `{"provider":"strava"}`, tc)
	var te *ToolError
	assert.True(t, errors.As(err, &te))
}

func TestCreateAdminToken(t *testing.T) {
	f := newAccountFixture(t)
	tn := f.tenant(t, "acme")
	admin := f.user(t, tn.ID, "root@acme.test", store.RoleAdmin, store.UserStatusActive)
	root := f.user(t, "", "ops@platform.test", store.RoleSuperAdmin, store.UserStatusActive)

	_, err := f.call(t, "create_admin_token", `{"name":"x","super_admin":true}`, ctxFor(admin, auth.ScopeAdmin))
	assert.Equal(t, auth.KindForbidden, auth.KindOf(err))

	out, err := f.call(t, "create_admin_token",
		`{"name":"acme ops","tenant_id":"`+tn.ID+`","user_id":"`+admin.ID+`"}`, ctxFor(root, auth.ScopeAdmin))
	require.NoError(t, err)
	claims, err := f.codec.VerifyKind(out["token"].(string), token.KindAdmin)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, claims.TenantID)
	assert.Equal(t, admin.ID, claims.Subject)
	assert.False(t, claims.SuperAdmin)

	rec, err := f.store.GetAdminToken(context.Background(), tn.ID, claims.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, rec.IssuedBy)
}

func TestStoreProviderCredentials(t *testing.T) {
	f := newAccountFixture(t)
	tn := f.tenant(t, "acme")
	ada := f.user(t, tn.ID, "ada@acme.test", store.RoleUser, store.UserStatusActive)
	bob := f.user(t, tn.ID, "bob@acme.test", store.RoleUser, store.UserStatusActive)
	tc := ctxFor(ada, auth.ScopeToolsRead, auth.ScopeToolsCall)

	out, err := f.call(t, "store_provider_credentials",
		`{"provider":"Strava","access_token":"at-1","refresh_token":"rt-1","scope":"activity:read","expires_in":3600}`, tc)
	require.NoError(t, err)
	assert.Equal(t, "strava", out["provider"])

	stored, err := f.store.GetProviderToken(context.Background(), tn.ID, ada.ID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken)
	require.NotNil(t, stored.ExpiresAt)

	status, err := f.call(t, "get_connection_status", `{"provider":"strava"}`, tc)
	require.NoError(t, err)
	providers := status["providers"].([]any)
	require.Len(t, providers, 1)
	p := providers[0].(map[string]any)
	assert.Equal(t, true, p["connected"])
	assert.Equal(t, "activity:read", p["scope"])
	assert.Equal(t, false, p["expired"])

	_, err = f.call(t, "store_provider_credentials", `{"provider":"strava","access_token":"at-2"}`, tc)
	require.NoError(t, err)
	stored, err = f.store.GetProviderToken(context.Background(), tn.ID, ada.ID, "strava")
	require.NoError(t, err)
	assert.Equal(t, "at-2", stored.AccessToken)
	assert.Nil(t, stored.ExpiresAt)

	other, err := f.call(t, "get_connection_status", `{"provider":"strava"}`, ctxFor(bob, auth.ScopeToolsRead))
	require.NoError(t, err)
	op := other["providers"].([]any)[0].(map[string]any)
	assert.Equal(t, false, op["connected"], "tokens are keyed by the calling user")

	_, err = f.call(t, "store_provider_credentials", `{"provider":"strava","access_token":"x"}`, ctxFor(ada, auth.ScopeToolsRead))
	assert.Equal(t, auth.KindInsufficientScope, auth.KindOf(err))
}

func TestListAndRegisterUsers(t *testing.T) {
	f := newAccountFixture(t)
	a := f.tenant(t, "acme")
	b := f.tenant(t, "globex")
	admin := f.user(t, a.ID, "root@acme.test", store.RoleAdmin, store.UserStatusActive)
	member := f.user(t, a.ID, "ada@acme.test", store.RoleUser, store.UserStatusActive)
	f.user(t, b.ID, "eve@globex.test", store.RoleUser, store.UserStatusActive)
	adminCtx := ctxFor(admin, auth.ScopeUsersManage)

	out, err := f.call(t, "register_user",
		`{"email":"New@Acme.test","password":"correct horse battery","display_name":"New"}`, adminCtx)
	require.NoError(t, err)
	created := out["user"].(map[string]any)
	assert.Equal(t, "new@acme.test", created["email"])
	assert.Equal(t, string(store.UserStatusPending), created["status"])
	assert.Equal(t, string(store.RoleUser), created["role"])

	u, err := f.store.LookupUserByEmail(context.Background(), "new@acme.test")
	require.NoError(t, err)
	assert.Equal(t, a.ID, u.TenantID)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "correct horse battery"))

	_, err = f.call(t, "register_user", `{"email":"new@acme.test","password":"correct horse battery"}`, adminCtx)
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Message, "already exists")

	_, err = f.call(t, "register_user", `{"email":"x@acme.test","password":"short"}`, adminCtx)
	var invalid *InvalidArgumentsError
	assert.True(t, errors.As(err, &invalid), "short passwords fail schema validation")

	_, err = f.call(t, "register_user", `{"email":"x@acme.test","password":"correct horse battery"}`,
		ctxFor(member, auth.ScopeUsersManage))
	assert.Equal(t, auth.KindForbidden, auth.KindOf(err))

	listed, err := f.call(t, "list_users", `{}`, adminCtx)
	require.NoError(t, err)
	assert.Len(t, listed["users"], 3, "other tenants' users are not listed")

	pending, err := f.call(t, "list_users", `{"status":"pending"}`, adminCtx)
	require.NoError(t, err)
	require.Len(t, pending["users"], 1)
	assert.Equal(t, created["id"], pending["users"].([]any)[0].(map[string]any)["id"])
	assert.NotContains(t, pending["users"].([]any)[0], "password_hash")

	_, err = f.call(t, "approve_user", `{"user_id":"`+created["id"].(string)+`"}`, adminCtx)
	require.NoError(t, err)
	u, err = f.store.GetUser(context.Background(), a.ID, created["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.UserStatusActive, u.Status)
}

func TestTenantLifecycleTools(t *testing.T) {
	f := newAccountFixture(t)
	acme := f.tenant(t, "acme")
	admin := f.user(t, acme.ID, "root@acme.test", store.RoleAdmin, store.UserStatusActive)
	root := f.user(t, "", "ops@platform.test", store.RoleSuperAdmin, store.UserStatusActive)
	rootCtx := ctxFor(root, auth.ScopeAdmin)
	ctx := context.Background()

	_, err := f.call(t, "suspend_tenant", `{"tenant_id":"`+acme.ID+`"}`, ctxFor(admin, auth.ScopeAdmin))
	assert.Equal(t, auth.KindForbidden, auth.KindOf(err))

	out, err := f.call(t, "suspend_tenant", `{"tenant_id":"`+acme.ID+`"}`, rootCtx)
	require.NoError(t, err)
	assert.Equal(t, string(store.TenantStatusSuspended), out["status"])
	tn, err := f.store.GetTenant(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TenantStatusSuspended, tn.Status)

	_, err = f.call(t, "activate_tenant", `{"tenant_id":"`+acme.ID+`"}`, rootCtx)
	require.NoError(t, err)
	tn, err = f.store.GetTenant(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TenantStatusActive, tn.Status)

	_, err = f.call(t, "suspend_tenant", `{"tenant_id":"missing"}`, rootCtx)
	var te *ToolError
	assert.True(t, errors.As(err, &te))

	created, err := f.call(t, "create_tenant",
		`{"name":"globex","admin_email":"boss@globex.test","admin_password":"correct horse battery"}`, rootCtx)
	require.NoError(t, err)
	newID := created["tenant_id"].(string)
	boss := created["admin"].(map[string]any)
	assert.Equal(t, string(store.RoleAdmin), boss["role"])
	assert.Equal(t, string(store.UserStatusActive), boss["status"])
	users, err := f.store.ListUsers(ctx, newID)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	_, err = f.call(t, "create_tenant",
		`{"name":"initech","admin_email":"boss@globex.test","admin_password":"correct horse battery"}`, rootCtx)
	require.True(t, errors.As(err, &te), "admin emails are unique across tenants")
	assert.Contains(t, te.Message, "already exists")
}

func TestRevokeAdminToken(t *testing.T) {
	f := newAccountFixture(t)
	tn := f.tenant(t, "acme")
	admin := f.user(t, tn.ID, "root@acme.test", store.RoleAdmin, store.UserStatusActive)
	root := f.user(t, "", "ops@platform.test", store.RoleSuperAdmin, store.UserStatusActive)
	rootCtx := ctxFor(root, auth.ScopeAdmin)

	issued, err := f.call(t, "create_admin_token",
		`{"name":"acme ops","tenant_id":"`+tn.ID+`","user_id":"`+admin.ID+`"}`, rootCtx)
	require.NoError(t, err)
	id := issued["id"].(string)

	_, err = f.call(t, "revoke_admin_token", `{"token_id":"`+id+`","tenant_id":"`+tn.ID+`"}`, ctxFor(admin, auth.ScopeAdmin))
	assert.Equal(t, auth.KindForbidden, auth.KindOf(err))

	out, err := f.call(t, "revoke_admin_token", `{"token_id":"`+id+`","tenant_id":"`+tn.ID+`"}`, rootCtx)
	require.NoError(t, err)
	assert.Equal(t, true, out["revoked"])

	rec, err := f.store.GetAdminToken(context.Background(), tn.ID, id)
	require.NoError(t, err)
	assert.True(t, rec.Revoked)
	revoked, err := f.store.IsTokenRevoked(context.Background(), tn.ID, id)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = f.call(t, "revoke_admin_token", `{"token_id":"`+id+`"}`, rootCtx)
	var te *ToolError
	assert.True(t, errors.As(err, &te), "a tenant token is not visible in the platform scope")
}
