// ABOUTME: Built-in account tools: identity, provider connections, API keys, users, tenants and admin tokens
// ABOUTME: Tenant-scoped tools take the tenant id from the caller's TenantContext; super-admin tools name it explicitly

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/token"
)

// AccountStore is the slice of the Credential Store the account tools use.
type AccountStore interface {
	store.APIKeyStore
	store.UserStore
	store.ProviderTokenStore
	store.AdminTokenStore
	store.TenantStore
	LookupUserByEmail(ctx context.Context, email string) (*store.User, error)
}

// AccountPackID names the built-in account pack.
const AccountPackID = "builtin:account"

const maxAPIKeyDays = 365

// MinPasswordLength is the shortest password accepted for new users.
const MinPasswordLength = 12

// AccountPack creates the built-in account tools. codec may be nil, in which
// case create_admin_token is not offered.
func AccountPack(s AccountStore, codec *token.Codec) *Pack {
	a := &accountHandlers{store: s, codec: codec, now: time.Now}
	p := &Pack{
		ID: AccountPackID,
		Tools: []PackTool{
			{
				Definition: Definition{
					Name:           "whoami",
					Description:    "Describe the authenticated caller",
					InputSchema:    json.RawMessage(`{"type":"object","additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeToolsRead},
				},
				Handler: HandlerFunc(a.WhoAmI),
			},
			{
				Definition: Definition{
					Name:           "get_connection_status",
					Description:    "List the caller's connected fitness providers",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"provider":{"type":"string","minLength":1}},"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeToolsRead},
				},
				Handler: HandlerFunc(a.ConnectionStatus),
			},
			{
				Definition: Definition{
					Name:           "store_provider_credentials",
					Description:    "Store the caller's OAuth tokens for a fitness provider",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"provider":{"type":"string","minLength":1,"maxLength":64},"access_token":{"type":"string","minLength":1},"refresh_token":{"type":"string"},"scope":{"type":"string"},"expires_in":{"type":"integer","minimum":1}},"required":["provider","access_token"],"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeToolsCall},
				},
				Handler: HandlerFunc(a.StoreProviderCredentials),
			},
			{
				Definition: Definition{
					Name:           "disconnect_provider",
					Description:    "Remove the caller's stored tokens for a provider",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"provider":{"type":"string","minLength":1}},"required":["provider"],"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeToolsCall},
				},
				Handler: HandlerFunc(a.DisconnectProvider),
			},
			{
				Definition: Definition{
					Name:           "create_api_key",
					Description:    "Create an API key; the secret is returned once",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","minLength":1,"maxLength":100},"scopes":{"type":"array","items":{"type":"string"}},"expires_in_days":{"type":"integer","minimum":1,"maximum":365}},"required":["name"],"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeKeysManage},
				},
				Handler: HandlerFunc(a.CreateAPIKey),
			},
			{
				Definition: Definition{
					Name:           "list_api_keys",
					Description:    "List API keys; tenant admins may pass all=true",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"all":{"type":"boolean"}},"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeKeysManage},
				},
				Handler: HandlerFunc(a.ListAPIKeys),
			},
			{
				Definition: Definition{
					Name:           "revoke_api_key",
					Description:    "Revoke an API key",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"key_id":{"type":"string","minLength":1}},"required":["key_id"],"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeKeysManage},
				},
				Handler: HandlerFunc(a.RevokeAPIKey),
			},
			{
				Definition: Definition{
					Name:           "list_users",
					Description:    "List the users of the caller's tenant",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"status":{"type":"string","enum":["pending","active","suspended"]}},"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeUsersManage},
				},
				Handler: HandlerFunc(a.ListUsers),
			},
			{
				Definition: Definition{
					Name:           "register_user",
					Description:    "Register a user in the caller's tenant; the account stays pending until approved",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"email":{"type":"string","minLength":3,"maxLength":254},"password":{"type":"string","minLength":12,"maxLength":128},"display_name":{"type":"string","maxLength":100},"role":{"type":"string","enum":["user","admin"]}},"required":["email","password"],"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeUsersManage},
				},
				Handler: HandlerFunc(a.RegisterUser),
			},
			{
				Definition: Definition{
					Name:           "approve_user",
					Description:    "Activate a pending or suspended user of the caller's tenant",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string","minLength":1}},"required":["user_id"],"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeUsersManage},
				},
				Handler: HandlerFunc(a.ApproveUser),
			},
			{
				Definition: Definition{
					Name:           "suspend_user",
					Description:    "Suspend a user of the caller's tenant",
					InputSchema:    json.RawMessage(`{"type":"object","properties":{"user_id":{"type":"string","minLength":1}},"required":["user_id"],"additionalProperties":false}`),
					RequiredScopes: []string{auth.ScopeUsersManage},
				},
				Handler: HandlerFunc(a.SuspendUser),
			},
		},
	}
	p.Tools = append(p.Tools,
		PackTool{
			Definition: Definition{
				Name:           "create_tenant",
				Description:    "Create a tenant and its first admin (super admins only)",
				InputSchema:    json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","minLength":1,"maxLength":100},"admin_email":{"type":"string","minLength":3,"maxLength":254},"admin_password":{"type":"string","minLength":12,"maxLength":128}},"required":["name","admin_email","admin_password"],"additionalProperties":false}`),
				RequiredScopes: []string{auth.ScopeAdmin},
			},
			Handler: HandlerFunc(a.CreateTenant),
		},
		PackTool{
			Definition: Definition{
				Name:           "suspend_tenant",
				Description:    "Suspend a tenant; its credentials stop resolving (super admins only)",
				InputSchema:    tenantIDSchema,
				RequiredScopes: []string{auth.ScopeAdmin},
			},
			Handler: HandlerFunc(a.SuspendTenant),
		},
		PackTool{
			Definition: Definition{
				Name:           "activate_tenant",
				Description:    "Reactivate a suspended tenant (super admins only)",
				InputSchema:    tenantIDSchema,
				RequiredScopes: []string{auth.ScopeAdmin},
			},
			Handler: HandlerFunc(a.ActivateTenant),
		},
		PackTool{
			Definition: Definition{
				Name:           "revoke_admin_token",
				Description:    "Revoke an admin token (super admins only)",
				InputSchema:    json.RawMessage(`{"type":"object","properties":{"token_id":{"type":"string","minLength":1},"tenant_id":{"type":"string"}},"required":["token_id"],"additionalProperties":false}`),
				RequiredScopes: []string{auth.ScopeAdmin},
			},
			Handler: HandlerFunc(a.RevokeAdminToken),
		},
	)
	if codec != nil {
		p.Tools = append(p.Tools, PackTool{
			Definition: Definition{
				Name:           "create_admin_token",
				Description:    "Issue an admin token (super admins only)",
				InputSchema:    json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","minLength":1},"tenant_id":{"type":"string"},"user_id":{"type":"string"},"super_admin":{"type":"boolean"}},"required":["name"],"additionalProperties":false}`),
				RequiredScopes: []string{auth.ScopeAdmin},
			},
			Handler: HandlerFunc(a.CreateAdminToken),
		})
	}
	return p
}

var tenantIDSchema = json.RawMessage(`{"type":"object","properties":{"tenant_id":{"type":"string","minLength":1}},"required":["tenant_id"],"additionalProperties":false}`)

type accountHandlers struct {
	store AccountStore
	codec *token.Codec
	now   func() time.Time
}

func decode(name string, args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return NewToolError(name, "invalid input: %v", err)
	}
	return nil
}

func (a *accountHandlers) WhoAmI(_ context.Context, _ string, _ json.RawMessage, tc *auth.TenantContext) (any, error) {
	return map[string]any{
		"tenant_id":       tc.TenantID(),
		"principal_id":    tc.PrincipalID(),
		"role":            tc.Role(),
		"scopes":          tc.Scopes(),
		"credential_kind": tc.CredentialKind(),
		"super_admin":     tc.IsSuperAdmin(),
	}, nil
}

type providerStatus struct {
	Provider  string     `json:"provider"`
	Connected bool       `json:"connected"`
	Scope     string     `json:"scope,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Expired   bool       `json:"expired"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (a *accountHandlers) ConnectionStatus(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenant(); err != nil {
		return nil, err
	}
	var in struct {
		Provider string `json:"provider"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}

	var toks []*store.ProviderToken
	if provider := strings.ToLower(in.Provider); provider != "" {
		t, err := a.store.GetProviderToken(ctx, tc.TenantID(), tc.PrincipalID(), provider)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return map[string]any{"providers": []providerStatus{{Provider: provider}}}, nil
		case err != nil:
			return nil, fmt.Errorf("loading provider token: %w", err)
		}
		toks = append(toks, t)
	} else {
		var err error
		toks, err = a.store.ListProviderTokens(ctx, tc.TenantID(), tc.PrincipalID())
		if err != nil {
			return nil, fmt.Errorf("listing provider tokens: %w", err)
		}
	}

	now := a.now()
	out := make([]providerStatus, 0, len(toks))
	for _, t := range toks {
		out = append(out, providerStatus{
			Provider:  t.Provider,
			Connected: true,
			Scope:     t.Scope,
			ExpiresAt: t.ExpiresAt,
			Expired:   t.ExpiresAt != nil && !now.Before(*t.ExpiresAt),
			UpdatedAt: t.UpdatedAt,
		})
	}
	return map[string]any{"providers": out}, nil
}

func (a *accountHandlers) StoreProviderCredentials(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenant(); err != nil {
		return nil, err
	}
	var in struct {
		Provider     string `json:"provider"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}

	t := &store.ProviderToken{
		TenantID:     tc.TenantID(),
		UserID:       tc.PrincipalID(),
		Provider:     strings.ToLower(in.Provider),
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		Scope:        in.Scope,
	}
	if in.ExpiresIn > 0 {
		exp := a.now().UTC().Add(time.Duration(in.ExpiresIn) * time.Second)
		t.ExpiresAt = &exp
	}
	err := a.store.UpsertProviderToken(ctx, t)
	if errors.Is(err, store.ErrSealerUnavailable) {
		return nil, NewToolError(name, "provider credential storage is not enabled on this gateway")
	}
	if err != nil {
		return nil, fmt.Errorf("storing provider token: %w", err)
	}
	return map[string]any{"provider": t.Provider, "connected": true, "expires_at": t.ExpiresAt}, nil
}

func (a *accountHandlers) DisconnectProvider(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenant(); err != nil {
		return nil, err
	}
	var in struct {
		Provider string `json:"provider"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	err := a.store.DeleteProviderToken(ctx, tc.TenantID(), tc.PrincipalID(), in.Provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewToolError(name, "provider %q is not connected", in.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("deleting provider token: %w", err)
	}
	return map[string]any{"provider": in.Provider, "disconnected": true}, nil
}

type apiKeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	OwnerID    string     `json:"owner_id"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func viewAPIKey(k *store.APIKey) apiKeyView {
	return apiKeyView{
		ID: k.ID, Name: k.Name, Prefix: k.Prefix, OwnerID: k.OwnerID, Scopes: k.Scopes,
		ExpiresAt: k.ExpiresAt, Revoked: k.Revoked, UsageCount: k.UsageCount,
		LastUsedAt: k.LastUsedAt, CreatedAt: k.CreatedAt,
	}
}

func (a *accountHandlers) CreateAPIKey(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenant(); err != nil {
		return nil, err
	}
	var in struct {
		Name          string   `json:"name"`
		Scopes        []string `json:"scopes"`
		ExpiresInDays int      `json:"expires_in_days"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}

	// A key can never carry more authority than the credential creating it.
	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = tc.Scopes()
	}
	for _, s := range scopes {
		if !tc.HasScope(s) {
			return nil, auth.Errorf(auth.KindInsufficientScope, "cannot grant scope %q you do not hold", s)
		}
	}

	gen, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	k := &store.APIKey{
		TenantID: tc.TenantID(),
		OwnerID:  tc.PrincipalID(),
		Name:     in.Name,
		Prefix:   gen.Prefix,
		Digest:   gen.Digest,
		Scopes:   slices.Compact(slices.Sorted(slices.Values(scopes))),
	}
	if in.ExpiresInDays > 0 {
		exp := a.now().UTC().Add(time.Duration(min(in.ExpiresInDays, maxAPIKeyDays)) * 24 * time.Hour)
		k.ExpiresAt = &exp
	}
	if err := a.store.CreateAPIKey(ctx, k); err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}
	return map[string]any{
		"key":     gen.Plaintext,
		"api_key": viewAPIKey(k),
	}, nil
}

func (a *accountHandlers) ListAPIKeys(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenant(); err != nil {
		return nil, err
	}
	var in struct {
		All bool `json:"all"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	owner := tc.PrincipalID()
	if in.All {
		if err := tc.RequireTenantAdmin(); err != nil {
			return nil, err
		}
		owner = ""
	}
	keys, err := a.store.ListAPIKeys(ctx, tc.TenantID(), owner)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	out := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, viewAPIKey(k))
	}
	return map[string]any{"api_keys": out}, nil
}

func (a *accountHandlers) RevokeAPIKey(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenant(); err != nil {
		return nil, err
	}
	var in struct {
		KeyID string `json:"key_id"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	k, err := a.store.GetAPIKey(ctx, tc.TenantID(), in.KeyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewToolError(name, "api key %q not found", in.KeyID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}
	if k.OwnerID != tc.PrincipalID() && !tc.IsTenantAdmin() {
		// Indistinguishable from a missing key to non-owners.
		return nil, NewToolError(name, "api key %q not found", in.KeyID)
	}
	if err := a.store.RevokeAPIKey(ctx, tc.TenantID(), k.ID); err != nil {
		return nil, fmt.Errorf("revoking api key: %w", err)
	}
	return map[string]any{"key_id": k.ID, "revoked": true}, nil
}

type userView struct {
	ID          string           `json:"id"`
	Email       string           `json:"email"`
	DisplayName string           `json:"display_name,omitempty"`
	Role        store.Role       `json:"role"`
	Status      store.UserStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

func viewUser(u *store.User) userView {
	return userView{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, Role: u.Role, Status: u.Status, CreatedAt: u.CreatedAt}
}

func (a *accountHandlers) ListUsers(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenantAdmin(); err != nil {
		return nil, err
	}
	var in struct {
		Status store.UserStatus `json:"status"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	users, err := a.store.ListUsers(ctx, tc.TenantID())
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		if in.Status != "" && u.Status != in.Status {
			continue
		}
		out = append(out, viewUser(u))
	}
	return map[string]any{"users": out}, nil
}

func (a *accountHandlers) RegisterUser(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if err := tc.RequireTenantAdmin(); err != nil {
		return nil, err
	}
	var in struct {
		Email       string     `json:"email"`
		Password    string     `json:"password"`
		DisplayName string     `json:"display_name"`
		Role        store.Role `json:"role"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	if in.Role == "" {
		in.Role = store.RoleUser
	}
	u, err := a.createUser(ctx, name, tc.TenantID(), in.Email, in.Password, in.DisplayName, in.Role, store.UserStatusPending)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": viewUser(u)}, nil
}

// createUser validates and stores a new user. Emails are unique across the
// whole gateway because login happens before the tenant is known.
func (a *accountHandlers) createUser(ctx context.Context, tool, tenantID, email, password, displayName string, role store.Role, status store.UserStatus) (*store.User, error) {
	email, err := checkNewUser(tool, email, password)
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	u := &store.User{
		TenantID:     tenantID,
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		Status:       status,
	}
	err = a.store.CreateUser(ctx, u)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, NewToolError(tool, "a user with email %q already exists", email)
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// checkNewUser normalizes email and enforces the password policy.
func checkNewUser(tool, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return "", NewToolError(tool, "email %q is not valid", email)
	}
	if len(password) < MinPasswordLength {
		return "", NewToolError(tool, "password must be at least %d characters", MinPasswordLength)
	}
	return email, nil
}

func (a *accountHandlers) setUserStatus(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext, status store.UserStatus) (any, error) {
	if err := tc.RequireTenantAdmin(); err != nil {
		return nil, err
	}
	var in struct {
		UserID string `json:"user_id"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	if in.UserID == tc.PrincipalID() {
		return nil, NewToolError(name, "cannot change your own status")
	}
	err := a.store.SetUserStatus(ctx, tc.TenantID(), in.UserID, status)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewToolError(name, "user %q not found", in.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("updating user status: %w", err)
	}
	return map[string]any{"user_id": in.UserID, "status": status}, nil
}

func (a *accountHandlers) ApproveUser(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	return a.setUserStatus(ctx, name, args, tc, store.UserStatusActive)
}

func (a *accountHandlers) SuspendUser(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	return a.setUserStatus(ctx, name, args, tc, store.UserStatusSuspended)
}

func (a *accountHandlers) CreateTenant(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if !tc.IsSuperAdmin() {
		return nil, auth.NewError(auth.KindForbidden, "only super admins may create tenants")
	}
	var in struct {
		Name          string `json:"name"`
		AdminEmail    string `json:"admin_email"`
		AdminPassword string `json:"admin_password"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	email, err := checkNewUser(name, in.AdminEmail, in.AdminPassword)
	if err != nil {
		return nil, err
	}
	switch _, err := a.store.LookupUserByEmail(ctx, email); {
	case err == nil:
		return nil, NewToolError(name, "a user with email %q already exists", email)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("checking admin email: %w", err)
	}

	t := &store.Tenant{Name: in.Name}
	if err := a.store.CreateTenant(ctx, t); err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	ReportProgress(ctx, Progress{Progress: 1, Total: 2, Message: "tenant created"})
	admin, err := a.createUser(ctx, name, t.ID, in.AdminEmail, in.AdminPassword, in.Name+" admin", store.RoleAdmin, store.UserStatusActive)
	if err != nil {
		return nil, err
	}
	ReportProgress(ctx, Progress{Progress: 2, Total: 2, Message: "admin created"})
	return map[string]any{"tenant_id": t.ID, "name": t.Name, "admin": viewUser(admin)}, nil
}

func (a *accountHandlers) setTenantStatus(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext, status store.TenantStatus) (any, error) {
	if !tc.IsSuperAdmin() {
		return nil, auth.NewError(auth.KindForbidden, "only super admins may change tenant status")
	}
	var in struct {
		TenantID string `json:"tenant_id"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	err := a.store.SetTenantStatus(ctx, in.TenantID, status)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewToolError(name, "tenant %q not found", in.TenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("updating tenant status: %w", err)
	}
	return map[string]any{"tenant_id": in.TenantID, "status": status}, nil
}

func (a *accountHandlers) SuspendTenant(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	return a.setTenantStatus(ctx, name, args, tc, store.TenantStatusSuspended)
}

func (a *accountHandlers) ActivateTenant(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	return a.setTenantStatus(ctx, name, args, tc, store.TenantStatusActive)
}

func (a *accountHandlers) RevokeAdminToken(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if !tc.IsSuperAdmin() {
		return nil, auth.NewError(auth.KindForbidden, "only super admins may revoke admin tokens")
	}
	var in struct {
		TokenID  string `json:"token_id"`
		TenantID string `json:"tenant_id"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	if in.TokenID == tc.CredentialID() {
		return nil, NewToolError(name, "cannot revoke the token making this call")
	}
	rec, err := a.store.GetAdminToken(ctx, in.TenantID, in.TokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewToolError(name, "admin token %q not found", in.TokenID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading admin token: %w", err)
	}
	if rec.Revoked {
		return map[string]any{"token_id": rec.ID, "revoked": true}, nil
	}
	if err := a.store.RevokeAdminToken(ctx, in.TenantID, rec.ID); err != nil {
		return nil, fmt.Errorf("revoking admin token: %w", err)
	}
	return map[string]any{"token_id": rec.ID, "revoked": true}, nil
}

func (a *accountHandlers) CreateAdminToken(ctx context.Context, name string, args json.RawMessage, tc *auth.TenantContext) (any, error) {
	if !tc.IsSuperAdmin() {
		return nil, auth.NewError(auth.KindForbidden, "only super admins may issue admin tokens")
	}
	var in struct {
		Name       string `json:"name"`
		TenantID   string `json:"tenant_id"`
		UserID     string `json:"user_id"`
		SuperAdmin bool   `json:"super_admin"`
	}
	if err := decode(name, args, &in); err != nil {
		return nil, err
	}
	if in.SuperAdmin == (in.TenantID != "") {
		return nil, NewToolError(name, "pass exactly one of tenant_id or super_admin=true")
	}

	req := AdminTokenRequest{
		Name:        in.Name,
		PrincipalID: tc.PrincipalID(),
		IssuedBy:    tc.PrincipalID(),
		SuperAdmin:  true,
	}
	if in.TenantID != "" {
		// Tenant admin tokens act as one of that tenant's admins.
		if in.UserID == "" {
			return nil, NewToolError(name, "user_id of a tenant admin is required with tenant_id")
		}
		if _, err := a.store.GetTenant(ctx, in.TenantID); errors.Is(err, store.ErrNotFound) {
			return nil, NewToolError(name, "tenant %q not found", in.TenantID)
		} else if err != nil {
			return nil, fmt.Errorf("loading tenant: %w", err)
		}
		u, err := a.store.GetUser(ctx, in.TenantID, in.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewToolError(name, "user %q not found in tenant", in.UserID)
		}
		if err != nil {
			return nil, fmt.Errorf("loading user: %w", err)
		}
		if u.Role != store.RoleAdmin {
			return nil, NewToolError(name, "user %q is not a tenant admin", in.UserID)
		}
		req.TenantID = in.TenantID
		req.PrincipalID = u.ID
		req.SuperAdmin = false
	}
	return IssueAdminToken(ctx, a.store, a.codec, req)
}

// AdminTokenRequest describes an admin token to issue.
type AdminTokenRequest struct {
	Name        string
	TenantID    string
	PrincipalID string // the user the token acts as
	IssuedBy    string
	SuperAdmin  bool
}

// IssuedAdminToken is returned once with the signed token.
type IssuedAdminToken struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueAdminToken signs an admin token and records it for revocation. The
// caller must already have established that the issuer is a super admin.
func IssueAdminToken(ctx context.Context, s store.AdminTokenStore, codec *token.Codec, req AdminTokenRequest) (*IssuedAdminToken, error) {
	scopes := auth.AdminScopes
	issued, err := codec.Issue(token.Subject{
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		Scopes:      scopes,
		SuperAdmin:  req.SuperAdmin,
	}, token.KindAdmin)
	if err != nil {
		return nil, err
	}
	if err := s.CreateAdminToken(ctx, &store.AdminToken{
		ID:         issued.ID,
		TenantID:   req.TenantID,
		IssuedBy:   req.IssuedBy,
		Name:       req.Name,
		SuperAdmin: req.SuperAdmin,
		Scopes:     scopes,
		ExpiresAt:  issued.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("recording admin token: %w", err)
	}
	return &IssuedAdminToken{Token: issued.Token, ID: issued.ID, TenantID: req.TenantID, ExpiresAt: issued.ExpiresAt}, nil
}
