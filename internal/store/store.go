// ABOUTME: Credential Store entity types and per-entity repository interfaces
// ABOUTME: Every entity carries a tenant id; tenant-scoped reads require it in the predicate

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist (or is not
// visible to the requesting tenant).
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("already exists")

// ErrTenantRequired is returned when a tenant-scoped operation is called
// without a tenant id.
var ErrTenantRequired = errors.New("tenant id required")

// ErrTenantIsolation is returned when a row surfaces under a tenant other than
// the one that asked for it. This indicates a bug, never a user error.
var ErrTenantIsolation = errors.New("tenant isolation violation")

// ErrCodeRedeemed is returned when an authorization code has already been redeemed.
var ErrCodeRedeemed = errors.New("authorization code already redeemed")

// ErrRefreshTokenUsed is returned when a refresh token that was already
// rotated is presented again.
var ErrRefreshTokenUsed = errors.New("refresh token already used")

// ErrSealerUnavailable is returned when provider tokens are accessed without
// an encryption key configured.
var ErrSealerUnavailable = errors.New("provider token encryption key not configured")

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)

// Tenant is an isolated customer organisation.
type Tenant struct {
	ID        string
	Name      string
	Status    TenantStatus
	CreatedAt time.Time
}

// Role is the authority level of a user.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// UserStatus is the lifecycle state of a user. Users are never hard-deleted.
type UserStatus string

const (
	UserStatusPending   UserStatus = "pending"
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
)

// User is a human or service principal. TenantID is empty only for
// platform-level super admins.
type User struct {
	ID           string
	TenantID     string
	Email        string
	DisplayName  string
	PasswordHash string // bcrypt
	Role         Role
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// APIKey is a long-lived credential. Only the digest of the secret is stored.
type APIKey struct {
	ID         string
	TenantID   string
	OwnerID    string
	Name       string
	Prefix     string // first characters of the plaintext, for display
	Digest     string
	Scopes     []string
	ExpiresAt  *time.Time
	Revoked    bool
	UsageCount int64
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// AdminToken records an issued admin bearer token so it can be revoked.
// TenantID is empty for platform-scoped tokens.
type AdminToken struct {
	ID         string // equals the token's jti
	TenantID   string
	IssuedBy   string
	Name       string
	SuperAdmin bool
	Scopes     []string
	ExpiresAt  time.Time
	Revoked    bool
	CreatedAt  time.Time
}

// OAuthClient is a registered OAuth 2.0 client. TenantID is empty for
// dynamically registered, platform-scoped clients.
type OAuthClient struct {
	ID           string
	TenantID     string
	Name         string
	RedirectURIs []string
	RequirePKCE  bool
	CreatedAt    time.Time
}

// AllowsRedirect reports whether uri exactly matches a registered redirect URI.
func (c *OAuthClient) AllowsRedirect(uri string) bool {
	for _, r := range c.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// VisibleTo reports whether the client can be used by principals of tenantID.
func (c *OAuthClient) VisibleTo(tenantID string) bool {
	return c.TenantID == "" || c.TenantID == tenantID
}

// AuthorizationCode is a single-use OAuth 2.0 authorization code.
// Only the digest of the code is stored.
type AuthorizationCode struct {
	Digest          string
	TenantID        string
	ClientID        string
	UserID          string
	RedirectURI     string
	CodeChallenge   string
	ChallengeMethod string
	Scopes          []string
	ExpiresAt       time.Time
	RedeemedAt      *time.Time
	CreatedAt       time.Time
}

// RefreshToken records an issued refresh token for revocation purposes.
type RefreshToken struct {
	ID        string // equals the token's jti
	TenantID  string
	UserID    string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// ProviderToken is a third-party fitness-provider OAuth token, keyed by
// (tenant, user, provider). Secrets are sealed at rest.
type ProviderToken struct {
	TenantID     string
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// TenantStore persists tenants.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	SetTenantStatus(ctx context.Context, tenantID string, status TenantStatus) error
}

// UserStore persists users. Every method is scoped by tenant id; the empty
// tenant id addresses platform-level principals.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, tenantID, userID string) (*User, error)
	ListUsers(ctx context.Context, tenantID string) ([]*User, error)
	SetUserStatus(ctx context.Context, tenantID, userID string, status UserStatus) error
}

// APIKeyStore persists API keys.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKey(ctx context.Context, tenantID, keyID string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID, ownerID string) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, keyID string) error
	RecordAPIKeyUse(ctx context.Context, tenantID, keyID string, at time.Time) error
}

// AdminTokenStore persists admin token records.
type AdminTokenStore interface {
	CreateAdminToken(ctx context.Context, t *AdminToken) error
	GetAdminToken(ctx context.Context, tenantID, tokenID string) (*AdminToken, error)
	RevokeAdminToken(ctx context.Context, tenantID, tokenID string) error
}

// OAuthStore persists OAuth 2.0 clients, codes and refresh tokens.
type OAuthStore interface {
	CreateOAuthClient(ctx context.Context, c *OAuthClient) error
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	// RedeemAuthorizationCode atomically marks the code redeemed and returns it.
	// Exactly one caller wins; all others get ErrCodeRedeemed.
	RedeemAuthorizationCode(ctx context.Context, digest string, at time.Time) (*AuthorizationCode, error)
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshToken(ctx context.Context, tenantID, tokenID string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tenantID, tokenID string) error
	// RotateRefreshToken atomically retires oldID and records next. Only one
	// rotation of a given token succeeds; later ones get ErrRefreshTokenUsed.
	RotateRefreshToken(ctx context.Context, tenantID, oldID string, next *RefreshToken) error
}

// RevocationStore holds the token revocation list consulted on every verification.
type RevocationStore interface {
	RevokeToken(ctx context.Context, tenantID, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tenantID, jti string) (bool, error)
	DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

// ProviderTokenStore persists third-party provider tokens.
type ProviderTokenStore interface {
	UpsertProviderToken(ctx context.Context, t *ProviderToken) error
	GetProviderToken(ctx context.Context, tenantID, userID, provider string) (*ProviderToken, error)
	ListProviderTokens(ctx context.Context, tenantID, userID string) ([]*ProviderToken, error)
	DeleteProviderToken(ctx context.Context, tenantID, userID, provider string) error
}

// CredentialLookup holds the only reads that run before a tenant is known.
// Each one takes a secret (or its digest) presented by the caller and is the
// means by which the tenant gets derived.
type CredentialLookup interface {
	LookupAPIKeyByDigest(ctx context.Context, digest string) (*APIKey, error)
	LookupUserByEmail(ctx context.Context, email string) (*User, error)
	LookupOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error)
}

// Store is the complete Credential Store contract.
type Store interface {
	TenantStore
	UserStore
	APIKeyStore
	AdminTokenStore
	OAuthStore
	RevocationStore
	ProviderTokenStore
	CredentialLookup

	Close() error
}
