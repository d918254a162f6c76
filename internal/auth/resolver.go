// ABOUTME: Tenant Context Resolver turning a raw credential into a verified TenantContext
// ABOUTME: The tenant is always derived from the credential, never from anything the caller sends

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/token"
)

// Credential is a raw credential as presented by a transport.
type Credential struct {
	Bearer string
	APIKey string
}

// Empty reports whether no credential was presented.
func (c Credential) Empty() bool {
	return c.Bearer == "" && c.APIKey == ""
}

// ResolverStore is the slice of the Credential Store the resolver needs.
type ResolverStore interface {
	LookupAPIKeyByDigest(ctx context.Context, digest string) (*store.APIKey, error)
	RecordAPIKeyUse(ctx context.Context, tenantID, keyID string, at time.Time) error
	GetTenant(ctx context.Context, tenantID string) (*store.Tenant, error)
	GetUser(ctx context.Context, tenantID, userID string) (*store.User, error)
	IsTokenRevoked(ctx context.Context, tenantID, jti string) (bool, error)
	GetAdminToken(ctx context.Context, tenantID, tokenID string) (*store.AdminToken, error)
}

// Resolver is the single choke point that authenticates every request.
type Resolver struct {
	codec  *token.Codec
	store  ResolverStore
	logger *slog.Logger
	now    func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock overrides the time source used for API key expiry.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver.
func NewResolver(codec *token.Codec, s ResolverStore, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		codec:  codec,
		store:  s,
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve authenticates cred. Failures are *Error values; any other error is
// an infrastructure failure (store unavailable) and must not be shown to the
// caller verbatim.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (*TenantContext, error) {
	switch {
	case cred.APIKey != "":
		return r.resolveAPIKey(ctx, cred.APIKey)
	case IsAPIKey(cred.Bearer):
		return r.resolveAPIKey(ctx, cred.Bearer)
	case cred.Bearer != "":
		return r.resolveToken(ctx, cred.Bearer)
	default:
		return nil, NewError(KindMissingCredential, "no bearer token or API key presented")
	}
}

func (r *Resolver) resolveToken(ctx context.Context, raw string) (*TenantContext, error) {
	claims, err := r.codec.Verify(raw)
	if err != nil {
		return nil, tokenError(err)
	}
	if claims.Kind == token.KindRefresh {
		return nil, NewError(KindInvalidCredential, "refresh tokens cannot authorize requests")
	}

	if err := token.CheckRevoked(ctx, r.store, claims); err != nil {
		return nil, tokenError(err)
	}

	kind := CredentialAccessToken
	if claims.Kind == token.KindAdmin {
		kind = CredentialAdminToken
		if err := r.checkAdminToken(ctx, claims); err != nil {
			return nil, err
		}
	}

	user, err := r.activePrincipal(ctx, claims.TenantID, claims.Subject)
	if err != nil {
		return nil, err
	}
	if claims.SuperAdmin && user.Role != store.RoleSuperAdmin {
		r.logger.Warn("super admin claim on non super admin principal", "principal_id", user.ID)
		return nil, NewError(KindInvalidCredential, "super admin claim not backed by principal")
	}

	return NewTenantContext(Identity{
		TenantID:     claims.TenantID,
		PrincipalID:  user.ID,
		CredentialID: claims.ID,
		Kind:         kind,
		Scopes:       claims.Scopes(),
		Role:         user.Role,
		SuperAdmin:   claims.SuperAdmin,
	}), nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, raw string) (*TenantContext, error) {
	key, err := r.store.LookupAPIKeyByDigest(ctx, HashSecret(raw))
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewError(KindInvalidCredential, "unknown API key")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if key.Revoked {
		return nil, NewError(KindRevokedCredential, "API key revoked")
	}
	now := r.now()
	if key.Expired(now) {
		return nil, NewError(KindExpiredCredential, "API key expired")
	}

	user, err := r.activePrincipal(ctx, key.TenantID, key.OwnerID)
	if err != nil {
		return nil, err
	}

	if err := r.store.RecordAPIKeyUse(ctx, key.TenantID, key.ID, now); err != nil {
		return nil, fmt.Errorf("recording api key use: %w", err)
	}

	return NewTenantContext(Identity{
		TenantID:     key.TenantID,
		PrincipalID:  user.ID,
		CredentialID: key.ID,
		Kind:         CredentialAPIKey,
		Scopes:       key.Scopes,
		Role:         user.Role,
	}), nil
}

// checkAdminToken requires a signed admin token to match its issuance
// record. A token missing from the store was never issued by this gateway.
func (r *Resolver) checkAdminToken(ctx context.Context, claims *token.Claims) error {
	rec, err := r.store.GetAdminToken(ctx, claims.TenantID, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("admin token without issuance record", "token_id", claims.ID, "tenant_id", claims.TenantID)
		return NewError(KindInvalidCredential, "admin token not recognised")
	}
	if err != nil {
		return fmt.Errorf("loading admin token: %w", err)
	}
	if rec.Revoked {
		return NewError(KindRevokedCredential, "admin token revoked, re-authenticate")
	}
	if rec.SuperAdmin != claims.SuperAdmin {
		return NewError(KindInvalidCredential, "admin token does not match its record")
	}
	return nil
}

// activePrincipal loads the principal within tenantID and checks that both
// the tenant and the principal are active.
func (r *Resolver) activePrincipal(ctx context.Context, tenantID, userID string) (*store.User, error) {
	if tenantID != "" {
		tenant, err := r.store.GetTenant(ctx, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(KindInvalidCredential, "credential tenant does not exist")
		}
		if err != nil {
			return nil, fmt.Errorf("loading tenant: %w", err)
		}
		if tenant.Status != store.TenantStatusActive {
			return nil, NewError(KindTenantSuspended, "tenant is suspended")
		}
	}

	user, err := r.store.GetUser(ctx, tenantID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewError(KindInvalidCredential, "credential principal does not exist")
	}
	if err != nil {
		return nil, fmt.Errorf("loading principal: %w", err)
	}
	if user.Status != store.UserStatusActive {
		return nil, Errorf(KindPrincipalInactive, "principal is %s", user.Status)
	}
	return user, nil
}

// tokenError maps codec failures onto auth kinds, keeping expired and
// revoked distinct.
func tokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return Wrap(KindExpiredCredential, "token expired, refresh or re-authenticate", err)
	case errors.Is(err, token.ErrRevoked):
		return Wrap(KindRevokedCredential, "token revoked, re-authenticate", err)
	case errors.Is(err, token.ErrSignatureInvalid):
		return Wrap(KindInvalidCredential, "token signature invalid", err)
	case errors.Is(err, token.ErrMalformed):
		return Wrap(KindInvalidCredential, "token malformed", err)
	default:
		return err
	}
}
