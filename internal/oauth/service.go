// ABOUTME: OAuth 2.0 Authorization Server implementing authorization code + PKCE and refresh
// ABOUTME: Code redemption relies on the store's atomic check-and-mark for exactly-once use

package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/2389/tenant-gateway/internal/auth"
	"github.com/2389/tenant-gateway/internal/store"
	"github.com/2389/tenant-gateway/internal/token"
)

// DefaultCodeTTL is how long an authorization code stays redeemable.
const DefaultCodeTTL = 5 * time.Minute

// MethodS256 is the only PKCE transform accepted.
const MethodS256 = "S256"

// Store is the slice of the Credential Store the authorization server needs.
type Store interface {
	store.OAuthStore
	LookupOAuthClient(ctx context.Context, clientID string) (*store.OAuthClient, error)
	LookupUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetTenant(ctx context.Context, tenantID string) (*store.Tenant, error)
	GetUser(ctx context.Context, tenantID, userID string) (*store.User, error)
	RevokeToken(ctx context.Context, tenantID, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tenantID, jti string) (bool, error)
}

// Observer receives security-relevant events. May be nil.
type Observer interface {
	CodeReplayed(clientID, tenantID string)
}

// AuthorizationRequest is the validated input of the authorization endpoint.
type AuthorizationRequest struct {
	ClientID        string
	RedirectURI     string
	CodeChallenge   string
	ChallengeMethod string
	Scopes          []string
	State           string
}

// TokenResponse is the RFC 6749 §5.1 token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Service is the authorization server core, independent of HTTP.
type Service struct {
	store    Store
	codec    *token.Codec
	codeTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// Option configures a Service.
type Option func(*Service)

// WithCodeTTL overrides the authorization code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.codeTTL = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService creates the authorization server.
func NewService(st Store, codec *token.Codec, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   st,
		codec:   codec,
		codeTTL: DefaultCodeTTL,
		now:     time.Now,
		logger:  logger.With("component", "oauth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateClient checks the client and redirect URI. Until this succeeds the
// redirect URI must not be used to report errors.
func (s *Service) ValidateClient(ctx context.Context, clientID, redirectURI string) (*store.OAuthClient, error) {
	if clientID == "" {
		return nil, auth.NewError(auth.KindInvalidRequest, "client_id is required")
	}
	client, err := s.store.LookupOAuthClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.NewError(auth.KindInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up client: %w", err)
	}
	if !client.AllowsRedirect(redirectURI) {
		return nil, auth.NewError(auth.KindInvalidRedirectURI, "redirect_uri is not registered for this client")
	}
	return client, nil
}

// ValidateAuthorization checks everything about an authorization request
// that can be checked before the user logs in.
func (s *Service) ValidateAuthorization(ctx context.Context, req AuthorizationRequest) (*store.OAuthClient, error) {
	client, err := s.ValidateClient(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	if req.CodeChallenge == "" {
		if client.RequirePKCE {
			return nil, auth.NewError(auth.KindInvalidRequest, "code_challenge is required")
		}
	} else {
		if req.ChallengeMethod != MethodS256 {
			return nil, auth.NewError(auth.KindInvalidRequest, "code_challenge_method must be S256")
		}
		if !validChallenge(req.CodeChallenge) {
			return nil, auth.NewError(auth.KindInvalidRequest, "code_challenge is malformed")
		}
	}
	for _, sc := range req.Scopes {
		if !slices.Contains(auth.AdminScopes, sc) {
			return nil, auth.Errorf(auth.KindInvalidScope, "unknown scope %q", sc)
		}
	}
	return client, nil
}

// Authenticate checks a login at the authorization endpoint.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	user, err := s.store.LookupUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.NewError(auth.KindAccessDenied, "invalid email or password")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, auth.NewError(auth.KindAccessDenied, "invalid email or password")
	}
	if user.Role == store.RoleSuperAdmin {
		return nil, auth.NewError(auth.KindAccessDenied, "platform administrators use admin tokens")
	}
	if err := s.checkActive(ctx, user.TenantID, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// BeginAuthorization issues a single-use authorization code for user.
// Returns the plaintext code; only its digest is stored.
func (s *Service) BeginAuthorization(ctx context.Context, req AuthorizationRequest, user *store.User) (string, error) {
	client, err := s.ValidateAuthorization(ctx, req)
	if err != nil {
		return "", err
	}
	if !client.VisibleTo(user.TenantID) {
		return "", auth.NewError(auth.KindInvalidClient, "client is not available to this tenant")
	}
	scopes, err := auth.GrantScopes(user.Role, req.Scopes)
	if err != nil {
		return "", err
	}

	code, err := auth.RandomSecret(32)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	err = s.store.CreateAuthorizationCode(ctx, &store.AuthorizationCode{
		Digest:          auth.HashSecret(code),
		TenantID:        user.TenantID,
		ClientID:        client.ID,
		UserID:          user.ID,
		RedirectURI:     req.RedirectURI,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.ChallengeMethod,
		Scopes:          scopes,
		ExpiresAt:       now.Add(s.codeTTL),
		CreatedAt:       now,
	})
	if err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}

	s.logger.Info("issued authorization code", "client_id", client.ID, "tenant_id", user.TenantID, "user_id", user.ID)
	return code, nil
}

// RedeemCode exchanges an authorization code for access and refresh tokens.
// The code is consumed by the first attempt whatever its outcome; every later
// attempt fails with code_replayed.
func (s *Service) RedeemCode(ctx context.Context, code, verifier, clientID, redirectURI string) (*TokenResponse, error) {
	if code == "" {
		return nil, auth.NewError(auth.KindInvalidRequest, "code is required")
	}
	if clientID == "" {
		return nil, auth.NewError(auth.KindInvalidRequest, "client_id is required")
	}

	now := s.now().UTC()
	stored, err := s.store.RedeemAuthorizationCode(ctx, auth.HashSecret(code), now)
	switch {
	case errors.Is(err, store.ErrCodeRedeemed):
		s.logger.Warn("authorization code replayed", "client_id", clientID)
		if s.observer != nil {
			s.observer.CodeReplayed(clientID, "")
		}
		return nil, auth.NewError(auth.KindCodeReplayed, "authorization code was already used")
	case errors.Is(err, store.ErrNotFound):
		return nil, auth.NewError(auth.KindInvalidGrant, "unknown authorization code")
	case err != nil:
		return nil, fmt.Errorf("redeeming code: %w", err)
	}

	if !now.Before(stored.ExpiresAt) {
		return nil, auth.NewError(auth.KindCodeExpired, "authorization code expired")
	}
	if stored.ClientID != clientID {
		s.logger.Warn("authorization code presented by another client",
			"code_client_id", stored.ClientID, "client_id", clientID, "tenant_id", stored.TenantID)
		return nil, auth.NewError(auth.KindInvalidGrant, "code was issued to another client")
	}
	if redirectURI != "" && redirectURI != stored.RedirectURI {
		return nil, auth.NewError(auth.KindInvalidGrant, "redirect_uri does not match authorization request")
	}
	if err := VerifyPKCE(stored.CodeChallenge, verifier); err != nil {
		return nil, err
	}

	user, err := s.activeUser(ctx, stored.TenantID, stored.UserID)
	if err != nil {
		return nil, err
	}

	sub := token.Subject{PrincipalID: user.ID, TenantID: stored.TenantID, Scopes: stored.Scopes, ClientID: clientID}
	access, err := s.codec.Issue(sub, token.KindAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := s.codec.Issue(sub, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, &store.RefreshToken{
		ID:        refresh.ID,
		TenantID:  stored.TenantID,
		UserID:    user.ID,
		ClientID:  clientID,
		Scopes:    stored.Scopes,
		ExpiresAt: refresh.ExpiresAt,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	s.logger.Info("authorization code redeemed", "client_id", clientID, "tenant_id", stored.TenantID, "user_id", user.ID)
	return &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.TTL(token.KindAccess).Seconds()),
		RefreshToken: refresh.Token,
		Scope:        strings.Join(stored.Scopes, " "),
	}, nil
}

// Refresh exchanges a refresh token for a new access token and a new refresh
// token. The presented refresh token is retired. Requested scopes may only
// narrow the original grant.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientID string, scopes []string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, auth.NewError(auth.KindInvalidRequest, "refresh_token is required")
	}
	claims, err := s.codec.VerifyKind(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, refreshError(err)
	}
	if err := token.CheckRevoked(ctx, s.store, claims); err != nil {
		return nil, refreshError(err)
	}

	record, err := s.store.GetRefreshToken(ctx, claims.TenantID, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.NewError(auth.KindInvalidGrant, "unknown refresh token")
	}
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}
	if record.Revoked {
		return nil, auth.NewError(auth.KindRevokedCredential, "refresh token revoked")
	}
	if clientID != "" && clientID != record.ClientID {
		return nil, auth.NewError(auth.KindInvalidGrant, "refresh token was issued to another client")
	}

	granted := record.Scopes
	if len(scopes) > 0 {
		for _, sc := range scopes {
			if !slices.Contains(record.Scopes, sc) {
				return nil, auth.Errorf(auth.KindInvalidScope, "scope %q was not originally granted", sc)
			}
		}
		granted = scopes
	}

	user, err := s.activeUser(ctx, record.TenantID, record.UserID)
	if err != nil {
		return nil, err
	}

	sub := token.Subject{
		PrincipalID: user.ID,
		TenantID:    record.TenantID,
		Scopes:      granted,
		ClientID:    record.ClientID,
	}
	access, err := s.codec.Issue(sub, token.KindAccess)
	if err != nil {
		return nil, err
	}
	next, err := s.codec.Issue(sub, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	err = s.store.RotateRefreshToken(ctx, record.TenantID, record.ID, &store.RefreshToken{
		ID:        next.ID,
		TenantID:  record.TenantID,
		UserID:    user.ID,
		ClientID:  record.ClientID,
		Scopes:    granted,
		ExpiresAt: next.ExpiresAt,
		CreatedAt: s.now().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrRefreshTokenUsed):
		s.logger.Warn("rotated refresh token presented again",
			"client_id", record.ClientID, "tenant_id", record.TenantID, "token_id", record.ID)
		return nil, auth.NewError(auth.KindRevokedCredential, "refresh token already used")
	case errors.Is(err, store.ErrNotFound):
		return nil, auth.NewError(auth.KindInvalidGrant, "unknown refresh token")
	case err != nil:
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.TTL(token.KindAccess).Seconds()),
		RefreshToken: next.Token,
		Scope:        strings.Join(granted, " "),
	}, nil
}

// Revoke implements RFC 7009. Unknown, malformed or expired tokens are not
// an error: the caller's goal (the token no longer works) already holds.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		s.logger.Debug("revocation of unusable token ignored", "error", err)
		return nil
	}
	if claims.Kind == token.KindRefresh {
		err := s.store.RevokeRefreshToken(ctx, claims.TenantID, claims.ID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return s.store.RevokeToken(ctx, claims.TenantID, claims.ID, claims.Expiry())
}

func (s *Service) checkActive(ctx context.Context, tenantID, userID string) error {
	_, err := s.activeUser(ctx, tenantID, userID)
	return err
}

func (s *Service) activeUser(ctx context.Context, tenantID, userID string) (*store.User, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.NewError(auth.KindInvalidGrant, "tenant no longer exists")
	}
	if err != nil {
		return nil, fmt.Errorf("loading tenant: %w", err)
	}
	if tenant.Status != store.TenantStatusActive {
		return nil, auth.NewError(auth.KindTenantSuspended, "tenant is suspended")
	}
	user, err := s.store.GetUser(ctx, tenantID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.NewError(auth.KindInvalidGrant, "user no longer exists")
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user.Status != store.UserStatusActive {
		return nil, auth.Errorf(auth.KindPrincipalInactive, "user is %s", user.Status)
	}
	return user, nil
}

// S256 computes the PKCE S256 challenge for a verifier.
func S256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks verifier against the stored challenge. A code issued
// without a challenge accepts no verifier.
func VerifyPKCE(challenge, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return auth.NewError(auth.KindPKCEMismatch, "code was issued without a code_challenge")
		}
		return nil
	}
	if !validVerifier(verifier) {
		return auth.NewError(auth.KindPKCEMismatch, "code_verifier is missing or malformed")
	}
	if subtle.ConstantTimeCompare([]byte(S256(verifier)), []byte(challenge)) != 1 {
		return auth.NewError(auth.KindPKCEMismatch, "code_verifier does not match code_challenge")
	}
	return nil
}

// validVerifier enforces RFC 7636 §4.1: 43-128 unreserved characters.
func validVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '-', r == '.', r == '_', r == '~':
		default:
			return false
		}
	}
	return true
}

// validChallenge accepts a base64url SHA-256 digest (43 characters).
func validChallenge(c string) bool {
	if len(c) != 43 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(c)
	return err == nil
}

func refreshError(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return auth.Wrap(auth.KindExpiredCredential, "refresh token expired, re-authenticate", err)
	case errors.Is(err, token.ErrRevoked):
		return auth.Wrap(auth.KindRevokedCredential, "refresh token revoked", err)
	case errors.Is(err, token.ErrMalformed), errors.Is(err, token.ErrSignatureInvalid), errors.Is(err, token.ErrWrongKind):
		return auth.Wrap(auth.KindInvalidGrant, "refresh token invalid", err)
	default:
		return err
	}
}
