// ABOUTME: Token Codec issuing and verifying Ed25519-signed JWTs (access, refresh, admin)
// ABOUTME: Verify is stateless; revocation is a separate explicit check against a RevocationChecker

package token

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors. Each is distinct so callers can tell "refresh" from
// "re-authenticate".
var (
	ErrMalformed        = errors.New("token malformed")
	ErrExpired          = errors.New("token expired")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrRevoked          = errors.New("token revoked")
	ErrWrongKind        = errors.New("token kind not accepted here")
)

// Kind distinguishes the purpose a token was issued for.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindAdmin   Kind = "admin"
)

// Default lifetimes per kind.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultAdminTTL   = 90 * 24 * time.Hour
)

// Claims is the payload carried by every gateway token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID   string `json:"tid,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Kind       Kind   `json:"kind"`
	ClientID   string `json:"client_id,omitempty"`
	SuperAdmin bool   `json:"super_admin,omitempty"`
}

// Scopes returns the granted scopes as a slice.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Expiry returns the expiry instant, or the zero time when unset.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Subject describes who a token is issued to.
type Subject struct {
	PrincipalID string
	TenantID    string // empty for platform-scoped admin tokens
	Scopes      []string
	ClientID    string
	SuperAdmin  bool
}

// Issued is a freshly signed token plus the metadata needed to store it.
type Issued struct {
	Token     string
	ID        string // jti
	ExpiresAt time.Time
}

// RevocationChecker is consulted after signature verification succeeds.
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tenantID, jti string) (bool, error)
}

// Codec signs and verifies tokens with a single Ed25519 signing key.
// Additional public keys may be registered for verification during rotation.
type Codec struct {
	private ed25519.PrivateKey
	kid     string
	keys    map[string]ed25519.PublicKey
	issuer  string
	ttl     map[Kind]time.Duration
	now     func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL overrides the lifetime for one token kind.
func WithTTL(kind Kind, ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl[kind] = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithVerificationKey accepts tokens signed by a previous key.
func WithVerificationKey(pub ed25519.PublicKey) Option {
	return func(c *Codec) {
		if kid, err := KeyID(pub); err == nil {
			c.keys[kid] = pub
		}
	}
}

// NewCodec creates a codec that signs with private and stamps issuer into
// every token.
func NewCodec(private ed25519.PrivateKey, issuer string, opts ...Option) (*Codec, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	pub := private.Public().(ed25519.PublicKey)
	kid, err := KeyID(pub)
	if err != nil {
		return nil, err
	}

	c := &Codec{
		private: private,
		kid:     kid,
		keys:    map[string]ed25519.PublicKey{kid: pub},
		issuer:  issuer,
		ttl: map[Kind]time.Duration{
			KindAccess:  DefaultAccessTTL,
			KindRefresh: DefaultRefreshTTL,
			KindAdmin:   DefaultAdminTTL,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issuer returns the issuer stamped into tokens.
func (c *Codec) Issuer() string { return c.issuer }

// TTL returns the configured lifetime for kind.
func (c *Codec) TTL(kind Kind) time.Duration { return c.ttl[kind] }

// Issue signs a new token for sub.
func (c *Codec) Issue(sub Subject, kind Kind) (*Issued, error) {
	if sub.PrincipalID == "" {
		return nil, fmt.Errorf("issuing %s token: principal required", kind)
	}
	if sub.TenantID == "" && !(kind == KindAdmin && sub.SuperAdmin) {
		return nil, fmt.Errorf("issuing %s token: tenant required", kind)
	}
	ttl, ok := c.ttl[kind]
	if !ok {
		return nil, fmt.Errorf("issuing token: unknown kind %q", kind)
	}

	now := c.now().UTC()
	jti := uuid.New().String()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   sub.PrincipalID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID:   sub.TenantID,
		Scope:      strings.Join(sub.Scopes, " "),
		Kind:       kind,
		ClientID:   sub.ClientID,
		SuperAdmin: sub.SuperAdmin,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = c.kid
	signed, err := tok.SignedString(c.private)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	// NumericDate truncates to seconds; report what the token actually says.
	return &Issued{Token: signed, ID: jti, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks signature, issuer and lifetime without touching any store.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing jti or sub", ErrMalformed)
	}
	switch claims.Kind {
	case KindAccess, KindRefresh, KindAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, claims.Kind)
	}
	if claims.TenantID == "" && !(claims.Kind == KindAdmin && claims.SuperAdmin) {
		return nil, fmt.Errorf("%w: missing tenant", ErrMalformed)
	}
	return claims, nil
}

// VerifyKind is Verify plus a check that the token was issued as kind.
func (c *Codec) VerifyKind(tokenString string, kind Kind) (*Claims, error) {
	claims, err := c.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, claims.Kind, kind)
	}
	return claims, nil
}

// CheckRevoked consults the revocation list for already-verified claims.
func CheckRevoked(ctx context.Context, rc RevocationChecker, claims *Claims) error {
	revoked, err := rc.IsTokenRevoked(ctx, claims.TenantID, claims.ID)
	if err != nil {
		return fmt.Errorf("checking revocation: %w", err)
	}
	if revoked {
		return ErrRevoked
	}
	return nil
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrSignatureInvalid)
	}
	pub, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid %q", ErrSignatureInvalid, kid)
	}
	return pub, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
