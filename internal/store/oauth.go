// ABOUTME: OAuth 2.0 client, authorization code, refresh token and revocation persistence
// ABOUTME: Code redemption is a single conditional UPDATE so only one redeemer can win

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateOAuthClient registers a client. An empty TenantID registers a
// platform-scoped client (dynamic registration).
func (s *SQLiteStore) CreateOAuthClient(ctx context.Context, c *OAuthClient) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, tenant_id, name, redirect_uris, require_pkce, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, tenantArg(c.TenantID), c.Name, string(uris), boolInt(c.RequirePKCE), formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting oauth client: %w", err)
	}

	s.logger.Info("registered oauth client", "client_id", c.ID, "tenant_id", c.TenantID)
	return nil
}

// LookupOAuthClient finds a client by id. Clients are looked up before the
// user authenticates; callers must check VisibleTo once the tenant is known.
func (s *SQLiteStore) LookupOAuthClient(ctx context.Context, clientID string) (*OAuthClient, error) {
	var c OAuthClient
	var tenantID sql.NullString
	var uris, createdAt string
	var requirePKCE int

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, redirect_uris, require_pkce, created_at
		FROM oauth_clients WHERE id = ?`, clientID,
	).Scan(&c.ID, &tenantID, &c.Name, &uris, &requirePKCE, &createdAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying oauth client: %w", err)
	}

	c.TenantID = tenantID.String
	c.RequirePKCE = requirePKCE != 0
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

// CreateAuthorizationCode stores a freshly issued code (by digest).
func (s *SQLiteStore) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if err := requireTenant(code.TenantID); err != nil {
		return err
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_codes (digest, tenant_id, client_id, user_id, redirect_uri, code_challenge,
			challenge_method, scopes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Digest, code.TenantID, code.ClientID, code.UserID, code.RedirectURI,
		code.CodeChallenge, code.ChallengeMethod, joinScopes(code.Scopes),
		formatTime(code.ExpiresAt), formatTime(code.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// RedeemAuthorizationCode marks the code redeemed and returns it. The
// conditional UPDATE is the single serialisation point: concurrent callers
// race on "redeemed_at IS NULL" and only one row update can succeed.
func (s *SQLiteStore) RedeemAuthorizationCode(ctx context.Context, digest string, at time.Time) (*AuthorizationCode, error) {
	var code AuthorizationCode
	var scopes, expiresAt, createdAt, redeemedAt string

	err := s.db.QueryRowContext(ctx, `
		UPDATE oauth_codes SET redeemed_at = ?
		WHERE digest = ? AND redeemed_at IS NULL
		RETURNING digest, tenant_id, client_id, user_id, redirect_uri, code_challenge,
			challenge_method, scopes, expires_at, redeemed_at, created_at`,
		formatTime(at), digest,
	).Scan(&code.Digest, &code.TenantID, &code.ClientID, &code.UserID, &code.RedirectURI,
		&code.CodeChallenge, &code.ChallengeMethod, &scopes, &expiresAt, &redeemedAt, &createdAt)

	if noRows(err) {
		var exists int
		lookupErr := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM oauth_codes WHERE digest = ?`, digest).Scan(&exists)
		if noRows(lookupErr) {
			return nil, ErrNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("checking authorization code: %w", lookupErr)
		}
		s.logger.Warn("authorization code replay", "digest_prefix", digest[:min(8, len(digest))])
		return nil, ErrCodeRedeemed
	}
	if err != nil {
		return nil, fmt.Errorf("redeeming authorization code: %w", err)
	}

	code.Scopes = splitScopes(scopes)
	if code.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if code.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	redeemed, err := parseTime(redeemedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing redeemed_at: %w", err)
	}
	code.RedeemedAt = &redeemed
	return &code, nil
}

// CreateRefreshToken records an issued refresh token.
func (s *SQLiteStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	if err := requireTenant(t.TenantID); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, tenant_id, user_id, client_id, scopes, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		t.ID, t.TenantID, t.UserID, t.ClientID, joinScopes(t.Scopes),
		formatTime(t.ExpiresAt), formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken retrieves a refresh token record within a tenant.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, tenantID, tokenID string) (*RefreshToken, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var t RefreshToken
	var scopes, expiresAt, createdAt string
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, client_id, scopes, expires_at, revoked, created_at
		FROM refresh_tokens WHERE tenant_id = ? AND id = ?`, tenantID, tokenID,
	).Scan(&t.ID, &t.TenantID, &t.UserID, &t.ClientID, &scopes, &expiresAt, &revoked, &createdAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}

	t.Scopes = splitScopes(scopes)
	t.Revoked = revoked != 0
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if err := s.checkTenant("refresh_token", tenantID, t.TenantID); err != nil {
		return nil, err
	}
	return &t, nil
}

// RevokeRefreshToken marks a refresh token revoked and adds its jti to the
// revocation list.
func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, tenantID, tokenID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt string
	err = tx.QueryRowContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE tenant_id = ? AND id = ? RETURNING expires_at`,
		tenantID, tokenID,
	).Scan(&expiresAt)
	if noRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO revoked_tokens (jti, tenant_id, expires_at, revoked_at) VALUES (?, ?, ?, ?)`,
		tokenID, tenantID, expiresAt, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("recording revocation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing revocation: %w", err)
	}
	s.logger.Info("revoked refresh token", "token_id", tokenID, "tenant_id", tenantID)
	return nil
}

// RotateRefreshToken retires oldID and inserts next in one transaction. The
// retirement is a conditional UPDATE, so concurrent rotations of the same
// token cannot both succeed.
func (s *SQLiteStore) RotateRefreshToken(ctx context.Context, tenantID, oldID string, next *RefreshToken) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if next.TenantID != tenantID {
		return ErrTenantIsolation
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt string
	err = tx.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1
		WHERE tenant_id = ? AND id = ? AND revoked = 0
		RETURNING expires_at`,
		tenantID, oldID,
	).Scan(&expiresAt)
	if noRows(err) {
		var one int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM refresh_tokens WHERE tenant_id = ? AND id = ?`, tenantID, oldID,
		).Scan(&one)
		if noRows(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying refresh token: %w", err)
		}
		return ErrRefreshTokenUsed
	}
	if err != nil {
		return fmt.Errorf("retiring refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO revoked_tokens (jti, tenant_id, expires_at, revoked_at) VALUES (?, ?, ?, ?)`,
		oldID, tenantID, expiresAt, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("recording revocation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, tenant_id, user_id, client_id, scopes, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		next.ID, next.TenantID, next.UserID, next.ClientID, joinScopes(next.Scopes),
		formatTime(next.ExpiresAt), formatTime(next.CreatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}
	return nil
}

// RevokeToken adds a jti to the revocation list. Revoking twice is a no-op.
func (s *SQLiteStore) RevokeToken(ctx context.Context, tenantID, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO revoked_tokens (jti, tenant_id, expires_at, revoked_at) VALUES (?, ?, ?, ?)`,
		jti, tenantArg(tenantID), formatTime(expiresAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	s.logger.Info("revoked token", "jti", jti, "tenant_id", tenantID)
	return nil
}

// IsTokenRevoked reports whether the tenant's token with the given jti is on
// the revocation list.
func (s *SQLiteStore) IsTokenRevoked(ctx context.Context, tenantID, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_tokens WHERE tenant_id IS ? AND jti = ?`, tenantArg(tenantID), jti,
	).Scan(&one)
	if noRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}
	return true, nil
}

// DeleteExpiredRevocations prunes entries whose token would be rejected as
// expired anyway.
func (s *SQLiteStore) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired revocations: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.logger.Debug("pruned revocation list", "count", n)
	}
	return n, nil
}
