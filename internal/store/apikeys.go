// ABOUTME: API key and admin token persistence for the Credential Store
// ABOUTME: Keys are stored as digests; revocation is one-way and usage updates are atomic

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAPIKey inserts a new API key record.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if err := requireTenant(k.TenantID); err != nil {
		return err
	}
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, owner_id, name, prefix, digest, scopes, expires_at, revoked, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		k.ID, k.TenantID, k.OwnerID, k.Name, k.Prefix, k.Digest,
		joinScopes(k.Scopes), nullTime(k.ExpiresAt), formatTime(k.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Info("created api key", "key_id", k.ID, "tenant_id", k.TenantID, "owner_id", k.OwnerID)
	return nil
}

const apiKeyColumns = `id, tenant_id, owner_id, name, prefix, digest, scopes, expires_at, revoked, usage_count, last_used_at, created_at`

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var scopes, createdAt string
	var expiresAt, lastUsedAt sql.NullString
	var revoked int
	if err := row.Scan(&k.ID, &k.TenantID, &k.OwnerID, &k.Name, &k.Prefix, &k.Digest,
		&scopes, &expiresAt, &revoked, &k.UsageCount, &lastUsedAt, &createdAt); err != nil {
		return nil, err
	}
	k.Scopes = splitScopes(scopes)
	k.Revoked = revoked != 0

	var err error
	if k.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if k.LastUsedAt, err = parseNullTime(lastUsedAt); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &k, nil
}

// GetAPIKey retrieves an API key within a tenant.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, tenantID, keyID string) (*APIKey, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = ? AND id = ?`, tenantID, keyID))
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	if err := s.checkTenant("api_key", tenantID, k.TenantID); err != nil {
		return nil, err
	}
	return k, nil
}

// ListAPIKeys lists a tenant's keys. An empty ownerID lists all owners.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context, tenantID, ownerID string) ([]*APIKey, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE tenant_id = ?`
	args := []any{tenantID}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		if err := s.checkTenant("api_key", tenantID, k.TenantID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked. Revoked keys are never reactivated.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, tenantID, keyID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = 1 WHERE tenant_id = ? AND id = ?`, tenantID, keyID)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return err
	}
	s.logger.Info("revoked api key", "key_id", keyID, "tenant_id", tenantID)
	return nil
}

// RecordAPIKeyUse increments the usage counter in a single statement.
func (s *SQLiteStore) RecordAPIKeyUse(ctx context.Context, tenantID, keyID string, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE tenant_id = ? AND id = ?`,
		formatTime(at), tenantID, keyID)
	if err != nil {
		return fmt.Errorf("recording api key use: %w", err)
	}
	return rowsAffectedOrNotFound(result)
}

// LookupAPIKeyByDigest finds a key by the digest of its secret. This is how the
// tenant of an API key caller is derived.
func (s *SQLiteStore) LookupAPIKeyByDigest(ctx context.Context, digest string) (*APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE digest = ?`, digest))
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key by digest: %w", err)
	}
	return k, nil
}

// CreateAdminToken records an issued admin token.
func (s *SQLiteStore) CreateAdminToken(ctx context.Context, t *AdminToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_tokens (id, tenant_id, issued_by, name, super_admin, scopes, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		t.ID, tenantArg(t.TenantID), t.IssuedBy, t.Name, boolInt(t.SuperAdmin),
		joinScopes(t.Scopes), formatTime(t.ExpiresAt), formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting admin token: %w", err)
	}

	s.logger.Info("created admin token", "token_id", t.ID, "tenant_id", t.TenantID, "super_admin", t.SuperAdmin)
	return nil
}

// GetAdminToken retrieves an admin token record within a tenant (or the
// platform scope when tenantID is empty).
func (s *SQLiteStore) GetAdminToken(ctx context.Context, tenantID, tokenID string) (*AdminToken, error) {
	var t AdminToken
	var rowTenant sql.NullString
	var scopes, expiresAt, createdAt string
	var superAdmin, revoked int

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, issued_by, name, super_admin, scopes, expires_at, revoked, created_at
		FROM admin_tokens WHERE tenant_id IS ? AND id = ?`,
		tenantArg(tenantID), tokenID,
	).Scan(&t.ID, &rowTenant, &t.IssuedBy, &t.Name, &superAdmin, &scopes, &expiresAt, &revoked, &createdAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin token: %w", err)
	}

	t.TenantID = rowTenant.String
	t.SuperAdmin = superAdmin != 0
	t.Revoked = revoked != 0
	t.Scopes = splitScopes(scopes)
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if err := s.checkTenant("admin_token", tenantID, t.TenantID); err != nil {
		return nil, err
	}
	return &t, nil
}

// RevokeAdminToken marks an admin token revoked and adds it to the revocation
// list in one transaction.
func (s *SQLiteStore) RevokeAdminToken(ctx context.Context, tenantID, tokenID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt string
	err = tx.QueryRowContext(ctx,
		`UPDATE admin_tokens SET revoked = 1 WHERE tenant_id IS ? AND id = ? RETURNING expires_at`,
		tenantArg(tenantID), tokenID,
	).Scan(&expiresAt)
	if noRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("revoking admin token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO revoked_tokens (jti, tenant_id, expires_at, revoked_at) VALUES (?, ?, ?, ?)`,
		tokenID, tenantArg(tenantID), expiresAt, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("recording revocation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing revocation: %w", err)
	}
	s.logger.Info("revoked admin token", "token_id", tokenID, "tenant_id", tenantID)
	return nil
}
