// ABOUTME: Third-party provider OAuth token persistence with sealed secrets
// ABOUTME: Tokens are sealed with XChaCha20-Poly1305 bound to tenant, user and provider

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrUnseal is returned when a sealed value fails authentication, including
// when it is read back under a different (tenant, user, provider) key.
var ErrUnseal = errors.New("unsealing provider token")

// Sealer encrypts provider token secrets at rest.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k}, nil
}

func sealAAD(tenantID, userID, provider string) []byte {
	return []byte(tenantID + "|" + userID + "|" + provider)
}

// Seal encrypts plaintext. The output is nonce||ciphertext.
func (s *Sealer) Seal(plaintext string, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), aad), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(sealed []byte, aad []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrUnseal
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return "", ErrUnseal
	}
	return string(plaintext), nil
}

// UpsertProviderToken stores or replaces the token for (tenant, user, provider).
func (s *SQLiteStore) UpsertProviderToken(ctx context.Context, t *ProviderToken) error {
	if err := requireTenant(t.TenantID); err != nil {
		return err
	}
	if s.sealer == nil {
		return ErrSealerUnavailable
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}

	aad := sealAAD(t.TenantID, t.UserID, t.Provider)
	access, err := s.sealer.Seal(t.AccessToken, aad)
	if err != nil {
		return err
	}
	var refresh []byte
	if t.RefreshToken != "" {
		if refresh, err = s.sealer.Seal(t.RefreshToken, aad); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_tokens (tenant_id, user_id, provider, access_token, refresh_token, scope, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		t.TenantID, t.UserID, t.Provider, access, refresh, t.Scope,
		nullTime(t.ExpiresAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting provider token: %w", err)
	}

	s.logger.Info("stored provider token", "tenant_id", t.TenantID, "user_id", t.UserID, "provider", t.Provider)
	return nil
}

const providerTokenColumns = `tenant_id, user_id, provider, access_token, refresh_token, scope, expires_at, updated_at`

func (s *SQLiteStore) scanProviderToken(row rowScanner) (*ProviderToken, error) {
	var t ProviderToken
	var access, refresh []byte
	var scope, expiresAt sql.NullString
	var updatedAt string
	if err := row.Scan(&t.TenantID, &t.UserID, &t.Provider, &access, &refresh, &scope, &expiresAt, &updatedAt); err != nil {
		return nil, err
	}

	aad := sealAAD(t.TenantID, t.UserID, t.Provider)
	var err error
	if t.AccessToken, err = s.sealer.Open(access, aad); err != nil {
		return nil, err
	}
	if len(refresh) > 0 {
		if t.RefreshToken, err = s.sealer.Open(refresh, aad); err != nil {
			return nil, err
		}
	}
	t.Scope = scope.String
	if t.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// GetProviderToken retrieves and unseals a provider token.
func (s *SQLiteStore) GetProviderToken(ctx context.Context, tenantID, userID, provider string) (*ProviderToken, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return nil, ErrSealerUnavailable
	}

	t, err := s.scanProviderToken(s.db.QueryRowContext(ctx,
		`SELECT `+providerTokenColumns+` FROM provider_tokens WHERE tenant_id = ? AND user_id = ? AND provider = ?`,
		tenantID, userID, provider))
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider token: %w", err)
	}
	if err := s.checkTenant("provider_token", tenantID, t.TenantID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListProviderTokens lists a user's provider connections within a tenant.
func (s *SQLiteStore) ListProviderTokens(ctx context.Context, tenantID, userID string) ([]*ProviderToken, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return nil, ErrSealerUnavailable
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerTokenColumns+` FROM provider_tokens WHERE tenant_id = ? AND user_id = ? ORDER BY provider ASC`,
		tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying provider tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*ProviderToken
	for rows.Next() {
		t, err := s.scanProviderToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider token: %w", err)
		}
		if err := s.checkTenant("provider_token", tenantID, t.TenantID); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating provider tokens: %w", err)
	}
	return tokens, nil
}

// DeleteProviderToken removes a provider connection.
func (s *SQLiteStore) DeleteProviderToken(ctx context.Context, tenantID, userID, provider string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_tokens WHERE tenant_id = ? AND user_id = ? AND provider = ?`,
		tenantID, userID, provider)
	if err != nil {
		return fmt.Errorf("deleting provider token: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return err
	}
	s.logger.Info("deleted provider token", "tenant_id", tenantID, "user_id", userID, "provider", provider)
	return nil
}
