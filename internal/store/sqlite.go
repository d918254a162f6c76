// ABOUTME: SQLite implementation of the Credential Store using modernc.org/sqlite
// ABOUTME: Creates the schema on open and enforces tenant predicates on every scoped read

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	sealer *Sealer
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSealer enables provider-token storage sealed under the given sealer.
func WithSealer(sealer *Sealer) Option {
	return func(s *SQLiteStore) { s.sealer = sealer }
}

// WithLogger overrides the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at path and ensures the
// schema exists. Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{logger: slog.Default().With("component", "store")}
	for _, opt := range opts {
		opt(s)
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		// busy_timeout lets concurrent writers wait on the WAL lock instead of failing
		dsn = path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a distinct database
		db.SetMaxOpenConns(1)
	}
	s.db = db

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (status IN ('active', 'suspended'))
		);

		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT REFERENCES tenants(id),
			email         TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL,
			password_hash TEXT,
			role          TEXT NOT NULL,
			status        TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (role IN ('user', 'admin', 'super_admin')),
			CHECK (status IN ('pending', 'active', 'suspended')),
			CHECK ((tenant_id IS NULL) = (role = 'super_admin'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL REFERENCES tenants(id),
			owner_id     TEXT NOT NULL REFERENCES users(id),
			name         TEXT NOT NULL,
			prefix       TEXT NOT NULL,
			digest       TEXT NOT NULL UNIQUE,
			scopes       TEXT NOT NULL,
			expires_at   TEXT,
			revoked      INTEGER NOT NULL DEFAULT 0,
			usage_count  INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_tenant_owner ON api_keys(tenant_id, owner_id);

		CREATE TABLE IF NOT EXISTS admin_tokens (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT REFERENCES tenants(id),
			issued_by   TEXT NOT NULL,
			name        TEXT NOT NULL,
			super_admin INTEGER NOT NULL DEFAULT 0,
			scopes      TEXT NOT NULL,
			expires_at  TEXT NOT NULL,
			revoked     INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_clients (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT REFERENCES tenants(id),
			name          TEXT NOT NULL,
			redirect_uris TEXT NOT NULL,
			require_pkce  INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS oauth_codes (
			digest           TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL REFERENCES tenants(id),
			client_id        TEXT NOT NULL REFERENCES oauth_clients(id),
			user_id          TEXT NOT NULL REFERENCES users(id),
			redirect_uri     TEXT NOT NULL,
			code_challenge   TEXT NOT NULL,
			challenge_method TEXT NOT NULL,
			scopes           TEXT NOT NULL,
			expires_at       TEXT NOT NULL,
			redeemed_at      TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL REFERENCES tenants(id),
			user_id    TEXT NOT NULL REFERENCES users(id),
			client_id  TEXT NOT NULL,
			scopes     TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			revoked    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_tenant ON refresh_tokens(tenant_id, id);

		CREATE TABLE IF NOT EXISTS revoked_tokens (
			jti        TEXT NOT NULL,
			tenant_id  TEXT,
			expires_at TEXT NOT NULL,
			revoked_at TEXT NOT NULL,

			PRIMARY KEY (jti)
		);

		CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expires ON revoked_tokens(expires_at);

		CREATE TABLE IF NOT EXISTS provider_tokens (
			tenant_id     TEXT NOT NULL REFERENCES tenants(id),
			user_id       TEXT NOT NULL REFERENCES users(id),
			provider      TEXT NOT NULL,
			access_token  BLOB NOT NULL,
			refresh_token BLOB,
			scope         TEXT,
			expires_at    TEXT,
			updated_at    TEXT NOT NULL,

			PRIMARY KEY (tenant_id, user_id, provider)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// requireTenant rejects tenant-scoped calls that arrive without a tenant id.
func requireTenant(tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	return nil
}

// checkTenant verifies a scanned row belongs to the tenant that asked for it.
// The SQL predicate already guarantees this; a mismatch means a query bug.
func (s *SQLiteStore) checkTenant(entity, requested, got string) error {
	if requested == got {
		return nil
	}
	s.logger.Error("tenant isolation violation",
		"severity", "critical",
		"entity", entity,
		"requested_tenant", requested,
		"row_tenant", got,
	)
	return fmt.Errorf("%w: %s", ErrTenantIsolation, entity)
}

// tenantArg maps the empty tenant id to SQL NULL so that "tenant_id IS ?"
// matches platform-scoped rows.
func tenantArg(tenantID string) sql.NullString {
	return sql.NullString{String: tenantID, Valid: tenantID != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	return strings.Fields(s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

// rowsAffectedOrNotFound converts a zero-row update into ErrNotFound.
func rowsAffectedOrNotFound(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
