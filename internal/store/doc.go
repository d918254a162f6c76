// Package store provides the Credential Store for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one repository
// interface per entity:
//
//   - TenantStore: Tenants and their lifecycle
//   - UserStore: Users (soft status transitions, never deleted)
//   - APIKeyStore: Long-lived API keys stored as digests
//   - AdminTokenStore: Issued admin tokens, tracked for revocation
//   - OAuthStore: OAuth 2.0 clients, authorization codes, refresh tokens
//   - RevocationStore: The token revocation list
//   - ProviderTokenStore: Sealed third-party provider tokens
//   - CredentialLookup: Secret-driven lookups that derive a tenant
//
// SQLiteStore implements all interfaces in a single struct.
//
// # Tenant Isolation
//
// Every persisted row carries a tenant id, and every scoped read includes it
// in the SQL predicate. Rows are re-checked after scanning; a mismatch is
// logged at error level with severity=critical and surfaces as
// ErrTenantIsolation. The empty tenant id addresses platform-scoped rows
// (super admins, platform admin tokens, dynamically registered clients) and
// is stored as NULL.
//
// CredentialLookup is the only way to read without a tenant. Each method takes
// a secret presented by the caller (an API key digest, a login email, a client
// id) and returns the row that names its tenant.
//
// # Concurrency
//
// Correctness-sensitive mutations are single statements: authorization code
// redemption is a conditional UPDATE ... RETURNING so that exactly one
// concurrent redeemer wins, and API key usage counters increment in place.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a busy timeout so concurrent writers
// queue instead of failing:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=10000;
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) in tests.
package store
