// ABOUTME: Tenant and user persistence for the Credential Store
// ABOUTME: Users are soft-managed through status transitions and never deleted

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTenant inserts a new tenant. ID and CreatedAt are filled in if empty.
func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TenantStatusActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Status, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}

	s.logger.Info("created tenant", "tenant_id", t.ID, "name", t.Name)
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *SQLiteStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var t Tenant
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at FROM tenants WHERE id = ?`, tenantID,
	).Scan(&t.ID, &t.Name, &t.Status, &createdAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// SetTenantStatus moves a tenant between active and suspended.
func (s *SQLiteStore) SetTenantStatus(ctx context.Context, tenantID string, status TenantStatus) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE tenants SET status = ? WHERE id = ?`, status, tenantID)
	if err != nil {
		return fmt.Errorf("updating tenant status: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return err
	}
	s.logger.Info("tenant status changed", "tenant_id", tenantID, "status", status)
	return nil
}

// CreateUser inserts a user. Super admins must have an empty tenant id and
// everyone else must have one.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if (u.Role == RoleSuperAdmin) != (u.TenantID == "") {
		return fmt.Errorf("%w: super_admin users are platform-scoped, all others need a tenant", ErrTenantRequired)
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	if u.Status == "" {
		u.Status = UserStatusPending
	}
	if u.Role == "" {
		u.Role = RoleUser
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, email, display_name, password_hash, role, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, tenantArg(u.TenantID), u.Email, u.DisplayName, u.PasswordHash,
		u.Role, u.Status, formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("created user", "user_id", u.ID, "tenant_id", u.TenantID, "role", u.Role)
	return nil
}

const userColumns = `id, tenant_id, email, display_name, password_hash, role, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var tenantID, passwordHash sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&u.ID, &tenantID, &u.Email, &u.DisplayName, &passwordHash,
		&u.Role, &u.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.TenantID = tenantID.String
	u.PasswordHash = passwordHash.String

	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &u, nil
}

// GetUser retrieves a user within a tenant. The empty tenant id addresses
// platform-level super admins only.
func (s *SQLiteStore) GetUser(ctx context.Context, tenantID, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id IS ? AND id = ?`,
		tenantArg(tenantID), userID,
	)
	u, err := scanUser(row)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if err := s.checkTenant("user", tenantID, u.TenantID); err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers returns every user of a tenant ordered by creation.
func (s *SQLiteStore) ListUsers(ctx context.Context, tenantID string) ([]*User, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = ? ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		if err := s.checkTenant("user", tenantID, u.TenantID); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// SetUserStatus transitions a user's status (approve, suspend).
func (s *SQLiteStore) SetUserStatus(ctx context.Context, tenantID, userID string, status UserStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = ?, updated_at = ? WHERE tenant_id IS ? AND id = ?`,
		status, formatTime(time.Now()), tenantArg(tenantID), userID,
	)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return err
	}
	s.logger.Info("user status changed", "user_id", userID, "tenant_id", tenantID, "status", status)
	return nil
}

// LookupUserByEmail finds a user by login email. Used by the login step of
// the authorization endpoint, before any tenant is known, and to reject a
// taken admin email before a new tenant is created.
func (s *SQLiteStore) LookupUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	return u, nil
}
