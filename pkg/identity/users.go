package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/database"
)

// UserStore persists users in PostgreSQL.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	internal BOOLEAN NOT NULL DEFAULT FALSE,
	vendor_id TEXT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id);
`

// Init creates the necessary database tables.
func (s *UserStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, usersSchema)
	return err
}

// CreateParams carries the data needed to provision a user.
// Supplier users must name a vendor; internal users must not.
type CreateParams struct {
	TenantID    string
	Email       string
	Password    string
	DisplayName string
	Internal    bool
	VendorID    string
}

// Create provisions a user, hashing the password with bcrypt.
func (s *UserStore) Create(ctx context.Context, p CreateParams) (*User, error) {
	email := NormalizeEmail(p.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", api.ErrValidation)
	}
	if len(p.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", api.ErrValidation)
	}
	if p.Internal && p.VendorID != "" {
		return nil, fmt.Errorf("%w: internal users cannot be bound to a vendor", api.ErrValidation)
	}
	if !p.Internal && p.VendorID == "" {
		return nil, fmt.Errorf("%w: supplier users must be bound to a vendor", api.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		TenantID:     p.TenantID,
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  p.DisplayName,
		Internal:     p.Internal,
		VendorID:     p.VendorID,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, email, password_hash, display_name, internal, vendor_id, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.TenantID, user.Email, user.PasswordHash, user.DisplayName,
		user.Internal, nullable(user.VendorID), user.Active, user.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: a user with email %s already exists", api.ErrConflict, email)
		}
		return nil, fmt.Errorf("identity: failed to create user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by lowercased email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, password_hash, display_name, internal, vendor_id, active, created_at
		FROM users WHERE email = $1
	`, NormalizeEmail(email)))
}

// GetByID retrieves a user by id.
func (s *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, password_hash, display_name, internal, vendor_id, active, created_at
		FROM users WHERE id = $1
	`, id))
}

// SetActive flips the active flag. Deactivated users cannot log in and
// their existing sessions stop resolving.
func (s *UserStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("identity: failed to update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("identity: failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", api.ErrNotFound, id)
	}
	return nil
}

// InternalUserIDs lists the active internal users of a tenant. It backs
// the notification fan-out for internal events.
func (s *UserStore) InternalUserIDs(ctx context.Context, tenantID string) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM users WHERE tenant_id = $1 AND internal = TRUE AND active = TRUE
	`, tenantID)
}

// SupplierUserIDs lists the active supplier users bound to a vendor.
func (s *UserStore) SupplierUserIDs(ctx context.Context, vendorID string) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM users WHERE vendor_id = $1 AND internal = FALSE AND active = TRUE
	`, vendorID)
}

func (s *UserStore) listIDs(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("identity: failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *UserStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var vendorID sql.NullString
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.DisplayName,
		&u.Internal, &vendorID, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user", api.ErrNotFound)
		}
		return nil, fmt.Errorf("identity: failed to load user: %w", err)
	}
	u.VendorID = vendorID.String
	return &u, nil
}

// NormalizeEmail lowercases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
