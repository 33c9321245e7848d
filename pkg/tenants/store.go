package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/database"
)

// Store persists tenants and companies in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS companies (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, name)
);
CREATE INDEX IF NOT EXISTS idx_companies_tenant ON companies(tenant_id);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateTenant provisions a new tenant.
func (s *Store) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: tenant name is required", api.ErrValidation)
	}
	t := &Tenant{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)
	`, t.ID, t.Name, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("tenants: failed to create tenant: %w", err)
	}
	return t, nil
}

// GetTenant retrieves a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: tenant %s", api.ErrNotFound, id)
		}
		return nil, fmt.Errorf("tenants: failed to get tenant: %w", err)
	}
	return &t, nil
}

// CreateCompany adds a legal entity to a tenant.
func (s *Store) CreateCompany(ctx context.Context, tenantID, name, countryCode string) (*Company, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: company name is required", api.ErrValidation)
	}
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	if countryCode != "" && len(countryCode) != 2 {
		return nil, fmt.Errorf("%w: country code must be ISO 3166-1 alpha-2", api.ErrValidation)
	}

	c := &Company{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Name:        name,
		CountryCode: countryCode,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO companies (id, tenant_id, name, country_code, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.TenantID, c.Name, c.CountryCode, c.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: company %q already exists in this tenant", api.ErrConflict, name)
		}
		return nil, fmt.Errorf("tenants: failed to create company: %w", err)
	}
	return c, nil
}

// GetCompany retrieves a company scoped to a tenant.
func (s *Store) GetCompany(ctx context.Context, tenantID, id string) (*Company, error) {
	var c Company
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, country_code, created_at
		FROM companies WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&c.ID, &c.TenantID, &c.Name, &c.CountryCode, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: company %s", api.ErrNotFound, id)
		}
		return nil, fmt.Errorf("tenants: failed to get company: %w", err)
	}
	return &c, nil
}

// ListCompanies returns a tenant's companies ordered by name.
func (s *Store) ListCompanies(ctx context.Context, tenantID string) ([]*Company, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, country_code, created_at
		FROM companies WHERE tenant_id = $1 ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenants: failed to list companies: %w", err)
	}
	defer rows.Close()

	var out []*Company
	for rows.Next() {
		var c Company
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.CountryCode, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("tenants: failed to scan company: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenants: failed to iterate companies: %w", err)
	}
	return out, nil
}
