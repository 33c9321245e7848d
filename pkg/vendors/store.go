package vendors

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

// Store persists vendors and vendor-company links in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS vendors (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	vendor_type TEXT NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	bank_account_name TEXT NOT NULL DEFAULT '',
	bank_account_number TEXT NOT NULL DEFAULT '',
	bank_name TEXT NOT NULL DEFAULT '',
	bank_swift TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vendors_tenant ON vendors(tenant_id);

CREATE TABLE IF NOT EXISTS vendor_companies (
	vendor_id TEXT NOT NULL REFERENCES vendors(id),
	company_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (vendor_id, company_id)
);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create registers a vendor.
func (s *Store) Create(ctx context.Context, tenantID, displayName, vendorType, countryCode string, bank BankDetails) (*Vendor, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("%w: vendor display name is required", api.ErrValidation)
	}
	if !ValidType(vendorType) {
		return nil, fmt.Errorf("%w: unknown vendor type %q", api.ErrValidation, vendorType)
	}
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))
	if countryCode != "" && len(countryCode) != 2 {
		return nil, fmt.Errorf("%w: country code must be ISO 3166-1 alpha-2", api.ErrValidation)
	}

	now := time.Now().UTC()
	v := &Vendor{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		DisplayName: displayName,
		Type:        vendorType,
		CountryCode: countryCode,
		Bank:        bank,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, tenant_id, display_name, vendor_type, country_code,
			bank_account_name, bank_account_number, bank_name, bank_swift, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, v.ID, v.TenantID, v.DisplayName, v.Type, v.CountryCode,
		v.Bank.AccountName, v.Bank.AccountNumber, v.Bank.BankName, v.Bank.SWIFT,
		v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("vendors: failed to create vendor: %w", err)
	}
	return v, nil
}

const vendorColumns = `id, tenant_id, display_name, vendor_type, country_code,
	bank_account_name, bank_account_number, bank_name, bank_swift, created_at, updated_at`

// Get retrieves a vendor scoped to a tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Vendor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+vendorColumns+` FROM vendors WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanVendor(row)
}

// ListByTenant returns a tenant's vendors ordered by display name.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]*Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vendorColumns+` FROM vendors WHERE tenant_id = $1 ORDER BY display_name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("vendors: failed to list vendors: %w", err)
	}
	defer rows.Close()

	var out []*Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vendors: failed to iterate vendors: %w", err)
	}
	return out, nil
}

// UpdateBankDetailsTx rewrites a vendor's bank details inside the caller's
// transaction. Only the case registry calls this, as part of resolving a
// bank-change case.
func (s *Store) UpdateBankDetailsTx(ctx context.Context, tx *sql.Tx, tenantID, vendorID string, bank BankDetails) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE vendors SET bank_account_name = $3, bank_account_number = $4,
			bank_name = $5, bank_swift = $6, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, vendorID, tenantID, bank.AccountName, bank.AccountNumber, bank.BankName, bank.SWIFT)
	if err != nil {
		return fmt.Errorf("vendors: failed to update bank details: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vendors: failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: vendor %s", api.ErrNotFound, vendorID)
	}
	return nil
}

// Link authorizes a vendor to act for a company. Linking twice is a no-op.
func (s *Store) Link(ctx context.Context, vendorID, companyID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendor_companies (vendor_id, company_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (vendor_id, company_id) DO NOTHING
	`, vendorID, companyID)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: vendor %s", api.ErrNotFound, vendorID)
		}
		return fmt.Errorf("vendors: failed to link vendor to company: %w", err)
	}
	return nil
}

// IsLinked reports whether a vendor may act for a company.
func (s *Store) IsLinked(ctx context.Context, vendorID, companyID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM vendor_companies WHERE vendor_id = $1 AND company_id = $2
	`, vendorID, companyID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("vendors: failed to check link: %w", err)
	}
	return true, nil
}

// LinkedCompanyIDs returns the companies a vendor is authorized for.
func (s *Store) LinkedCompanyIDs(ctx context.Context, vendorID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id FROM vendor_companies WHERE vendor_id = $1 ORDER BY company_id
	`, vendorID)
	if err != nil {
		return nil, fmt.Errorf("vendors: failed to list links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("vendors: failed to scan link: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vendors: failed to iterate links: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVendor(row scanner) (*Vendor, error) {
	var v Vendor
	err := row.Scan(&v.ID, &v.TenantID, &v.DisplayName, &v.Type, &v.CountryCode,
		&v.Bank.AccountName, &v.Bank.AccountNumber, &v.Bank.BankName, &v.Bank.SWIFT,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: vendor", api.ErrNotFound)
		}
		return nil, fmt.Errorf("vendors: failed to load vendor: %w", err)
	}
	return &v, nil
}
