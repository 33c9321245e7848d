package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/database"
)

// Store persists ledger rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	company_id TEXT NOT NULL,
	vendor_id TEXT NOT NULL,
	invoice_number TEXT NOT NULL,
	invoice_date DATE NOT NULL,
	amount_cents BIGINT NOT NULL,
	currency TEXT NOT NULL,
	po_ref TEXT,
	grn_ref TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	source TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (vendor_id, company_id, invoice_number)
);
CREATE INDEX IF NOT EXISTS idx_invoices_tenant_vendor ON invoices(tenant_id, vendor_id);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Insert stores a row. A duplicate (vendor, company, invoice number) is a
// conflict.
func (s *Store) Insert(ctx context.Context, inv *Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, tenant_id, company_id, vendor_id, invoice_number, invoice_date,
			amount_cents, currency, po_ref, grn_ref, status, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, inv.ID, inv.TenantID, inv.CompanyID, inv.VendorID, inv.InvoiceNumber, inv.InvoiceDate,
		int64(inv.AmountCents), inv.Currency, nullable(inv.PORef), nullable(inv.GRNRef),
		inv.Status, inv.Source, inv.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: invoice %s already exists for this vendor and company",
				api.ErrConflict, inv.InvoiceNumber)
		}
		return fmt.Errorf("invoices: failed to insert row: %w", err)
	}
	return nil
}

const columns = `id, tenant_id, company_id, vendor_id, invoice_number, invoice_date,
	amount_cents, currency, po_ref, grn_ref, status, source, created_at, updated_at`

// Get retrieves one row in a tenant's scope.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Invoice, error) {
	return scan(s.db.QueryRowContext(ctx, `
		SELECT `+columns+` FROM invoices WHERE id = $1 AND tenant_id = $2
	`, id, tenantID))
}

// List enumerates ledger rows, newest invoice date first.
func (s *Store) List(ctx context.Context, tenantID string, f Filter) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM invoices
		WHERE tenant_id = $1
		  AND ($2 = '' OR vendor_id = $2)
		  AND ($3 = '' OR company_id = $3)
		  AND ($4 = '' OR status = $4)
		ORDER BY invoice_date DESC, invoice_number
	`, tenantID, f.VendorID, f.CompanyID, f.Status)
	if err != nil {
		return nil, fmt.Errorf("invoices: failed to list rows: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// CandidatesForVendor returns the vendor's non-cancelled invoices for the
// matcher. The matcher runs its passes in memory; pass C needs the full
// candidate set anyway because normalization cannot be pushed into SQL.
func (s *Store) CandidatesForVendor(ctx context.Context, tenantID, vendorID string) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM invoices
		WHERE tenant_id = $1 AND vendor_id = $2 AND status != $3
		ORDER BY invoice_date, invoice_number
	`, tenantID, vendorID, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("invoices: failed to load candidates: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// SetStatus moves a row; the matcher marks matched, disputes mark disputed.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: unknown invoice status %q", api.ErrValidation, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("invoices: failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("invoices: failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: invoice %s", api.ErrNotFound, id)
	}
	return nil
}

func collect(rows *sql.Rows) ([]*Invoice, error) {
	var out []*Invoice
	for rows.Next() {
		inv, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoices: failed to iterate rows: %w", err)
	}
	return out, nil
}

func scan(row interface{ Scan(...any) error }) (*Invoice, error) {
	var inv Invoice
	var amount int64
	var po, grn sql.NullString
	var invoiceDate time.Time
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.CompanyID, &inv.VendorID, &inv.InvoiceNumber,
		&invoiceDate, &amount, &inv.Currency, &po, &grn, &inv.Status, &inv.Source,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: invoice", api.ErrNotFound)
		}
		return nil, fmt.Errorf("invoices: failed to load row: %w", err)
	}
	inv.InvoiceDate = invoiceDate.UTC()
	inv.AmountCents = Cents(amount)
	inv.PORef = po.String
	inv.GRNRef = grn.String
	return &inv, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
