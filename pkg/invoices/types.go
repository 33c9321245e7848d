// Package invoices is the shadow ledger: the internal copy of vendor
// invoices the statement matcher reconciles against. Rows arrive by CSV
// ingest or one-off API creates, never from the matcher itself.
package invoices

import "time"

// Invoice statuses.
const (
	StatusPending   = "pending"
	StatusMatched   = "matched"
	StatusPaid      = "paid"
	StatusDisputed  = "disputed"
	StatusCancelled = "cancelled"
)

// ValidStatus reports whether s is one of the enumerated statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusMatched, StatusPaid, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// Ingest sources.
const (
	SourceManual = "manual"
	SourceERP    = "erp"
)

// Invoice is one ledger row. (vendor, company, invoice number) is unique.
type Invoice struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	CompanyID     string    `json:"company_id"`
	VendorID      string    `json:"vendor_id"`
	InvoiceNumber string    `json:"invoice_number"`
	InvoiceDate   time.Time `json:"invoice_date"`
	AmountCents   Cents     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	PORef         string    `json:"po_ref,omitempty"`
	GRNRef        string    `json:"grn_ref,omitempty"`
	Status        string    `json:"status"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Filter narrows a ledger listing. Zero values mean "any".
type Filter struct {
	VendorID  string
	CompanyID string
	Status    string
}
