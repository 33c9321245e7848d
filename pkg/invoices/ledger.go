package invoices

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/tenants"
	"github.com/procurehq/vmp/pkg/vendors"
)

// Ledger is the invoice service. All writes are internal-only; suppliers
// see invoice data only through statement match results.
type Ledger struct {
	store     *Store
	vendors   *vendors.Store
	companies *tenants.Store
	clock     func() time.Time
	logger    *slog.Logger
}

// Deps collects the ledger's collaborators.
type Deps struct {
	Store     *Store
	Vendors   *vendors.Store
	Companies *tenants.Store
	Logger    *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

func NewLedger(d Deps, opts ...Option) *Ledger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:     d.Store,
		vendors:   d.Vendors,
		companies: d.Companies,
		clock:     time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateParams carries one API-created ledger row.
type CreateParams struct {
	CompanyID     string `json:"company_id"`
	VendorID      string `json:"vendor_id"`
	InvoiceNumber string `json:"invoice_number"`
	InvoiceDate   string `json:"invoice_date"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PORef         string `json:"po_ref,omitempty"`
	GRNRef        string `json:"grn_ref,omitempty"`
}

// Create inserts one row from the API. Internal only.
func (l *Ledger) Create(ctx context.Context, actor *auth.Actor, p CreateParams) (*Invoice, error) {
	if !actor.Internal {
		return nil, fmt.Errorf("%w: only internal actors may ingest invoices", api.ErrForbidden)
	}
	number := strings.TrimSpace(p.InvoiceNumber)
	if number == "" {
		return nil, fmt.Errorf("%w: invoice number is required", api.ErrValidation)
	}
	date, err := ParseDate(p.InvoiceDate)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	currency, err := NormalizeCurrency(p.Currency)
	if err != nil {
		return nil, err
	}
	if err := l.checkScope(ctx, actor.TenantID, p.VendorID, p.CompanyID); err != nil {
		return nil, err
	}

	inv := &Invoice{
		ID:            uuid.New().String(),
		TenantID:      actor.TenantID,
		CompanyID:     p.CompanyID,
		VendorID:      p.VendorID,
		InvoiceNumber: number,
		InvoiceDate:   date,
		AmountCents:   amount,
		Currency:      currency,
		PORef:         strings.TrimSpace(p.PORef),
		GRNRef:        strings.TrimSpace(p.GRNRef),
		Status:        StatusPending,
		Source:        SourceManual,
		CreatedAt:     l.clock().UTC(),
	}
	if err := l.store.Insert(ctx, inv); err != nil {
		return nil, err
	}
	l.logger.Info("invoice created", "invoice_number", number, "vendor_id", p.VendorID,
		"amount", amount.String(), "actor", actor.UserID)
	return inv, nil
}

// Get retrieves one row. Internal only.
func (l *Ledger) Get(ctx context.Context, actor *auth.Actor, id string) (*Invoice, error) {
	if !actor.Internal {
		return nil, fmt.Errorf("%w: the invoice ledger is internal", api.ErrForbidden)
	}
	return l.store.Get(ctx, actor.TenantID, id)
}

// List enumerates ledger rows. Internal only.
func (l *Ledger) List(ctx context.Context, actor *auth.Actor, f Filter) ([]*Invoice, error) {
	if !actor.Internal {
		return nil, fmt.Errorf("%w: the invoice ledger is internal", api.ErrForbidden)
	}
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, fmt.Errorf("%w: unknown invoice status %q", api.ErrValidation, f.Status)
	}
	return l.store.List(ctx, actor.TenantID, f)
}

// RowError reports one CSV row that could not be ingested. Row indexes
// are 1-based and count data rows, not the header.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// IngestResult summarizes a CSV ingest.
type IngestResult struct {
	Created    int        `json:"created"`
	Duplicates int        `json:"duplicates"`
	Errors     []RowError `json:"errors,omitempty"`
}

// IngestParams carries a CSV ingest request.
type IngestParams struct {
	CompanyID string
	VendorID  string
	Source    string // manual (default) or erp
	CSV       io.Reader
}

// IngestCSV bulk-loads ledger rows. Bad rows are reported, not fatal;
// duplicates of existing ledger rows are counted and skipped. Internal
// only.
func (l *Ledger) IngestCSV(ctx context.Context, actor *auth.Actor, p IngestParams) (*IngestResult, error) {
	if !actor.Internal {
		return nil, fmt.Errorf("%w: only internal actors may ingest invoices", api.ErrForbidden)
	}
	source := p.Source
	if source == "" {
		source = SourceManual
	}
	if source != SourceManual && source != SourceERP {
		return nil, fmt.Errorf("%w: unknown invoice source %q", api.ErrValidation, p.Source)
	}
	if err := l.checkScope(ctx, actor.TenantID, p.VendorID, p.CompanyID); err != nil {
		return nil, err
	}

	rows, errs, err := parseCSV(p.CSV)
	if err != nil {
		return nil, err
	}

	res := &IngestResult{Errors: errs}
	now := l.clock().UTC()
	for _, row := range rows {
		inv := &Invoice{
			ID:            uuid.New().String(),
			TenantID:      actor.TenantID,
			CompanyID:     p.CompanyID,
			VendorID:      p.VendorID,
			InvoiceNumber: row.Number,
			InvoiceDate:   row.Date,
			AmountCents:   row.Amount,
			Currency:      row.Currency,
			PORef:         row.PORef,
			GRNRef:        row.GRNRef,
			Status:        StatusPending,
			Source:        source,
			CreatedAt:     now,
		}
		if err := l.store.Insert(ctx, inv); err != nil {
			if errors.Is(err, api.ErrConflict) {
				res.Duplicates++
				continue
			}
			return nil, err
		}
		res.Created++
	}

	l.logger.Info("invoice csv ingested", "vendor_id", p.VendorID, "created", res.Created,
		"duplicates", res.Duplicates, "errors", len(res.Errors), "actor", actor.UserID)
	return res, nil
}

// ParseLedgerCSV reads ledger rows without touching the database. It backs
// the offline reconciliation check, which matches a statement against an
// exported invoice file instead of the live ledger. Rows come back pending
// with fresh ids so the matcher can tell them apart.
func ParseLedgerCSV(r io.Reader) ([]*Invoice, []RowError, error) {
	rows, errs, err := parseCSV(r)
	if err != nil {
		return nil, nil, err
	}
	invs := make([]*Invoice, 0, len(rows))
	for _, row := range rows {
		invs = append(invs, &Invoice{
			ID:            uuid.New().String(),
			InvoiceNumber: row.Number,
			InvoiceDate:   row.Date,
			AmountCents:   row.Amount,
			Currency:      row.Currency,
			PORef:         row.PORef,
			GRNRef:        row.GRNRef,
			Status:        StatusPending,
		})
	}
	return invs, errs, nil
}

func (l *Ledger) checkScope(ctx context.Context, tenantID, vendorID, companyID string) error {
	if _, err := l.vendors.Get(ctx, tenantID, vendorID); err != nil {
		return err
	}
	if _, err := l.companies.GetCompany(ctx, tenantID, companyID); err != nil {
		return err
	}
	linked, err := l.vendors.IsLinked(ctx, vendorID, companyID)
	if err != nil {
		return err
	}
	if !linked {
		return fmt.Errorf("%w: vendor is not linked to company", api.ErrValidation)
	}
	return nil
}

// csvRow is one parsed ledger row.
type csvRow struct {
	Number   string
	Date     time.Time
	Amount   Cents
	Currency string
	PORef    string
	GRNRef   string
}

// Header aliases, compared after lower-casing and stripping spaces,
// underscores, dots and '#'.
var (
	numberAliases   = []string{"invoicenumber", "invoiceno", "invoice", "number", "docno", "documentnumber", "reference"}
	dateAliases     = []string{"invoicedate", "date", "docdate"}
	amountAliases   = []string{"amount", "total", "value", "grossamount"}
	currencyAliases = []string{"currency", "ccy", "cur"}
	poAliases       = []string{"poref", "po", "ponumber"}
	grnAliases      = []string{"grnref", "grn", "grnnumber"}
)

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '.', '#', '-':
			return -1
		}
		return r
	}, h)
}

func findColumn(headers []string, aliases []string) int {
	for i, h := range headers {
		for _, a := range aliases {
			if h == a {
				return i
			}
		}
	}
	return -1
}

func parseCSV(r io.Reader) ([]csvRow, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: csv has no header row", api.ErrValidation)
	}
	for i := range header {
		header[i] = normalizeHeader(header[i])
	}

	numberCol := findColumn(header, numberAliases)
	dateCol := findColumn(header, dateAliases)
	amountCol := findColumn(header, amountAliases)
	if numberCol < 0 || dateCol < 0 || amountCol < 0 {
		return nil, nil, fmt.Errorf("%w: csv must carry invoice number, date and amount columns", api.ErrValidation)
	}
	currencyCol := findColumn(header, currencyAliases)
	poCol := findColumn(header, poAliases)
	grnCol := findColumn(header, grnAliases)

	var rows []csvRow
	var rowErrs []RowError
	for i := 1; ; i++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: i, Reason: "malformed csv row"})
			continue
		}

		row, reason := buildRow(record, numberCol, dateCol, amountCol, currencyCol, poCol, grnCol)
		if reason != "" {
			rowErrs = append(rowErrs, RowError{Row: i, Reason: reason})
			continue
		}
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}

func buildRow(record []string, numberCol, dateCol, amountCol, currencyCol, poCol, grnCol int) (csvRow, string) {
	field := func(col int) string {
		if col < 0 || col >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[col])
	}

	number := field(numberCol)
	if number == "" {
		return csvRow{}, "missing invoice number"
	}
	date, err := ParseDate(field(dateCol))
	if err != nil {
		return csvRow{}, fmt.Sprintf("bad date %q", field(dateCol))
	}
	amount, err := ParseAmount(field(amountCol))
	if err != nil {
		return csvRow{}, fmt.Sprintf("bad amount %q", field(amountCol))
	}
	currency, err := NormalizeCurrency(field(currencyCol))
	if err != nil {
		return csvRow{}, fmt.Sprintf("bad currency %q", field(currencyCol))
	}

	return csvRow{
		Number:   number,
		Date:     date,
		Amount:   amount,
		Currency: currency,
		PORef:    field(poCol),
		GRNRef:   field(grnCol),
	}, ""
}
