// Package soa is the statement reconciliation engine. A vendor statement of
// account arrives as CSV, its rows become lines under a statement case, a
// deterministic multi-pass matcher pairs lines with shadow-ledger invoices,
// and discrepancies accumulate as issues that gate sign-off.
package soa

import (
	"time"

	"github.com/procurehq/vmp/pkg/invoices"
)

// Line statuses.
const (
	LineExtracted   = "extracted"
	LineMatched     = "matched"
	LineDiscrepancy = "discrepancy"
	LineResolved    = "resolved"
	LineIgnored     = "ignored"
)

// ValidLineStatus reports whether s is one of the enumerated line statuses.
func ValidLineStatus(s string) bool {
	switch s {
	case LineExtracted, LineMatched, LineDiscrepancy, LineResolved, LineIgnored:
		return true
	}
	return false
}

// Document types commonly seen on statements. The set is open: an unknown
// type passes through uppercased, a missing one defaults to INV.
const (
	DocInvoice     = "INV"
	DocCreditNote  = "CN"
	DocDebitNote   = "DN"
	DocPayment     = "PAY"
	DocWithholding = "WHT"
	DocAdjustment  = "ADJ"
)

// Match passes, in the order the matcher tries them. Manual matches recorded
// by an operator carry the pass "manual".
const (
	PassExact         = "A"
	PassDateTolerance = "B"
	PassNormalized    = "C"
	PassManual        = "manual"
)

// Issue types.
const (
	IssueUnmatched      = "unmatched"
	IssueAmountVariance = "amount_variance"
	IssueDateVariance   = "date_variance"
	IssueDuplicate      = "duplicate"
	IssueMissingInvoice = "missing_invoice"
	IssueOther          = "other"
)

// ValidIssueType reports whether t is one of the enumerated issue types.
func ValidIssueType(t string) bool {
	switch t {
	case IssueUnmatched, IssueAmountVariance, IssueDateVariance,
		IssueDuplicate, IssueMissingInvoice, IssueOther:
		return true
	}
	return false
}

// Issue statuses.
const (
	IssueOpen     = "open"
	IssueResolved = "resolved"
)

// Line is one statement row attached to a statement case.
type Line struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"case_id"`
	DocNumber   string         `json:"doc_number"`
	DocDate     time.Time      `json:"doc_date"`
	AmountCents invoices.Cents `json:"amount_cents"`
	Currency    string         `json:"currency"`
	DocType     string         `json:"doc_type"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Match links a statement line to a ledger invoice. Deltas record how far
// the pairing drifted; a match with any non-zero delta is not exact.
type Match struct {
	ID          string         `json:"id"`
	LineID      string         `json:"line_id"`
	InvoiceID   string         `json:"invoice_id"`
	Pass        string         `json:"match_pass"`
	IsExact     bool           `json:"is_exact"`
	AmountDelta invoices.Cents `json:"amount_delta_cents"`
	DaysDelta   int            `json:"days_delta"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Issue is a discrepancy on a statement line. Open issues block sign-off.
type Issue struct {
	ID             string     `json:"id"`
	LineID         string     `json:"line_id"`
	Type           string     `json:"issue_type"`
	Description    string     `json:"description"`
	Status         string     `json:"status"`
	ResolverUserID string     `json:"resolver_user_id,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
