// Package checklist derives the document requirements for a case and keeps
// the per-case step rows reconciled against the evidence history. The rule
// table is pure; persistence lives in Store; Evaluate computes step statuses
// and a case status recommendation without touching the database.
package checklist

import "time"

// Evidence types a checklist step can demand. Uploads declare one of these.
const (
	TypeInvoicePDF          = "invoice_pdf"
	TypePONumber            = "po_number"
	TypeGRN                 = "grn"
	TypeRemittance          = "remittance"
	TypeBankStatement       = "bank_statement"
	TypeBankLetter          = "bank_letter"
	TypeSOADocument         = "soa_document"
	TypeReconciliation      = "reconciliation"
	TypeTaxID               = "tax_id"
	TypeCompanyRegistration = "company_registration"
	TypeEINCertificate      = "ein_certificate"
	TypeW9Form              = "w9_form"
	TypeVATCertificate      = "vat_certificate"
	TypeTaxCertificate      = "tax_certificate"
	TypeTradeLicense        = "trade_license"
	TypeImportExportPermit  = "import_export_permit"
	TypeSupportingDocs      = "supporting_documentation"
)

var knownTypes = map[string]string{
	TypeInvoicePDF:          "Invoice PDF",
	TypePONumber:            "Purchase order number",
	TypeGRN:                 "Goods receipt note",
	TypeRemittance:          "Remittance advice",
	TypeBankStatement:       "Bank statement",
	TypeBankLetter:          "Bank confirmation letter",
	TypeSOADocument:         "Statement of account",
	TypeReconciliation:      "Reconciliation worksheet",
	TypeTaxID:               "Tax identification",
	TypeCompanyRegistration: "Company registration",
	TypeEINCertificate:      "EIN certificate",
	TypeW9Form:              "Form W-9",
	TypeVATCertificate:      "VAT registration certificate",
	TypeTaxCertificate:      "Tax certificate",
	TypeTradeLicense:        "Trade license",
	TypeImportExportPermit:  "Import/export permit",
	TypeSupportingDocs:      "Supporting documentation",
}

// KnownType reports whether t is an evidence type the rule table can demand.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// Label returns the display label for an evidence type.
func Label(t string) string {
	if l, ok := knownTypes[t]; ok {
		return l
	}
	return t
}

// Step statuses. Waived is sticky: once an internal user waives a step the
// reconciler never moves it again.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusVerified  = "verified"
	StatusRejected  = "rejected"
	StatusWaived    = "waived"
)

// Step is one required document on a case. At most one step per evidence
// type exists per case.
type Step struct {
	ID              string    `json:"id"`
	CaseID          string    `json:"case_id"`
	EvidenceType    string    `json:"evidence_type"`
	Label           string    `json:"label"`
	Status          string    `json:"status"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EvidenceState is the slice of an evidence row the reconciler needs: what
// type it satisfies, how recent it is, and what verdict it carries.
type EvidenceState struct {
	EvidenceType  string
	Version       int
	Verdict       string // "", VerdictVerified or VerdictRejected
	VerdictReason string
	CreatedAt     time.Time
}

// Evidence verdicts as the reconciler sees them.
const (
	VerdictVerified = "verified"
	VerdictRejected = "rejected"
)

// Case status recommendations produced by Evaluate. The empty string means
// leave the case status unchanged.
const (
	RecommendResolved        = "resolved"
	RecommendWaitingSupplier = "waiting_supplier"
	RecommendWaitingInternal = "waiting_internal"
)
