package portal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/evidence"
	"github.com/procurehq/vmp/pkg/soa"
)

const statementCSV = "doc_number,doc_date,amount,currency,doc_type\nINV-100,2026-01-05,1250.00,USD,invoice\nINV-101,2026-01-12,300.00,USD,invoice\n"

func TestSOAIngest(t *testing.T) {
	f := newFixture(t)
	f.soa.ingest = &soa.IngestResult{CaseID: "case-soa", Created: true, Lines: 2, Matched: 1, Issues: 1}

	rr := doMultipart(t, f.handler, "/soa/ingest", internalCookie,
		map[string]string{
			"company_id":   "company-1",
			"vendor_id":    "vendor-1",
			"period_start": "2026-01-01",
			"period_end":   "2026-01-31",
		},
		"statement.csv", "text/csv", []byte(statementCSV))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "vendor-1", f.soa.gotIngest.VendorID)
	assert.Equal(t, "2026-01-01", f.soa.gotIngest.PeriodStart)
	assert.Equal(t, "2026-01-31", f.soa.gotIngest.PeriodEnd)
	assert.Equal(t, statementCSV, string(f.soa.gotCSV))

	var res soa.IngestResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "case-soa", res.CaseID)
	assert.True(t, res.Created)
}

func TestSOAIngestDeferredMatchingAccepted(t *testing.T) {
	f := newFixture(t)
	f.soa.ingest = &soa.IngestResult{CaseID: "case-soa", Lines: 20000, Background: true}

	rr := doMultipart(t, f.handler, "/soa/ingest", internalCookie,
		map[string]string{
			"company_id":   "company-1",
			"vendor_id":    "vendor-1",
			"period_start": "2026-01-01",
			"period_end":   "2026-01-31",
		},
		"statement.csv", "text/csv", []byte(statementCSV))

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestSOAIngestSupplierForbidden(t *testing.T) {
	f := newFixture(t)
	f.soa.err = fmt.Errorf("%w: internal staff only", api.ErrForbidden)

	rr := doMultipart(t, f.handler, "/soa/ingest", supplierCookie,
		map[string]string{"company_id": "company-1", "vendor_id": "vendor-1", "period_start": "2026-01-01", "period_end": "2026-01-31"},
		"statement.csv", "text/csv", []byte(statementCSV))

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSOALines(t *testing.T) {
	f := newFixture(t)
	f.soa.lines = []*soa.Line{
		{ID: "line-1", CaseID: "case-soa", DocNumber: "INV-100", Status: soa.LineMatched},
		{ID: "line-2", CaseID: "case-soa", DocNumber: "INV-999", Status: soa.LineDiscrepancy},
	}

	rr := doJSON(t, f.handler, http.MethodGet, "/soa/case-soa/lines", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "case-soa", f.soa.gotCase)

	var body struct {
		Lines []*soa.Line `json:"lines"`
		Count int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestSOARecompute(t *testing.T) {
	f := newFixture(t)
	f.soa.recomp = &soa.RecomputeResult{Processed: 5, Matched: 3, Issues: 2}

	rr := doJSON(t, f.handler, http.MethodPost, "/soa/case-soa/recompute", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var res soa.RecomputeResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 3, res.Matched)
}

func TestSOASignoff(t *testing.T) {
	f := newFixture(t)
	f.soa.signed = &soa.SignoffResult{
		Case:   &cases.Case{ID: "case-soa", Status: cases.StatusResolved},
		Digest: "deadbeef",
	}

	rr := doJSON(t, f.handler, http.MethodPost, "/soa/case-soa/signoff", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var res soa.SignoffResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "deadbeef", res.Digest)
	assert.Equal(t, cases.StatusResolved, res.Case.Status)
}

func TestSOASignoffBlockedByOpenLines(t *testing.T) {
	f := newFixture(t)
	f.soa.err = fmt.Errorf("%w: line INV-999 is discrepancy", api.ErrConflict)

	rr := doJSON(t, f.handler, http.MethodPost, "/soa/case-soa/signoff", internalCookie, nil)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSOAMatchLine(t *testing.T) {
	f := newFixture(t)
	f.soa.match = &soa.Match{ID: "match-1", LineID: "line-1", InvoiceID: "inv-1", Pass: soa.PassManual}

	rr := doJSON(t, f.handler, http.MethodPost, "/soa/case-soa/lines/line-1/match", internalCookie,
		map[string]string{"invoice_id": "inv-1"})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "line-1", f.soa.gotLine)
	assert.Equal(t, "inv-1", f.soa.gotInvoice)
}

func TestSOADisputeLine(t *testing.T) {
	f := newFixture(t)
	f.soa.issue = &soa.Issue{ID: "issue-1", LineID: "line-2", Type: soa.IssueAmountVariance}

	rr := doJSON(t, f.handler, http.MethodPost, "/soa/case-soa/lines/line-2/dispute", internalCookie,
		map[string]string{"issue_type": "amount_variance", "reason": "short paid"})

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "amount_variance", f.soa.gotType)
	assert.Equal(t, "short paid", f.soa.gotReason)
}

func TestSOAIgnoreLine(t *testing.T) {
	f := newFixture(t)
	f.soa.line = &soa.Line{ID: "line-3", Status: soa.LineIgnored}

	rr := doJSON(t, f.handler, http.MethodPost, "/soa/case-soa/lines/line-3/ignore", internalCookie,
		map[string]string{"reason": "credit note, out of period"})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "line-3", f.soa.gotLine)
}

func TestSOAResolveIssue(t *testing.T) {
	f := newFixture(t)
	f.soa.issue = &soa.Issue{ID: "issue-1", Status: soa.IssueResolved}

	rr := doJSON(t, f.handler, http.MethodPost, "/soa/case-soa/issues/issue-1/resolve", internalCookie,
		map[string]string{"note": "vendor reissued invoice"})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "issue-1", f.soa.gotIssue)
	assert.Equal(t, "vendor reissued invoice", f.soa.gotNote)
}

func TestSOALineEvidence(t *testing.T) {
	f := newFixture(t)
	f.soa.ev = &evidence.Evidence{ID: "ev-1", CaseID: "case-soa", EvidenceType: "reconciliation", Version: 1}

	rr := doMultipart(t, f.handler, "/soa/case-soa/lines/line-2/evidence", internalCookie,
		map[string]string{"evidence_type": "reconciliation"},
		"remittance.pdf", "application/pdf", []byte("%PDF-1.4"))

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "case-soa", f.soa.gotCase)
	assert.Equal(t, "line-2", f.soa.gotLine)
	assert.Equal(t, "remittance.pdf", f.soa.gotUpload.Filename)
	assert.Equal(t, []byte("%PDF-1.4"), f.soa.gotUpload.Data)
}
