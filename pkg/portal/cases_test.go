package portal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/invoices"
	"github.com/procurehq/vmp/pkg/thread"
)

func sampleCase() *cases.Case {
	due := testNow.Add(36 * time.Hour)
	return &cases.Case{
		ID:        "case-1",
		TenantID:  "tenant-1",
		CompanyID: "company-1",
		VendorID:  "vendor-1",
		Type:      cases.TypeInvoice,
		Subject:   "Invoice INV-100 unpaid",
		Status:    cases.StatusOpen,
		OwnerTeam: cases.TeamAP,
		SLADue:    &due,
		CreatedAt: testNow.Add(-24 * time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
}

func TestCreateCase(t *testing.T) {
	f := newFixture(t)
	f.cases.c = sampleCase()

	rr := doJSON(t, f.handler, http.MethodPost, "/cases", internalCookie, map[string]any{
		"company_id": "company-1",
		"vendor_id":  "vendor-1",
		"case_type":  "invoice",
		"subject":    "Invoice INV-100 unpaid",
	})

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "invoice", f.cases.gotCreate.CaseType)
	assert.Equal(t, "vendor-1", f.cases.gotCreate.VendorID)

	var got cases.Case
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "case-1", got.ID)
}

func TestCreateCaseValidationProblem(t *testing.T) {
	f := newFixture(t)
	f.cases.err = fmt.Errorf("%w: subject is required", api.ErrValidation)

	rr := doJSON(t, f.handler, http.MethodPost, "/cases", internalCookie, map[string]any{
		"case_type": "invoice",
	})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestListCasesParsesFilter(t *testing.T) {
	f := newFixture(t)
	f.cases.list = []*cases.Case{sampleCase()}

	rr := doJSON(t, f.handler, http.MethodGet,
		"/cases?status=open&owner_team=ap&case_type=invoice&posture=overdue&vendor_id=vendor-1&q=INV-100",
		internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, cases.Filter{
		Status:    "open",
		OwnerTeam: "ap",
		CaseType:  "invoice",
		Posture:   "overdue",
		VendorID:  "vendor-1",
		Query:     "INV-100",
	}, f.cases.gotFilter)

	var body struct {
		Cases []*cases.Case `json:"cases"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Cases, 1)
	assert.Equal(t, "case-1", body.Cases[0].ID)
}

func TestGetCaseDetail(t *testing.T) {
	f := newFixture(t)
	f.cases.c = sampleCase()
	f.msgCount.n = 7
	f.evCount.n = 3
	f.issues.n = 2

	rr := doJSON(t, f.handler, http.MethodGet, "/cases/case-1", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "case-1", f.cases.gotID)
	assert.True(t, f.msgCount.gotInternal, "internal actor sees internal notes in the count")

	var d cases.Detail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, 7, d.MessageCount)
	assert.Equal(t, 3, d.EvidenceCount)
	assert.Equal(t, 2, d.OpenIssues)
	// Due in 36h with 24h/48h boundaries.
	assert.Equal(t, cases.PostureApproaching, d.Posture)
	assert.Nil(t, d.BreakGlass)
}

func TestGetCaseDetailSupplierThreadCount(t *testing.T) {
	f := newFixture(t)
	f.cases.c = sampleCase()

	rr := doJSON(t, f.handler, http.MethodGet, "/cases/case-1", supplierCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, f.msgCount.gotInternal, "supplier count must exclude internal notes")
}

func TestGetCaseDetailBreakGlass(t *testing.T) {
	f := newFixture(t)
	c := sampleCase()
	c.EscalationLevel = cases.EscalationBreakGlass
	f.cases.c = c
	f.cases.bg = &cases.BreakGlassContact{Name: "Dana Finance", Email: "dana@acme.example"}

	rr := doJSON(t, f.handler, http.MethodGet, "/cases/case-1", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var d cases.Detail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.NotNil(t, d.BreakGlass)
	assert.Equal(t, "dana@acme.example", d.BreakGlass.Email)
}

func TestGetCaseNotFound(t *testing.T) {
	f := newFixture(t)
	f.cases.err = fmt.Errorf("%w: case missing not found", api.ErrNotFound)

	rr := doJSON(t, f.handler, http.MethodGet, "/cases/missing", internalCookie, nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCaseStatusTransition(t *testing.T) {
	f := newFixture(t)
	c := sampleCase()
	c.Status = cases.StatusWaitingSupplier
	f.cases.c = c

	rr := doJSON(t, f.handler, http.MethodPost, "/cases/case-1/status", internalCookie, map[string]string{
		"status": "waiting_supplier",
		"reason": "docs requested",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "case-1", f.cases.gotID)
	assert.Equal(t, "waiting_supplier", f.cases.gotTarget)
	assert.Equal(t, "docs requested", f.cases.gotReason)
}

func TestCaseStatusIllegalTransitionConflict(t *testing.T) {
	f := newFixture(t)
	f.cases.err = fmt.Errorf("%w: cannot move open to resolved", api.ErrConflict)

	rr := doJSON(t, f.handler, http.MethodPost, "/cases/case-1/status", internalCookie, map[string]string{
		"status": "resolved",
	})

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCaseReassign(t *testing.T) {
	f := newFixture(t)
	f.cases.c = sampleCase()

	rr := doJSON(t, f.handler, http.MethodPost, "/cases/case-1/reassign", internalCookie, map[string]string{
		"owner_team":       "finance",
		"assigned_user_id": "user-42",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "finance", f.cases.gotTeam)
	assert.Equal(t, "user-42", f.cases.gotAssignee)
}

func TestCaseEscalate(t *testing.T) {
	f := newFixture(t)
	f.cases.c = sampleCase()

	rr := doJSON(t, f.handler, http.MethodPost, "/cases/case-1/escalate", internalCookie, map[string]any{
		"level":  2,
		"reason": "vendor unresponsive",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, f.cases.gotLevel)
	assert.Equal(t, "vendor unresponsive", f.cases.gotReason)
}

func TestCaseExtendSLA(t *testing.T) {
	f := newFixture(t)
	f.cases.c = sampleCase()

	rr := doJSON(t, f.handler, http.MethodPost, "/cases/case-1/sla", internalCookie, map[string]string{
		"due": "2026-03-20T00:00:00Z",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), f.cases.gotDue)
}

func TestCaseExtendSLABadTimestamp(t *testing.T) {
	f := newFixture(t)

	rr := doJSON(t, f.handler, http.MethodPost, "/cases/case-1/sla", internalCookie, map[string]string{
		"due": "next tuesday",
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	f.cases.msgs = []*thread.Message{
		{ID: "m1", CaseID: "case-1", Body: "Case opened", Source: thread.SourceSystem},
		{ID: "m2", CaseID: "case-1", Body: "Hello", Source: thread.SourcePortal},
	}

	rr := doJSON(t, f.handler, http.MethodGet, "/cases/case-1/messages", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Messages []*thread.Message `json:"messages"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t)
	f.cases.msg = &thread.Message{ID: "m3", CaseID: "case-1", Body: "Please advise"}

	rr := doJSON(t, f.handler, http.MethodPost, "/cases/case-1/messages", internalCookie, map[string]any{
		"body":          "Please advise",
		"internal_note": true,
	})

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "Please advise", f.cases.gotBody)
	assert.True(t, f.cases.gotInternal)
	assert.Equal(t, thread.SourcePortal, f.cases.gotSource)
}

func TestInvoiceCreate(t *testing.T) {
	f := newFixture(t)
	f.ledger.inv = &invoices.Invoice{ID: "inv-1", InvoiceNumber: "INV-100"}

	rr := doJSON(t, f.handler, http.MethodPost, "/invoices", internalCookie, map[string]string{
		"company_id":     "company-1",
		"vendor_id":      "vendor-1",
		"invoice_number": "INV-100",
		"invoice_date":   "2026-02-01",
		"amount":         "1250.00",
		"currency":       "USD",
	})

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "INV-100", f.ledger.gotCreate.InvoiceNumber)
}

func TestInvoiceList(t *testing.T) {
	f := newFixture(t)
	f.ledger.list = []*invoices.Invoice{{ID: "inv-1"}, {ID: "inv-2"}}

	rr := doJSON(t, f.handler, http.MethodGet, "/invoices?vendor_id=vendor-1&status=open", internalCookie, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, invoices.Filter{VendorID: "vendor-1", Status: "open"}, f.ledger.gotFilter)
}

func TestInvoiceIngestCSV(t *testing.T) {
	f := newFixture(t)
	f.ledger.res = &invoices.IngestResult{Created: 2}
	csv := "invoice_number,invoice_date,amount,currency\nINV-1,2026-01-05,100.00,USD\nINV-2,2026-01-06,200.00,USD\n"

	rr := doMultipart(t, f.handler, "/invoices/ingest", internalCookie,
		map[string]string{"company_id": "company-1", "vendor_id": "vendor-1", "source": "erp"},
		"ledger.csv", "text/csv", []byte(csv))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "erp", f.ledger.gotIngest.Source)
	assert.Equal(t, csv, string(f.ledger.gotCSV))
}
