package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/auth"
	"github.com/procurehq/vmp/pkg/cases"
	"github.com/procurehq/vmp/pkg/checklist"
	"github.com/procurehq/vmp/pkg/config"
	"github.com/procurehq/vmp/pkg/objstore"
	"github.com/procurehq/vmp/pkg/thread"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func internalActor() *auth.Actor {
	return &auth.Actor{UserID: "u-int", TenantID: "t1", DisplayName: "Dana Ops", Internal: true}
}

func supplierActor() *auth.Actor {
	return &auth.Actor{UserID: "u-sup", TenantID: "t1", DisplayName: "Sam Vendor", VendorID: "v1"}
}

type fakeRegistry struct {
	cases           map[string]*cases.Case
	recommendations []string
}

func (f *fakeRegistry) Get(_ context.Context, actor *auth.Actor, id string) (*cases.Case, error) {
	c, ok := f.cases[id]
	if !ok || !actor.CanSeeVendor(c.VendorID) {
		return nil, fmt.Errorf("%w: case", api.ErrNotFound)
	}
	return c, nil
}

func (f *fakeRegistry) ApplyRecommendation(_ context.Context, _, recommended, _ string) error {
	f.recommendations = append(f.recommendations, recommended)
	return nil
}

func openCase(id string) *cases.Case {
	return &cases.Case{ID: id, TenantID: "t1", CompanyID: "c1", VendorID: "v1",
		Type: cases.TypeInvoice, Subject: "INV-001", Status: cases.StatusOpen}
}

func newTestVault(t *testing.T, blobs objstore.BlobStore, reg *fakeRegistry) (*Vault, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v := NewVault(Deps{
		Store:    NewStore(db),
		Blobs:    blobs,
		Steps:    checklist.NewStore(db),
		Cases:    reg,
		Messages: thread.NewStore(db),
		Policy:   config.DefaultPolicy(),
	}, WithClock(func() time.Time { return testNow }))
	return v, mock
}

var evidenceCols = []string{
	"id", "case_id", "checklist_step_id", "evidence_type", "version", "filename", "mime_type",
	"size_bytes", "storage_key", "sha256", "uploader_user_id", "uploader_party",
	"verdict", "verdict_reason", "verdict_by_user_id", "verdict_at", "created_at",
}

func stepRows(steps ...*checklist.Step) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "case_id", "evidence_type", "label", "status", "rejection_reason", "created_at", "updated_at",
	})
	for _, st := range steps {
		rows.AddRow(st.ID, st.CaseID, st.EvidenceType, st.Label, st.Status, st.RejectionReason, testNow, testNow)
	}
	return rows
}

func expectReconcile(mock sqlmock.Sqlmock, steps *sqlmock.Rows, history *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM checklist_steps WHERE case_id = $1")).
		WithArgs("case-1").WillReturnRows(steps)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT evidence_type, version, verdict, verdict_reason, created_at")).
		WithArgs("case-1").WillReturnRows(history)
}

func historyRows(rows ...[]any) *sqlmock.Rows {
	r := sqlmock.NewRows([]string{"evidence_type", "version", "verdict", "verdict_reason", "created_at"})
	for _, row := range rows {
		vals := make([]driver.Value, len(row))
		for i, v := range row {
			vals[i] = v
		}
		r.AddRow(vals...)
	}
	return r
}

func TestUploadPipeline(t *testing.T) {
	blobs := objstore.NewMemoryStore()
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, blobs, reg)

	payload := []byte("%PDF-1.4 fake invoice")
	sum := sha256.Sum256(payload)
	wantKey := "case-1/invoice_pdf/2026-02-10/v1_INV_001_final.pdf"

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) + 1 FROM evidence")).
		WithArgs("case-1", checklist.TypeInvoicePDF).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence")).
		WithArgs(sqlmock.AnyArg(), "case-1", nil, checklist.TypeInvoicePDF, 1, "INV 001 final.pdf",
			"application/pdf", int64(len(payload)), wantKey, hex.EncodeToString(sum[:]),
			"u-sup", PartyVendor, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Reconciliation: the fresh upload moves the pending step to submitted
	// and recommends waiting_internal.
	expectReconcile(mock,
		stepRows(&checklist.Step{ID: "st-1", CaseID: "case-1", EvidenceType: checklist.TypeInvoicePDF,
			Label: "Invoice PDF", Status: checklist.StatusPending}),
		historyRows([]any{checklist.TypeInvoicePDF, 1, "", "", testNow}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checklist_steps SET status")).
		WithArgs("st-1", checklist.StatusSubmitted, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev, err := v.Upload(context.Background(), supplierActor(), UploadParams{
		CaseID:       "case-1",
		EvidenceType: checklist.TypeInvoicePDF,
		Filename:     "INV 001 final.pdf",
		MIMEType:     "application/pdf",
		Data:         payload,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, ev.Version)
	assert.Equal(t, wantKey, ev.StorageKey)
	assert.Equal(t, hex.EncodeToString(sum[:]), ev.SHA256)
	assert.Equal(t, PartyVendor, ev.UploaderParty)

	stored, err := blobs.Get(context.Background(), wantKey)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	assert.Equal(t, []string{checklist.RecommendWaitingInternal}, reg.recommendations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadRejectsDisallowedMIMEBeforeAnyWrite(t *testing.T) {
	blobs := objstore.NewMemoryStore()
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, blobs, reg)

	_, err := v.Upload(context.Background(), supplierActor(), UploadParams{
		CaseID:       "case-1",
		EvidenceType: checklist.TypeInvoicePDF,
		Filename:     "evil.html",
		MIMEType:     "text/html",
		Data:         []byte("<script>"),
	})
	require.True(t, errors.Is(err, api.ErrValidation))
	assert.Equal(t, 0, blobs.Len(), "nothing may reach the object store")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadRejectsOversizePayload(t *testing.T) {
	blobs := objstore.NewMemoryStore()
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, _ := newTestVault(t, blobs, reg)
	v.policy.Uploads.MaxBytes = 16

	_, err := v.Upload(context.Background(), supplierActor(), UploadParams{
		CaseID:       "case-1",
		EvidenceType: checklist.TypeInvoicePDF,
		Filename:     "big.pdf",
		MIMEType:     "application/pdf",
		Data:         make([]byte, 17),
	})
	require.True(t, errors.Is(err, api.ErrValidation))
	assert.Equal(t, 0, blobs.Len())
}

func TestUploadCleansUpBlobWhenInsertFails(t *testing.T) {
	blobs := objstore.NewMemoryStore()
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, blobs, reg)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) + 1 FROM evidence")).
		WithArgs("case-1", checklist.TypeInvoicePDF).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence")).
		WillReturnError(errors.New("connection reset"))

	_, err := v.Upload(context.Background(), supplierActor(), UploadParams{
		CaseID:       "case-1",
		EvidenceType: checklist.TypeInvoicePDF,
		Filename:     "inv.pdf",
		MIMEType:     "application/pdf",
		Data:         []byte("x"),
	})
	require.Error(t, err)
	assert.Equal(t, 0, blobs.Len(), "orphaned blob must be removed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadRefusedOnClosedCase(t *testing.T) {
	resolved := openCase("case-1")
	resolved.Status = cases.StatusResolved
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": resolved}}
	v, _ := newTestVault(t, objstore.NewMemoryStore(), reg)

	_, err := v.Upload(context.Background(), supplierActor(), UploadParams{
		CaseID:       "case-1",
		EvidenceType: checklist.TypeInvoicePDF,
		Filename:     "inv.pdf",
		MIMEType:     "application/pdf",
		Data:         []byte("x"),
	})
	assert.True(t, errors.Is(err, api.ErrConflict))
}

func TestUploadScopedToSupplierVendor(t *testing.T) {
	other := openCase("case-1")
	other.VendorID = "v2"
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": other}}
	v, _ := newTestVault(t, objstore.NewMemoryStore(), reg)

	_, err := v.Upload(context.Background(), supplierActor(), UploadParams{
		CaseID:       "case-1",
		EvidenceType: checklist.TypeInvoicePDF,
		Filename:     "inv.pdf",
		MIMEType:     "application/pdf",
		Data:         []byte("x"),
	})
	assert.True(t, errors.Is(err, api.ErrNotFound), "foreign vendor cases read as absent")
}

func TestVerifyStepResolvesCase(t *testing.T) {
	blobs := objstore.NewMemoryStore()
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, blobs, reg)

	step := stepRows(&checklist.Step{ID: "st-1", CaseID: "case-1",
		EvidenceType: checklist.TypeInvoicePDF, Label: "Invoice PDF", Status: checklist.StatusSubmitted})
	mock.ExpectQuery(regexp.QuoteMeta("FROM checklist_steps WHERE id = $1 AND case_id = $2")).
		WithArgs("st-1", "case-1").WillReturnRows(step)

	latest := sqlmock.NewRows(evidenceCols).AddRow(
		"ev-1", "case-1", nil, checklist.TypeInvoicePDF, 1, "inv.pdf", "application/pdf",
		int64(10), "case-1/invoice_pdf/2026-02-10/v1_inv.pdf", "abc", "u-sup", PartyVendor,
		"", "", nil, nil, testNow)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version DESC LIMIT 1")).
		WithArgs("case-1", checklist.TypeInvoicePDF).WillReturnRows(latest)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE evidence SET verdict")).
		WithArgs("ev-1", checklist.VerdictVerified, "", "u-int").
		WillReturnResult(sqlmock.NewResult(0, 1))

	expectReconcile(mock,
		stepRows(&checklist.Step{ID: "st-1", CaseID: "case-1", EvidenceType: checklist.TypeInvoicePDF,
			Label: "Invoice PDF", Status: checklist.StatusSubmitted}),
		historyRows([]any{checklist.TypeInvoicePDF, 1, checklist.VerdictVerified, "", testNow}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checklist_steps SET status")).
		WithArgs("st-1", checklist.StatusVerified, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(sqlmock.AnyArg(), "case-1", nil, thread.PartySystem, thread.SourceSystem,
			"Invoice PDF verified by Dana Ops", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	refreshed := stepRows(&checklist.Step{ID: "st-1", CaseID: "case-1",
		EvidenceType: checklist.TypeInvoicePDF, Label: "Invoice PDF", Status: checklist.StatusVerified})
	mock.ExpectQuery(regexp.QuoteMeta("FROM checklist_steps WHERE id = $1 AND case_id = $2")).
		WithArgs("st-1", "case-1").WillReturnRows(refreshed)

	st, err := v.VerifyStep(context.Background(), internalActor(), "case-1", "st-1")
	require.NoError(t, err)
	assert.Equal(t, checklist.StatusVerified, st.Status)
	assert.Equal(t, []string{checklist.RecommendResolved}, reg.recommendations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerdictsAreInternalOnly(t *testing.T) {
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, _ := newTestVault(t, objstore.NewMemoryStore(), reg)

	_, err := v.VerifyStep(context.Background(), supplierActor(), "case-1", "st-1")
	assert.True(t, errors.Is(err, api.ErrForbidden))

	_, err = v.RejectStep(context.Background(), supplierActor(), "case-1", "st-1", "blurry scan")
	assert.True(t, errors.Is(err, api.ErrForbidden))

	_, err = v.WaiveStep(context.Background(), supplierActor(), "case-1", "st-1", "")
	assert.True(t, errors.Is(err, api.ErrForbidden))
}

func TestRejectStepRequiresReason(t *testing.T) {
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, _ := newTestVault(t, objstore.NewMemoryStore(), reg)

	_, err := v.RejectStep(context.Background(), internalActor(), "case-1", "st-1", "   ")
	assert.True(t, errors.Is(err, api.ErrValidation))
}

func TestVerifyStepWithoutEvidenceConflicts(t *testing.T) {
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, objstore.NewMemoryStore(), reg)

	step := stepRows(&checklist.Step{ID: "st-1", CaseID: "case-1",
		EvidenceType: checklist.TypeBankLetter, Label: "Bank confirmation letter", Status: checklist.StatusPending})
	mock.ExpectQuery(regexp.QuoteMeta("FROM checklist_steps WHERE id = $1 AND case_id = $2")).
		WithArgs("st-1", "case-1").WillReturnRows(step)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version DESC LIMIT 1")).
		WithArgs("case-1", checklist.TypeBankLetter).
		WillReturnRows(sqlmock.NewRows(evidenceCols))

	_, err := v.VerifyStep(context.Background(), internalActor(), "case-1", "st-1")
	assert.True(t, errors.Is(err, api.ErrConflict))
}

func TestWaiveStepIsIdempotent(t *testing.T) {
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, objstore.NewMemoryStore(), reg)

	waived := stepRows(&checklist.Step{ID: "st-1", CaseID: "case-1",
		EvidenceType: checklist.TypeGRN, Label: "Goods receipt note", Status: checklist.StatusWaived})
	mock.ExpectQuery(regexp.QuoteMeta("FROM checklist_steps WHERE id = $1 AND case_id = $2")).
		WithArgs("st-1", "case-1").WillReturnRows(waived)

	st, err := v.WaiveStep(context.Background(), internalActor(), "case-1", "st-1", "already on file")
	require.NoError(t, err)
	assert.Equal(t, checklist.StatusWaived, st.Status)
	assert.Empty(t, reg.recommendations, "no reconciliation on a no-op waive")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDecoratesSignedURLs(t *testing.T) {
	ctx := context.Background()
	blobs := objstore.NewMemoryStore()
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, blobs, reg)

	keys := []string{
		"case-1/invoice_pdf/2026-02-10/v1_inv.pdf",
		"case-1/grn/2026-02-10/v1_grn.pdf",
	}
	for _, k := range keys {
		require.NoError(t, blobs.Put(ctx, k, []byte("x"), "application/pdf"))
	}

	rows := sqlmock.NewRows(evidenceCols).
		AddRow("ev-1", "case-1", nil, checklist.TypeInvoicePDF, 1, "inv.pdf", "application/pdf",
			int64(1), keys[0], "aa", "u-sup", PartyVendor, "", "", nil, nil, testNow).
		AddRow("ev-2", "case-1", nil, checklist.TypeGRN, 1, "grn.pdf", "application/pdf",
			int64(1), keys[1], "bb", "u-sup", PartyVendor, "", "", nil, nil, testNow)
	mock.ExpectQuery(regexp.QuoteMeta("FROM evidence WHERE case_id = $1")).
		WithArgs("case-1").WillReturnRows(rows)

	items, err := v.List(ctx, internalActor(), "case-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	for i, item := range items {
		assert.Equal(t, "memory://"+keys[i]+"?expires=3600s", item.SignedURL)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

type brokenSigner struct{ *objstore.MemoryStore }

func (b brokenSigner) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("kms offline")
}

func TestListFailsWhenSigningFails(t *testing.T) {
	reg := &fakeRegistry{cases: map[string]*cases.Case{"case-1": openCase("case-1")}}
	v, mock := newTestVault(t, brokenSigner{objstore.NewMemoryStore()}, reg)

	rows := sqlmock.NewRows(evidenceCols).
		AddRow("ev-1", "case-1", nil, checklist.TypeInvoicePDF, 1, "inv.pdf", "application/pdf",
			int64(1), "case-1/invoice_pdf/2026-02-10/v1_inv.pdf", "aa", "u-sup", PartyVendor,
			"", "", nil, nil, testNow)
	mock.ExpectQuery(regexp.QuoteMeta("FROM evidence WHERE case_id = $1")).
		WithArgs("case-1").WillReturnRows(rows)

	_, err := v.List(context.Background(), internalActor(), "case-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to sign read URL")
}

func TestStorageKeySanitizesFilename(t *testing.T) {
	key := StorageKey("case-9", checklist.TypeSOADocument, testNow, 3, "Q1 statement (final).csv")
	assert.Equal(t, "case-9/soa_document/2026-02-10/v3_Q1_statement__final_.csv", key)
}
