package evidence

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/checklist"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestInsertRacingVersionIsConflict(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO evidence")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.Insert(context.Background(), &Evidence{
		ID: "ev-1", CaseID: "case-1", EvidenceType: checklist.TypeInvoicePDF,
		Version: 2, Filename: "inv.pdf", MIMEType: "application/pdf",
		StorageKey: "case-1/invoice_pdf/2026-02-10/v2_inv.pdf",
		UploaderUserID: "u-sup", UploaderParty: PartyVendor, CreatedAt: testNow,
	})
	require.True(t, errors.Is(err, api.ErrConflict))
	assert.Contains(t, err.Error(), "version 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextVersionStartsAtOne(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) + 1 FROM evidence")).
		WithArgs("case-1", checklist.TypeBankLetter).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))

	v, err := store.NextVersion(context.Background(), "case-1", checklist.TypeBankLetter)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestGetScansVerdictFields(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows(evidenceCols).AddRow(
		"ev-1", "case-1", "st-1", checklist.TypeInvoicePDF, 1, "inv.pdf", "application/pdf",
		int64(10), "case-1/invoice_pdf/2026-02-10/v1_inv.pdf", "aa", "u-sup", PartyVendor,
		checklist.VerdictRejected, "blurry scan", "u-int", testNow, testNow)
	mock.ExpectQuery(regexp.QuoteMeta("FROM evidence WHERE id = $1 AND case_id = $2")).
		WithArgs("ev-1", "case-1").WillReturnRows(rows)

	ev, err := store.Get(context.Background(), "case-1", "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "st-1", ev.ChecklistStepID)
	assert.Equal(t, checklist.VerdictRejected, ev.Verdict)
	assert.Equal(t, "blurry scan", ev.VerdictReason)
	assert.Equal(t, "u-int", ev.VerdictByUserID)
	require.NotNil(t, ev.VerdictAt)
	assert.Equal(t, testNow, *ev.VerdictAt)
}

func TestGetMissingRowIsNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM evidence WHERE id = $1 AND case_id = $2")).
		WithArgs("ev-missing", "case-1").WillReturnRows(sqlmock.NewRows(evidenceCols))

	_, err := store.Get(context.Background(), "case-1", "ev-missing")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestSetVerdictOnMissingRowIsNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE evidence SET verdict")).
		WithArgs("ev-missing", checklist.VerdictVerified, "", "u-int").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetVerdict(context.Background(), "ev-missing", checklist.VerdictVerified, "", "u-int")
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestHistoryProjectsChecklistView(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"evidence_type", "version", "verdict", "verdict_reason", "created_at"}).
		AddRow(checklist.TypeInvoicePDF, 1, checklist.VerdictRejected, "wrong month", testNow).
		AddRow(checklist.TypeInvoicePDF, 2, "", "", testNow)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT evidence_type, version, verdict, verdict_reason, created_at")).
		WithArgs("case-1").WillReturnRows(rows)

	hist, err := store.History(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 2, hist[1].Version)
	assert.Empty(t, hist[1].Verdict, "the re-upload carries no verdict yet")
}
