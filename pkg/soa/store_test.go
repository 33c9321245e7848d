package soa

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestInsertMatchTwiceIsConflict(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO soa_matches")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.InsertMatch(context.Background(), &Match{
		ID: "m1", LineID: "l1", InvoiceID: "i1", Pass: PassManual, CreatedAt: testNow,
	})
	assert.ErrorIs(t, err, api.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockingLineNilWhenEveryLineSettled(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("status NOT IN ($2, $3, $4)")).
		WithArgs("case-1", LineMatched, LineResolved, LineIgnored).
		WillReturnRows(lineRows())

	l, err := store.BlockingLine(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockingLineReturnsFirstOffender(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("status NOT IN ($2, $3, $4)")).
		WithArgs("case-1", LineMatched, LineResolved, LineIgnored).
		WillReturnRows(lineRows(stmtLine("l1", "case-1", "INV-100", jan5, 150000, LineDiscrepancy)))

	l, err := store.BlockingLine(context.Background(), "case-1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "INV-100", l.DocNumber)
	assert.Equal(t, LineDiscrepancy, l.Status)
}

func TestFirstOpenIssueNilWhenAllResolved(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM soa_issues i")).
		WithArgs("case-1", IssueOpen).
		WillReturnRows(sqlmock.NewRows(issueCols))

	iss, err := store.FirstOpenIssue(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Nil(t, iss)
}

func TestResolveResolvedIssueIsNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE soa_issues SET status = $2")).
		WithArgs("iss-1", IssueResolved, "u-int", IssueOpen).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ResolveIssue(context.Background(), "iss-1", "u-int")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestSetLineStatusUnknownLineIsNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE soa_lines SET status = $2")).
		WithArgs("l-missing", LineIgnored).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetLineStatus(context.Background(), "l-missing", LineIgnored)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestLineMissingIsNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM soa_lines WHERE id = $1")).
		WithArgs("l-missing").
		WillReturnRows(lineRows())

	_, err := store.Line(context.Background(), "l-missing")
	assert.ErrorIs(t, err, api.ErrNotFound)
}
