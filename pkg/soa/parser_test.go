package soa

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/invoices"
)

func TestParseStatement(t *testing.T) {
	csv := `Invoice No,Date,Amount,Currency,Type
INV-100,2026-02-01,"1,500.00",USD,INV
INV-101,05/02/2026,80.25,usd,
CN-17,2026-02-10,(25.00),USD,CN
`
	st, err := ParseStatement(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, st.Lines, 3)
	assert.Empty(t, st.Errors)

	first := st.Lines[0]
	assert.Equal(t, "INV-100", first.DocNumber)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), first.DocDate)
	assert.Equal(t, invoices.Cents(150000), first.AmountCents)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, DocInvoice, first.DocType)

	// Day-first slash date, lowercase currency, empty type defaults.
	second := st.Lines[1]
	assert.Equal(t, time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC), second.DocDate)
	assert.Equal(t, "USD", second.Currency)
	assert.Equal(t, DocInvoice, second.DocType)

	// Accounting negative.
	third := st.Lines[2]
	assert.Equal(t, invoices.Cents(-2500), third.AmountCents)
	assert.Equal(t, "CN", third.DocType)
}

func TestParseStatementHeaderAliases(t *testing.T) {
	// The same statement under three different ERP header dialects.
	for _, header := range []string{
		"Document Number,Document Date,Gross Amount,CCY",
		"reference,transaction_date,balance,cur",
		"Doc-No,Doc.Date,Total,Currency",
	} {
		st, err := ParseStatement(strings.NewReader(header + "\nINV-1,2026-02-01,10.00,EUR\n"))
		require.NoError(t, err, "header %q", header)
		require.Len(t, st.Lines, 1, "header %q", header)
		assert.Equal(t, "INV-1", st.Lines[0].DocNumber)
		assert.Equal(t, "EUR", st.Lines[0].Currency)
	}
}

func TestParseStatementMissingColumns(t *testing.T) {
	_, err := ParseStatement(strings.NewReader("foo,bar\n1,2\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrValidation)
}

func TestParseStatementEmptyInput(t *testing.T) {
	_, err := ParseStatement(strings.NewReader(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrValidation)
}

func TestParseStatementCollectsBadRows(t *testing.T) {
	csv := `number,date,amount
INV-1,2026-02-01,10.00
,2026-02-02,5.00
INV-3,not-a-date,5.00
INV-4,2026-02-04,lots
INV-5,2026-02-05,7.50
`
	st, err := ParseStatement(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Len(t, st.Lines, 2)
	require.Len(t, st.Errors, 3)

	// Row numbers count data rows from 1.
	assert.Equal(t, 2, st.Errors[0].Row)
	assert.Contains(t, st.Errors[0].Reason, "document number")
	assert.Equal(t, 3, st.Errors[1].Row)
	assert.Contains(t, st.Errors[1].Reason, "bad date")
	assert.Equal(t, 4, st.Errors[2].Row)
	assert.Contains(t, st.Errors[2].Reason, "bad amount")
}

func TestParseStatementCurrencyDefaultsToUSD(t *testing.T) {
	st, err := ParseStatement(strings.NewReader("number,date,amount\nINV-1,2026-02-01,10.00\n"))
	require.NoError(t, err)
	require.Len(t, st.Lines, 1)
	assert.Equal(t, "USD", st.Lines[0].Currency)
}

func TestParseStatementRaggedRows(t *testing.T) {
	// Short rows are tolerated; missing optional fields fall back.
	csv := "number,date,amount,currency\nINV-1,2026-02-01,10.00\n"
	st, err := ParseStatement(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, st.Lines, 1)
	assert.Equal(t, "USD", st.Lines[0].Currency)
}
