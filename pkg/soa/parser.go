package soa

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/invoices"
)

// RowError reports one statement row the parser could not use. Row counts
// data rows from 1, excluding the header.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Statement is the parsed form of one uploaded CSV. Lines carry document
// fields only; ids, case linkage and status are stamped when they attach.
type Statement struct {
	Lines  []*Line
	Errors []RowError
}

// Header aliases, compared after lower-casing and stripping spaces,
// underscores, dots, '#' and hyphens. Statements arrive from dozens of
// vendor ERPs, so the list is deliberately generous.
var (
	docNumberAliases    = []string{"docno", "documentnumber", "docnumber", "invoiceno", "invoicenumber", "invoice", "number", "reference", "ref"}
	docDateAliases      = []string{"date", "docdate", "documentdate", "invoicedate", "statementdate", "transactiondate"}
	lineAmountAliases   = []string{"amount", "total", "value", "balance", "grossamount", "gross"}
	lineCurrencyAliases = []string{"currency", "ccy", "cur"}
	docTypeAliases      = []string{"type", "doctype", "documenttype", "txtype", "transactiontype"}
)

// ParseStatement reads a vendor statement CSV. A header row is required and
// must resolve document-number, date and amount columns; past that, bad rows
// are collected, never fatal. Currency defaults to USD and document type to
// INV when the column is missing or empty.
func ParseStatement(r io.Reader) (*Statement, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: csv has no header row", api.ErrValidation)
	}
	for i := range header {
		header[i] = normalizeHeader(header[i])
	}

	numberCol := findColumn(header, docNumberAliases)
	dateCol := findColumn(header, docDateAliases)
	amountCol := findColumn(header, lineAmountAliases)
	if numberCol < 0 || dateCol < 0 || amountCol < 0 {
		return nil, fmt.Errorf("%w: csv must carry document number, date and amount columns", api.ErrValidation)
	}
	currencyCol := findColumn(header, lineCurrencyAliases)
	typeCol := findColumn(header, docTypeAliases)

	st := &Statement{}
	for i := 1; ; i++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			st.Errors = append(st.Errors, RowError{Row: i, Reason: "malformed csv row"})
			continue
		}

		line, reason := buildLine(record, numberCol, dateCol, amountCol, currencyCol, typeCol)
		if reason != "" {
			st.Errors = append(st.Errors, RowError{Row: i, Reason: reason})
			continue
		}
		st.Lines = append(st.Lines, line)
	}
	return st, nil
}

func buildLine(record []string, numberCol, dateCol, amountCol, currencyCol, typeCol int) (*Line, string) {
	field := func(col int) string {
		if col < 0 || col >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[col])
	}

	number := field(numberCol)
	if number == "" {
		return nil, "missing document number"
	}
	date, err := invoices.ParseDate(field(dateCol))
	if err != nil {
		return nil, fmt.Sprintf("bad date %q", field(dateCol))
	}
	amount, err := invoices.ParseAmount(field(amountCol))
	if err != nil {
		return nil, fmt.Sprintf("bad amount %q", field(amountCol))
	}
	currency, err := invoices.NormalizeCurrency(field(currencyCol))
	if err != nil {
		return nil, fmt.Sprintf("bad currency %q", field(currencyCol))
	}

	docType := strings.ToUpper(field(typeCol))
	if docType == "" {
		docType = DocInvoice
	}

	return &Line{
		DocNumber:   number,
		DocDate:     date,
		AmountCents: amount,
		Currency:    currency,
		DocType:     docType,
	}, ""
}

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
