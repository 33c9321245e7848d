package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/procurehq/vmp/pkg/invoices"
	"github.com/procurehq/vmp/pkg/soa"
)

func runSOACmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: vmp soa <check|runs> [flags]")
		return 2
	}
	switch args[0] {
	case "check":
		return runSOACheck(args[1:], stdout, stderr)
	case "runs":
		return runSOARuns(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown soa subcommand: %s\n", args[0])
		return 2
	}
}

// checkRow is one statement line's outcome in the offline check report.
type checkRow struct {
	DocNumber   string `json:"doc_number"`
	DocDate     string `json:"doc_date"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Matched     bool   `json:"matched"`
	Pass        string `json:"pass,omitempty"`
	Invoice     string `json:"invoice_number,omitempty"`
	AmountDelta string `json:"amount_delta,omitempty"`
	DaysDelta   int    `json:"days_delta,omitempty"`
}

// runSOACheck runs the statement matcher against a local invoice export,
// with no database in the loop. Exits 1 when lines stay unmatched, so the
// command doubles as a reconciliation gate in scripts.
func runSOACheck(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("soa check", flag.ContinueOnError)
	cmd.SetOutput(os.Stderr)

	var (
		statementPath string
		ledgerPath    string
		toleranceDays int
		journalPath   string
		jsonOutput    bool
	)
	cmd.StringVar(&statementPath, "statement", "", "Vendor statement CSV (REQUIRED)")
	cmd.StringVar(&ledgerPath, "invoices", "", "Invoice export CSV to match against (REQUIRED)")
	cmd.IntVar(&toleranceDays, "tolerance", 7, "Date drift accepted by the tolerance pass, in days")
	cmd.StringVar(&journalPath, "journal", "", "SQLite file journaling this run (optional)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if statementPath == "" || ledgerPath == "" {
		fmt.Fprintln(stderr, "Error: --statement and --invoices are required")
		cmd.Usage()
		return 2
	}
	if toleranceDays < 0 {
		fmt.Fprintln(stderr, "Error: --tolerance must not be negative")
		return 2
	}

	stmtFile, err := os.Open(statementPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening statement: %v\n", err)
		return 1
	}
	defer stmtFile.Close()

	stmt, err := soa.ParseStatement(stmtFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing statement: %v\n", err)
		return 1
	}

	ledgerFile, err := os.Open(ledgerPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening invoices: %v\n", err)
		return 1
	}
	defer ledgerFile.Close()

	candidates, ledgerErrs, err := invoices.ParseLedgerCSV(ledgerFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing invoices: %v\n", err)
		return 1
	}

	matcher := soa.NewMatcher(candidates, time.Duration(toleranceDays)*24*time.Hour)

	rows := make([]checkRow, 0, len(stmt.Lines))
	matched := 0
	for _, line := range stmt.Lines {
		row := checkRow{
			DocNumber: line.DocNumber,
			DocDate:   line.DocDate.Format("2006-01-02"),
			Amount:    line.AmountCents.String(),
			Currency:  line.Currency,
		}
		if out := matcher.Match(line); out != nil {
			matched++
			row.Matched = true
			row.Pass = out.Pass
			row.Invoice = out.Invoice.InvoiceNumber
			row.AmountDelta = out.AmountDelta.String()
			row.DaysDelta = out.DaysDelta
		}
		rows = append(rows, row)
	}
	unmatched := len(stmt.Lines) - matched

	var runID string
	if journalPath != "" {
		journal, jerr := soa.OpenRunJournal(journalPath)
		if jerr != nil {
			fmt.Fprintf(stderr, "Error opening journal: %v\n", jerr)
			return 1
		}
		run, jerr := journal.Append(context.Background(), soa.Run{
			StatementPath: statementPath,
			LedgerPath:    ledgerPath,
			Lines:         len(stmt.Lines),
			Matched:       matched,
			Unmatched:     unmatched,
			ToleranceDays: toleranceDays,
		})
		if cerr := journal.Close(); jerr == nil {
			jerr = cerr
		}
		if jerr != nil {
			fmt.Fprintf(stderr, "Error journaling run: %v\n", jerr)
			return 1
		}
		runID = run.ID
	}

	exit := 0
	if unmatched > 0 || len(stmt.Errors) > 0 || len(ledgerErrs) > 0 {
		exit = 1
	}

	if jsonOutput {
		out := map[string]any{
			"statement":        statementPath,
			"invoices":         ledgerPath,
			"tolerance_days":   toleranceDays,
			"lines":            len(stmt.Lines),
			"matched":          matched,
			"unmatched":        unmatched,
			"rows":             rows,
			"statement_errors": stmt.Errors,
			"invoice_errors":   ledgerErrs,
		}
		if runID != "" {
			out["run_id"] = runID
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return exit
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOC NUMBER\tDATE\tAMOUNT\tCCY\tRESULT\tINVOICE\tΔAMOUNT\tΔDAYS")
	for _, row := range rows {
		if row.Matched {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\tpass %s\t%s\t%s\t%d\n",
				row.DocNumber, row.DocDate, row.Amount, row.Currency,
				row.Pass, row.Invoice, row.AmountDelta, row.DaysDelta)
		} else {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\tunmatched\t\t\t\n",
				row.DocNumber, row.DocDate, row.Amount, row.Currency)
		}
	}
	_ = tw.Flush()

	fmt.Fprintln(stdout, "")
	if unmatched == 0 {
		fmt.Fprintf(stdout, "%sMatched %d/%d lines%s (tolerance %dd)\n",
			ColorBold+ColorGreen, matched, len(stmt.Lines), ColorReset, toleranceDays)
	} else {
		fmt.Fprintf(stdout, "%sMatched %d/%d lines, %d unmatched%s (tolerance %dd)\n",
			ColorBold+ColorYellow, matched, len(stmt.Lines), unmatched, ColorReset, toleranceDays)
	}
	for _, re := range stmt.Errors {
		fmt.Fprintf(stdout, "%sstatement row %d skipped:%s %s\n", ColorYellow, re.Row, ColorReset, re.Reason)
	}
	for _, re := range ledgerErrs {
		fmt.Fprintf(stdout, "%sinvoice row %d skipped:%s %s\n", ColorYellow, re.Row, ColorReset, re.Reason)
	}
	if runID != "" {
		fmt.Fprintf(stdout, "Run recorded: %s\n", runID)
	}
	return exit
}

// runSOARuns lists journaled offline check runs, newest first.
func runSOARuns(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("soa runs", flag.ContinueOnError)
	cmd.SetOutput(os.Stderr)

	var (
		journalPath string
		limit       int
		jsonOutput  bool
	)
	cmd.StringVar(&journalPath, "journal", "", "SQLite journal file (REQUIRED)")
	cmd.IntVar(&limit, "limit", 20, "Most recent runs to show")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if journalPath == "" {
		fmt.Fprintln(stderr, "Error: --journal is required")
		cmd.Usage()
		return 2
	}

	journal, err := soa.OpenRunJournal(journalPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening journal: %v\n", err)
		return 1
	}
	defer journal.Close()

	runs, err := journal.Recent(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading journal: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runs)
		return 0
	}

	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs journaled yet.")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RAN AT\tSTATEMENT\tLINES\tMATCHED\tUNMATCHED\tTOLERANCE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%dd\n",
			r.RanAt.Format(time.RFC3339), filepath.Base(r.StatementPath),
			r.Lines, r.Matched, r.Unmatched, r.ToleranceDays)
	}
	_ = tw.Flush()
	return 0
}
