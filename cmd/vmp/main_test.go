package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"vmp", "help"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "USAGE") {
		t.Errorf("help output missing USAGE section:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "soa check") {
		t.Errorf("help output missing soa check command:\n%s", out.String())
	}
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"vmp", "version"}, &out, &errOut); code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("version output = %q, want it to contain %q", out.String(), version)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"vmp", "frobnicate"}, &out, &errOut); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr = %q, want unknown command notice", errOut.String())
	}
}

func TestRunDefaultsToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	calls := 0
	startServer = func() int {
		calls++
		return 0
	}

	var out, errOut bytes.Buffer
	for _, args := range [][]string{
		{"vmp"},
		{"vmp", "serve"},
		{"vmp", "server"},
		{"vmp", "--log-level=debug"},
	} {
		if code := Run(args, &out, &errOut); code != 0 {
			t.Fatalf("Run(%v) = %d, want 0", args, code)
		}
	}
	if calls != 4 {
		t.Errorf("server started %d times, want 4", calls)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

const checkStatement = `Invoice No,Date,Amount,Currency
INV-100,2026-02-01,1500.00,USD
INV-101,2026-02-12,80.25,USD
`

const checkLedger = `invoice_number,invoice_date,amount,currency
INV-100,2026-02-01,1500.00,USD
INV-101,2026-02-12,80.25,USD
`

func TestSOACheckCleanStatement(t *testing.T) {
	dir := t.TempDir()
	stmtPath := filepath.Join(dir, "statement.csv")
	ledgerPath := filepath.Join(dir, "invoices.csv")
	writeFile(t, stmtPath, checkStatement)
	writeFile(t, ledgerPath, checkLedger)

	var out, errOut bytes.Buffer
	code := runSOACheck([]string{"--statement", stmtPath, "--invoices", ledgerPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit = %d, want 0, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Matched 2/2") {
		t.Errorf("output missing match summary:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "pass A") {
		t.Errorf("output missing exact pass marker:\n%s", out.String())
	}
}

func TestSOACheckUnmatchedLineFailsExit(t *testing.T) {
	dir := t.TempDir()
	stmtPath := filepath.Join(dir, "statement.csv")
	ledgerPath := filepath.Join(dir, "invoices.csv")
	writeFile(t, stmtPath, checkStatement+"INV-999,2026-02-20,42.00,USD\n")
	writeFile(t, ledgerPath, checkLedger)

	var out, errOut bytes.Buffer
	code := runSOACheck([]string{"--statement", stmtPath, "--invoices", ledgerPath}, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit = %d, want 1, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "1 unmatched") {
		t.Errorf("output missing unmatched count:\n%s", out.String())
	}
}

func TestSOACheckJSON(t *testing.T) {
	dir := t.TempDir()
	stmtPath := filepath.Join(dir, "statement.csv")
	ledgerPath := filepath.Join(dir, "invoices.csv")
	writeFile(t, stmtPath, checkStatement)
	writeFile(t, ledgerPath, checkLedger)

	var out, errOut bytes.Buffer
	code := runSOACheck([]string{"--statement", stmtPath, "--invoices", ledgerPath, "--json"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit = %d, want 0, stderr: %s", code, errOut.String())
	}

	var report struct {
		Lines     int        `json:"lines"`
		Matched   int        `json:"matched"`
		Unmatched int        `json:"unmatched"`
		Rows      []checkRow `json:"rows"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if report.Lines != 2 || report.Matched != 2 || report.Unmatched != 0 {
		t.Errorf("report = %+v, want 2 lines all matched", report)
	}
	for _, row := range report.Rows {
		if !row.Matched || row.Pass != "A" {
			t.Errorf("row %s: matched=%v pass=%q, want exact match", row.DocNumber, row.Matched, row.Pass)
		}
	}
}

func TestSOACheckJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stmtPath := filepath.Join(dir, "statement.csv")
	ledgerPath := filepath.Join(dir, "invoices.csv")
	journalPath := filepath.Join(dir, "runs.db")
	writeFile(t, stmtPath, checkStatement)
	writeFile(t, ledgerPath, checkLedger)

	var out, errOut bytes.Buffer
	code := runSOACheck([]string{
		"--statement", stmtPath,
		"--invoices", ledgerPath,
		"--journal", journalPath,
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("check exit = %d, want 0, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Run recorded:") {
		t.Errorf("output missing journal confirmation:\n%s", out.String())
	}

	out.Reset()
	errOut.Reset()
	code = runSOARuns([]string{"--journal", journalPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("runs exit = %d, want 0, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "statement.csv") {
		t.Errorf("runs listing missing statement name:\n%s", out.String())
	}
}

func TestSOACheckMissingFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runSOACheck(nil, &out, &errOut); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "--statement") {
		t.Errorf("stderr = %q, want required-flag notice", errOut.String())
	}
}
