package soa

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// RunJournal records offline reconciliation runs (`vmp soa check`) in a
// local SQLite file, so repeated dry-runs over the same statement can be
// compared without a Postgres instance.
type RunJournal struct {
	db *sql.DB
}

// Run is one journaled matcher execution.
type Run struct {
	ID            string    `json:"id"`
	StatementPath string    `json:"statement_path"`
	LedgerPath    string    `json:"ledger_path"`
	Lines         int       `json:"lines"`
	Matched       int       `json:"matched"`
	Unmatched     int       `json:"unmatched"`
	ToleranceDays int       `json:"tolerance_days"`
	RanAt         time.Time `json:"ran_at"`
}

// OpenRunJournal opens (and if needed creates) the journal file.
func OpenRunJournal(path string) (*RunJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("soa: open run journal: %w", err)
	}
	j := &RunJournal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *RunJournal) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS soa_check_runs (
		id TEXT PRIMARY KEY,
		statement_path TEXT NOT NULL,
		ledger_path TEXT NOT NULL,
		lines INTEGER NOT NULL,
		matched INTEGER NOT NULL,
		unmatched INTEGER NOT NULL,
		tolerance_days INTEGER NOT NULL,
		ran_at DATETIME NOT NULL
	);`
	_, err := j.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("soa: migrate run journal: %w", err)
	}
	return nil
}

// Append records one run and returns it with its assigned id.
func (j *RunJournal) Append(ctx context.Context, r Run) (*Run, error) {
	r.ID = uuid.New().String()
	if r.RanAt.IsZero() {
		r.RanAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO soa_check_runs
			(id, statement_path, ledger_path, lines, matched, unmatched, tolerance_days, ran_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StatementPath, r.LedgerPath, r.Lines, r.Matched, r.Unmatched, r.ToleranceDays, r.RanAt)
	if err != nil {
		return nil, fmt.Errorf("soa: journal run: %w", err)
	}
	return &r, nil
}

// Recent returns the latest runs, newest first.
func (j *RunJournal) Recent(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, statement_path, ledger_path, lines, matched, unmatched, tolerance_days, ran_at
		FROM soa_check_runs
		ORDER BY ran_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("soa: list journal runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StatementPath, &r.LedgerPath, &r.Lines,
			&r.Matched, &r.Unmatched, &r.ToleranceDays, &r.RanAt); err != nil {
			return nil, fmt.Errorf("soa: scan journal run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Close closes the underlying file.
func (j *RunJournal) Close() error { return j.db.Close() }
