package soa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/database"
	"github.com/procurehq/vmp/pkg/invoices"
)

// Store persists statement lines, matches and issues in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS soa_lines (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	doc_number TEXT NOT NULL,
	doc_date DATE NOT NULL,
	amount_cents BIGINT NOT NULL,
	currency TEXT NOT NULL,
	doc_type TEXT NOT NULL DEFAULT 'INV',
	status TEXT NOT NULL DEFAULT 'extracted',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_soa_lines_case ON soa_lines(case_id, status);

CREATE TABLE IF NOT EXISTS soa_matches (
	id TEXT PRIMARY KEY,
	line_id TEXT NOT NULL UNIQUE,
	invoice_id TEXT NOT NULL,
	match_pass TEXT NOT NULL,
	is_exact BOOLEAN NOT NULL,
	amount_delta_cents BIGINT NOT NULL DEFAULT 0,
	days_delta INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS soa_issues (
	id TEXT PRIMARY KEY,
	line_id TEXT NOT NULL,
	issue_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	resolver_user_id TEXT,
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_soa_issues_line ON soa_issues(line_id, status);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// statementOrder is the stable listing order for lines; "first" anywhere in
// this package means first in this order.
const statementOrder = "ORDER BY doc_date, doc_number, id"

const lineColumns = "id, case_id, doc_number, doc_date, amount_cents, currency, doc_type, status, created_at, updated_at"

// InsertLine stores one statement line.
func (s *Store) InsertLine(ctx context.Context, l *Line) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO soa_lines (id, case_id, doc_number, doc_date, amount_cents, currency, doc_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, l.ID, l.CaseID, l.DocNumber, l.DocDate, int64(l.AmountCents), l.Currency, l.DocType, l.Status, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("soa: failed to insert line: %w", err)
	}
	return nil
}

// Line retrieves one statement line.
func (s *Store) Line(ctx context.Context, id string) (*Line, error) {
	return scanLine(s.db.QueryRowContext(ctx, `
		SELECT `+lineColumns+` FROM soa_lines WHERE id = $1
	`, id))
}

// LinesForCase returns a case's lines in statement order.
func (s *Store) LinesForCase(ctx context.Context, caseID string) ([]*Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lineColumns+` FROM soa_lines WHERE case_id = $1 `+statementOrder,
		caseID)
	if err != nil {
		return nil, fmt.Errorf("soa: failed to list lines: %w", err)
	}
	defer rows.Close()
	return collectLines(rows)
}

// ExtractedLines returns the lines a recompute still has to process.
func (s *Store) ExtractedLines(ctx context.Context, caseID string) ([]*Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lineColumns+` FROM soa_lines WHERE case_id = $1 AND status = $2 `+statementOrder,
		caseID, LineExtracted)
	if err != nil {
		return nil, fmt.Errorf("soa: failed to list extracted lines: %w", err)
	}
	defer rows.Close()
	return collectLines(rows)
}

// SetLineStatus moves a line through its lifecycle.
func (s *Store) SetLineStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE soa_lines SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("soa: failed to update line status: %w", err)
	}
	return oneRow(res, "statement line", id)
}

// HasLine reports whether an identical line (document number, date, amount)
// is already attached to the case. Re-ingesting the same statement is a
// no-op because every row trips this check.
func (s *Store) HasLine(ctx context.Context, caseID, docNumber string, docDate time.Time, amount invoices.Cents) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM soa_lines
			WHERE case_id = $1 AND doc_number = $2 AND doc_date = $3 AND amount_cents = $4
		)
	`, caseID, docNumber, docDate, int64(amount)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("soa: failed to check for duplicate line: %w", err)
	}
	return exists, nil
}

// DocNumberCount counts the case's lines sharing a document number.
func (s *Store) DocNumberCount(ctx context.Context, caseID, docNumber string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM soa_lines WHERE case_id = $1 AND doc_number = $2
	`, caseID, docNumber).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("soa: failed to count document numbers: %w", err)
	}
	return n, nil
}

// BlockingLine returns the first line, in statement order, whose status
// still blocks sign-off, or nil when every line is settled.
func (s *Store) BlockingLine(ctx context.Context, caseID string) (*Line, error) {
	l, err := scanLine(s.db.QueryRowContext(ctx, `
		SELECT `+lineColumns+` FROM soa_lines
		WHERE case_id = $1 AND status NOT IN ($2, $3, $4)
		`+statementOrder+` LIMIT 1
	`, caseID, LineMatched, LineResolved, LineIgnored))
	if errors.Is(err, api.ErrNotFound) {
		return nil, nil
	}
	return l, err
}

// LineCount reports how many lines a case carries.
func (s *Store) LineCount(ctx context.Context, caseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM soa_lines WHERE case_id = $1`, caseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("soa: failed to count lines: %w", err)
	}
	return n, nil
}

const matchColumns = "id, line_id, invoice_id, match_pass, is_exact, amount_delta_cents, days_delta, created_at"

// InsertMatch records a pairing. A line can only be matched once.
func (s *Store) InsertMatch(ctx context.Context, m *Match) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO soa_matches (id, line_id, invoice_id, match_pass, is_exact, amount_delta_cents, days_delta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.LineID, m.InvoiceID, m.Pass, m.IsExact, int64(m.AmountDelta), m.DaysDelta, m.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: line is already matched", api.ErrConflict)
		}
		return fmt.Errorf("soa: failed to insert match: %w", err)
	}
	return nil
}

// MatchForLine returns a line's match.
func (s *Store) MatchForLine(ctx context.Context, lineID string) (*Match, error) {
	return scanMatch(s.db.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM soa_matches WHERE line_id = $1
	`, lineID))
}

// MatchesForCase returns the case's matches in statement order.
func (s *Store) MatchesForCase(ctx context.Context, caseID string) ([]*Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.line_id, m.invoice_id, m.match_pass, m.is_exact, m.amount_delta_cents, m.days_delta, m.created_at
		FROM soa_matches m
		JOIN soa_lines l ON l.id = m.line_id
		WHERE l.case_id = $1
		ORDER BY l.doc_date, l.doc_number, l.id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("soa: failed to list matches: %w", err)
	}
	defer rows.Close()

	var out []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("soa: failed to iterate matches: %w", err)
	}
	return out, nil
}

const issueColumns = "id, line_id, issue_type, description, status, resolver_user_id, resolved_at, created_at"

// InsertIssue opens a discrepancy on a line.
func (s *Store) InsertIssue(ctx context.Context, iss *Issue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO soa_issues (id, line_id, issue_type, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, iss.ID, iss.LineID, iss.Type, iss.Description, iss.Status, iss.CreatedAt)
	if err != nil {
		return fmt.Errorf("soa: failed to insert issue: %w", err)
	}
	return nil
}

// Issue retrieves one issue.
func (s *Store) Issue(ctx context.Context, id string) (*Issue, error) {
	return scanIssue(s.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+` FROM soa_issues WHERE id = $1
	`, id))
}

// IssuesForCase returns the case's issues, oldest first.
func (s *Store) IssuesForCase(ctx context.Context, caseID string) ([]*Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.line_id, i.issue_type, i.description, i.status, i.resolver_user_id, i.resolved_at, i.created_at
		FROM soa_issues i
		JOIN soa_lines l ON l.id = i.line_id
		WHERE l.case_id = $1
		ORDER BY i.created_at, i.id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("soa: failed to list issues: %w", err)
	}
	defer rows.Close()

	var out []*Issue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("soa: failed to iterate issues: %w", err)
	}
	return out, nil
}

// FirstOpenIssue returns the oldest open issue on the case, or nil when
// every issue is resolved.
func (s *Store) FirstOpenIssue(ctx context.Context, caseID string) (*Issue, error) {
	iss, err := scanIssue(s.db.QueryRowContext(ctx, `
		SELECT i.id, i.line_id, i.issue_type, i.description, i.status, i.resolver_user_id, i.resolved_at, i.created_at
		FROM soa_issues i
		JOIN soa_lines l ON l.id = i.line_id
		WHERE l.case_id = $1 AND i.status = $2
		ORDER BY i.created_at, i.id
		LIMIT 1
	`, caseID, IssueOpen))
	if errors.Is(err, api.ErrNotFound) {
		return nil, nil
	}
	return iss, err
}

// OpenIssueCount reports how many issues still block the case.
func (s *Store) OpenIssueCount(ctx context.Context, caseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM soa_issues i
		JOIN soa_lines l ON l.id = i.line_id
		WHERE l.case_id = $1 AND i.status = $2
	`, caseID, IssueOpen).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("soa: failed to count open issues: %w", err)
	}
	return n, nil
}

// OpenIssueCountForLine reports how many open issues one line carries.
func (s *Store) OpenIssueCountForLine(ctx context.Context, lineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM soa_issues WHERE line_id = $1 AND status = $2
	`, lineID, IssueOpen).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("soa: failed to count line issues: %w", err)
	}
	return n, nil
}

// ResolveIssue closes an issue. Resolving an already-resolved issue reports
// not found so callers can treat it idempotently after a fresh read.
func (s *Store) ResolveIssue(ctx context.Context, id, resolverUserID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE soa_issues SET status = $2, resolver_user_id = $3, resolved_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, IssueResolved, resolverUserID, IssueOpen)
	if err != nil {
		return fmt.Errorf("soa: failed to resolve issue: %w", err)
	}
	return oneRow(res, "open issue", id)
}

// ResolveLineIssues closes every open issue on a line, for the manual
// actions that settle a line wholesale.
func (s *Store) ResolveLineIssues(ctx context.Context, lineID, resolverUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE soa_issues SET status = $2, resolver_user_id = $3, resolved_at = NOW()
		WHERE line_id = $1 AND status = $4
	`, lineID, IssueResolved, resolverUserID, IssueOpen)
	if err != nil {
		return fmt.Errorf("soa: failed to resolve line issues: %w", err)
	}
	return nil
}

func collectLines(rows *sql.Rows) ([]*Line, error) {
	var out []*Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("soa: failed to iterate lines: %w", err)
	}
	return out, nil
}

func scanLine(row interface{ Scan(...any) error }) (*Line, error) {
	var l Line
	var amount int64
	err := row.Scan(&l.ID, &l.CaseID, &l.DocNumber, &l.DocDate, &amount, &l.Currency,
		&l.DocType, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: statement line", api.ErrNotFound)
		}
		return nil, fmt.Errorf("soa: failed to load line: %w", err)
	}
	l.AmountCents = invoices.Cents(amount)
	return &l, nil
}

func scanMatch(row interface{ Scan(...any) error }) (*Match, error) {
	var m Match
	var delta int64
	err := row.Scan(&m.ID, &m.LineID, &m.InvoiceID, &m.Pass, &m.IsExact, &delta, &m.DaysDelta, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: match", api.ErrNotFound)
		}
		return nil, fmt.Errorf("soa: failed to load match: %w", err)
	}
	m.AmountDelta = invoices.Cents(delta)
	return &m, nil
}

func scanIssue(row interface{ Scan(...any) error }) (*Issue, error) {
	var iss Issue
	var resolver sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&iss.ID, &iss.LineID, &iss.Type, &iss.Description, &iss.Status,
		&resolver, &resolvedAt, &iss.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: issue", api.ErrNotFound)
		}
		return nil, fmt.Errorf("soa: failed to load issue: %w", err)
	}
	iss.ResolverUserID = resolver.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		iss.ResolvedAt = &t
	}
	return &iss, nil
}

func oneRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soa: failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", api.ErrNotFound, what, id)
	}
	return nil
}
