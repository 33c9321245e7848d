package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/checklist"
	"github.com/procurehq/vmp/pkg/database"
)

// Store persists evidence rows in PostgreSQL. Blobs live in the object
// store; rows carry the metadata, digest and verdict.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	checklist_step_id TEXT,
	evidence_type TEXT NOT NULL,
	version INTEGER NOT NULL,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	storage_key TEXT NOT NULL UNIQUE,
	sha256 TEXT NOT NULL,
	uploader_user_id TEXT NOT NULL,
	uploader_party TEXT NOT NULL,
	verdict TEXT NOT NULL DEFAULT '',
	verdict_reason TEXT NOT NULL DEFAULT '',
	verdict_by_user_id TEXT,
	verdict_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (case_id, evidence_type, version)
);
CREATE INDEX IF NOT EXISTS idx_evidence_case ON evidence(case_id);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// NextVersion returns 1 + the highest stored version for (case, type), or
// 1 when the type has never been uploaded. Racing uploads are settled by
// the unique constraint at insert time.
func (s *Store) NextVersion(ctx context.Context, caseID, evidenceType string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM evidence WHERE case_id = $1 AND evidence_type = $2
	`, caseID, evidenceType).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("evidence: failed to compute next version: %w", err)
	}
	return v, nil
}

// Insert stores the row. A duplicate (case, type, version) is a conflict.
func (s *Store) Insert(ctx context.Context, ev *Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, case_id, checklist_step_id, evidence_type, version, filename,
			mime_type, size_bytes, storage_key, sha256, uploader_user_id, uploader_party, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, ev.ID, ev.CaseID, nullable(ev.ChecklistStepID), ev.EvidenceType, ev.Version, ev.Filename,
		ev.MIMEType, ev.SizeBytes, ev.StorageKey, ev.SHA256, ev.UploaderUserID, ev.UploaderParty,
		ev.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: evidence version %d for %s already stored",
				api.ErrConflict, ev.Version, ev.EvidenceType)
		}
		return fmt.Errorf("evidence: failed to insert row: %w", err)
	}
	return nil
}

const columns = `id, case_id, checklist_step_id, evidence_type, version, filename, mime_type,
	size_bytes, storage_key, sha256, uploader_user_id, uploader_party,
	verdict, verdict_reason, verdict_by_user_id, verdict_at, created_at`

// ListForCase returns a case's evidence, newest first within a type.
func (s *Store) ListForCase(ctx context.Context, caseID string) ([]*Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM evidence WHERE case_id = $1 ORDER BY evidence_type, version DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to list rows: %w", err)
	}
	defer rows.Close()

	var out []*Evidence
	for rows.Next() {
		ev, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: failed to iterate rows: %w", err)
	}
	return out, nil
}

// Get retrieves one row scoped to its case.
func (s *Store) Get(ctx context.Context, caseID, id string) (*Evidence, error) {
	return scan(s.db.QueryRowContext(ctx, `
		SELECT `+columns+` FROM evidence WHERE id = $1 AND case_id = $2
	`, id, caseID))
}

// LatestForType returns the governing (highest-version) row for a
// (case, type) pair.
func (s *Store) LatestForType(ctx context.Context, caseID, evidenceType string) (*Evidence, error) {
	return scan(s.db.QueryRowContext(ctx, `
		SELECT `+columns+` FROM evidence
		WHERE case_id = $1 AND evidence_type = $2
		ORDER BY version DESC LIMIT 1
	`, caseID, evidenceType))
}

// SetVerdict stamps a verdict on a row. Verdicts are terminal per row; a
// newer upload supersedes them.
func (s *Store) SetVerdict(ctx context.Context, id, verdict, reason, byUserID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence SET verdict = $2, verdict_reason = $3, verdict_by_user_id = $4, verdict_at = NOW()
		WHERE id = $1
	`, id, verdict, reason, byUserID)
	if err != nil {
		return fmt.Errorf("evidence: failed to set verdict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("evidence: failed to read verdict result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: evidence %s", api.ErrNotFound, id)
	}
	return nil
}

// History projects a case's evidence into the shape the checklist
// reconciler consumes.
func (s *Store) History(ctx context.Context, caseID string) ([]checklist.EvidenceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evidence_type, version, verdict, verdict_reason, created_at
		FROM evidence WHERE case_id = $1
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("evidence: failed to load history: %w", err)
	}
	defer rows.Close()

	var out []checklist.EvidenceState
	for rows.Next() {
		var st checklist.EvidenceState
		if err := rows.Scan(&st.EvidenceType, &st.Version, &st.Verdict, &st.VerdictReason, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("evidence: failed to scan history: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: failed to iterate history: %w", err)
	}
	return out, nil
}

// CountForCase reports how many evidence rows a case carries.
func (s *Store) CountForCase(ctx context.Context, caseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence WHERE case_id = $1`, caseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("evidence: failed to count rows: %w", err)
	}
	return n, nil
}

func scan(row interface{ Scan(...any) error }) (*Evidence, error) {
	var ev Evidence
	var stepID, verdictBy sql.NullString
	var verdictAt sql.NullTime
	err := row.Scan(&ev.ID, &ev.CaseID, &stepID, &ev.EvidenceType, &ev.Version, &ev.Filename,
		&ev.MIMEType, &ev.SizeBytes, &ev.StorageKey, &ev.SHA256, &ev.UploaderUserID, &ev.UploaderParty,
		&ev.Verdict, &ev.VerdictReason, &verdictBy, &verdictAt, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: evidence", api.ErrNotFound)
		}
		return nil, fmt.Errorf("evidence: failed to load row: %w", err)
	}
	ev.ChecklistStepID = stepID.String
	ev.VerdictByUserID = verdictBy.String
	if verdictAt.Valid {
		t := verdictAt.Time
		ev.VerdictAt = &t
	}
	return &ev, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
