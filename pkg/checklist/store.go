package checklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procurehq/vmp/pkg/api"
)

// Store persists checklist steps in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS checklist_steps (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	evidence_type TEXT NOT NULL,
	label TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	rejection_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (case_id, evidence_type)
);
CREATE INDEX IF NOT EXISTS idx_checklist_steps_case ON checklist_steps(case_id);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// MaterializeTx inserts the required steps for a case inside the caller's
// transaction. Re-materializing is idempotent: existing steps keep their
// status, new requirements are added as pending.
func (s *Store) MaterializeTx(ctx context.Context, tx *sql.Tx, caseID string, reqs []Requirement) error {
	now := time.Now().UTC()
	for _, r := range reqs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checklist_steps (id, case_id, evidence_type, label, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', $5, $5)
			ON CONFLICT (case_id, evidence_type) DO NOTHING
		`, uuid.New().String(), caseID, r.EvidenceType, r.Label, now)
		if err != nil {
			return fmt.Errorf("checklist: failed to materialize step %s: %w", r.EvidenceType, err)
		}
	}
	return nil
}

const stepColumns = `id, case_id, evidence_type, label, status, rejection_reason, created_at, updated_at`

// ListForCase returns a case's steps in creation order.
func (s *Store) ListForCase(ctx context.Context, caseID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM checklist_steps WHERE case_id = $1 ORDER BY created_at, evidence_type
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("checklist: failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checklist: failed to iterate steps: %w", err)
	}
	return out, nil
}

// Get retrieves one step scoped to its case.
func (s *Store) Get(ctx context.Context, caseID, stepID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM checklist_steps WHERE id = $1 AND case_id = $2
	`, stepID, caseID)
	st, err := scanStep(row)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SetStatus moves a step. The rejection reason is cleared unless the new
// status is rejected.
func (s *Store) SetStatus(ctx context.Context, stepID, status, rejectionReason string) error {
	if status != StatusRejected {
		rejectionReason = ""
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE checklist_steps SET status = $2, rejection_reason = $3, updated_at = NOW()
		WHERE id = $1
	`, stepID, status, rejectionReason)
	if err != nil {
		return fmt.Errorf("checklist: failed to update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checklist: failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: checklist step %s", api.ErrNotFound, stepID)
	}
	return nil
}

// ApplyChanges persists the step moves Evaluate produced.
func (s *Store) ApplyChanges(ctx context.Context, changes []StepChange) error {
	for _, c := range changes {
		if err := s.SetStatus(ctx, c.StepID, c.Status, c.RejectionReason); err != nil {
			return err
		}
	}
	return nil
}

func scanStep(row interface{ Scan(...any) error }) (*Step, error) {
	var st Step
	err := row.Scan(&st.ID, &st.CaseID, &st.EvidenceType, &st.Label, &st.Status,
		&st.RejectionReason, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: checklist step", api.ErrNotFound)
		}
		return nil, fmt.Errorf("checklist: failed to load step: %w", err)
	}
	return &st, nil
}
