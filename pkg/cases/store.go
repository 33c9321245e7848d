package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// Store persists cases in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	company_id TEXT NOT NULL,
	vendor_id TEXT NOT NULL,
	case_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	owner_team TEXT NOT NULL DEFAULT 'none',
	assigned_user_id TEXT,
	sla_due TIMESTAMPTZ,
	last_sla_posture TEXT NOT NULL DEFAULT 'on_track',
	escalation_level INT NOT NULL DEFAULT 0,
	metadata JSONB NOT NULL DEFAULT '{}',
	linked_invoice_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_tenant_updated ON cases(tenant_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_cases_vendor ON cases(vendor_id);
CREATE INDEX IF NOT EXISTS idx_cases_sla ON cases(sla_due) WHERE sla_due IS NOT NULL;
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const caseColumns = `id, tenant_id, company_id, vendor_id, case_type, subject, status, owner_team,
	assigned_user_id, sla_due, last_sla_posture, escalation_level, metadata, linked_invoice_id,
	created_at, updated_at`

// CreateTx inserts a case inside the caller's transaction.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, c *Case) error {
	meta, err := json.Marshal(orEmpty(c.Metadata))
	if err != nil {
		return fmt.Errorf("cases: failed to encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (id, tenant_id, company_id, vendor_id, case_type, subject, status, owner_team,
			assigned_user_id, sla_due, last_sla_posture, escalation_level, metadata, linked_invoice_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, c.ID, c.TenantID, c.CompanyID, c.VendorID, c.Type, c.Subject, c.Status, c.OwnerTeam,
		nullable(c.AssignedUserID), c.SLADue, c.LastSLAPosture, c.EscalationLevel, meta,
		nullable(c.LinkedInvoiceID), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("cases: failed to create case: %w", err)
	}
	return nil
}

// Get retrieves a case scoped to a tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return scanCase(row)
}

// GetForUpdateTx loads a case under a row lock; every case-scoped write
// serializes on it.
func (s *Store) GetForUpdateTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (*Case, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases WHERE id = $1 AND tenant_id = $2 FOR UPDATE
	`, id, tenantID)
	return scanCase(row)
}

// GetAnyForUpdateTx is the system path: it locks a case by id alone. Callers
// must have scope-checked already.
func (s *Store) GetAnyForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*Case, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases WHERE id = $1 FOR UPDATE
	`, id)
	return scanCase(row)
}

// List returns a tenant's cases, newest activity first. Posture filtering is
// derived state and happens in the registry.
func (s *Store) List(ctx context.Context, tenantID string, f Filter) ([]*Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE tenant_id = $1`
	args := []any{tenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.OwnerTeam != "" {
		add("owner_team =", f.OwnerTeam)
	}
	if f.CaseType != "" {
		add("case_type =", f.CaseType)
	}
	if f.VendorID != "" {
		add("vendor_id =", f.VendorID)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		add("subject ILIKE", "%"+q+"%")
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cases: failed to list cases: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cases: failed to iterate cases: %w", err)
	}
	return out, nil
}

// UpdateStatusTx moves a case and bumps its updated timestamp.
func (s *Store) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	return s.exec(ctx, tx, id, `UPDATE cases SET status = $2, updated_at = NOW() WHERE id = $1`, status)
}

// SetAssignmentTx rewrites owner team and assignee.
func (s *Store) SetAssignmentTx(ctx context.Context, tx *sql.Tx, id, ownerTeam, assignedUserID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE cases SET owner_team = $2, assigned_user_id = $3, updated_at = NOW() WHERE id = $1
	`, id, ownerTeam, nullable(assignedUserID))
	if err != nil {
		return fmt.Errorf("cases: failed to reassign case: %w", err)
	}
	return oneRow(res, id)
}

// SetEscalationTx records a new escalation level.
func (s *Store) SetEscalationTx(ctx context.Context, tx *sql.Tx, id string, level int) error {
	return s.exec(ctx, tx, id, `UPDATE cases SET escalation_level = $2, updated_at = NOW() WHERE id = $1`, level)
}

// SetSLADueTx extends the SLA due timestamp.
func (s *Store) SetSLADueTx(ctx context.Context, tx *sql.Tx, id string, due time.Time) error {
	return s.exec(ctx, tx, id, `UPDATE cases SET sla_due = $2, updated_at = NOW() WHERE id = $1`, due)
}

// TouchTx bumps the updated timestamp; message and evidence writes call it.
func (s *Store) TouchTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cases: failed to touch case: %w", err)
	}
	return oneRow(res, id)
}

// RecordPosture persists the posture the ticker last observed, making the
// sweep idempotent across ticks.
func (s *Store) RecordPosture(ctx context.Context, id, posture string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases SET last_sla_posture = $2 WHERE id = $1`, id, posture)
	if err != nil {
		return fmt.Errorf("cases: failed to record posture: %w", err)
	}
	return oneRow(res, id)
}

// SLAScan returns every non-terminal case carrying an SLA due timestamp.
func (s *Store) SLAScan(ctx context.Context) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE sla_due IS NOT NULL AND status NOT IN ($1, $2)
	`, StatusResolved, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cases: failed to scan slas: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cases: failed to iterate sla scan: %w", err)
	}
	return out, nil
}

// FindSOAByPeriod locates a reusable statement case for a vendor and period.
func (s *Store) FindSOAByPeriod(ctx context.Context, tenantID, vendorID, periodStart, periodEnd string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE tenant_id = $1 AND vendor_id = $2 AND case_type = $3
			AND status <> $4
			AND metadata->>'soa_period_start' = $5
			AND metadata->>'soa_period_end' = $6
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, vendorID, TypeSOA, StatusCancelled, periodStart, periodEnd)
	return scanCase(row)
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, id, query string, arg any) error {
	res, err := tx.ExecContext(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("cases: failed to update case: %w", err)
	}
	return oneRow(res, id)
}

func oneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cases: failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: case %s", api.ErrNotFound, id)
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanCase(row interface{ Scan(...any) error }) (*Case, error) {
	var c Case
	var assigned, linked sql.NullString
	var due sql.NullTime
	var meta []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.CompanyID, &c.VendorID, &c.Type, &c.Subject,
		&c.Status, &c.OwnerTeam, &assigned, &due, &c.LastSLAPosture, &c.EscalationLevel,
		&meta, &linked, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: case", api.ErrNotFound)
		}
		return nil, fmt.Errorf("cases: failed to load case: %w", err)
	}
	c.AssignedUserID = assigned.String
	c.LinkedInvoiceID = linked.String
	if due.Valid {
		t := due.Time
		c.SLADue = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("cases: failed to decode metadata: %w", err)
		}
	}
	return &c, nil
}
