package thread

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	seq BIGSERIAL,
	case_id TEXT NOT NULL,
	sender_user_id TEXT,
	sender_party TEXT NOT NULL,
	channel_source TEXT NOT NULL DEFAULT 'portal',
	body TEXT NOT NULL,
	internal_note BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_case_seq ON messages(case_id, seq);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendTx inserts a message inside the caller's transaction. The id and
// created timestamp are filled if empty.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	return s.append(ctx, tx, m)
}

// Append inserts a message outside any transaction.
func (s *Store) Append(ctx context.Context, m *Message) error {
	return s.append(ctx, s.db, m)
}

func (s *Store) append(ctx context.Context, q execer, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Source == "" {
		m.Source = SourcePortal
	}

	var sender sql.NullString
	if m.SenderUserID != "" {
		sender = sql.NullString{String: m.SenderUserID, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, case_id, sender_user_id, sender_party, channel_source, body, internal_note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.CaseID, sender, m.SenderParty, m.Source, m.Body, m.InternalNote, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("thread: failed to append message: %w", err)
	}
	return nil
}

// AppendSystemTx records a system message on the case thread inside the
// caller's transaction.
func (s *Store) AppendSystemTx(ctx context.Context, tx *sql.Tx, caseID, body string, internalNote bool) error {
	return s.AppendTx(ctx, tx, &Message{
		CaseID:       caseID,
		SenderParty:  PartySystem,
		Source:       SourceSystem,
		Body:         body,
		InternalNote: internalNote,
	})
}

// CountForCase reports how many messages a case carries in the caller's
// view: internal notes are excluded from supplier counts.
func (s *Store) CountForCase(ctx context.Context, caseID string, includeInternal bool) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE case_id = $1 AND ($2 OR internal_note = FALSE)
	`, caseID, includeInternal).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("thread: failed to count messages: %w", err)
	}
	return n, nil
}

// List returns a case's messages in stable ascending order. When
// includeInternal is false, internal notes are filtered out (supplier view).
func (s *Store) List(ctx context.Context, caseID string, includeInternal bool) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, case_id, sender_user_id, sender_party, channel_source, body, internal_note, created_at
		FROM messages
		WHERE case_id = $1 AND ($2 OR internal_note = FALSE)
		ORDER BY created_at, seq
	`, caseID, includeInternal)
	if err != nil {
		return nil, fmt.Errorf("thread: failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var sender sql.NullString
		if err := rows.Scan(&m.ID, &m.Seq, &m.CaseID, &sender, &m.SenderParty,
			&m.Source, &m.Body, &m.InternalNote, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("thread: failed to scan message: %w", err)
		}
		m.SenderUserID = sender.String
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread: failed to iterate messages: %w", err)
	}
	return out, nil
}
