package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procurehq/vmp/pkg/api"
)

// Store persists notifications in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	case_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_read, created_at DESC);
`

// Init creates the necessary database tables.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Insert writes one notification row. The id and timestamp are filled if
// empty.
func (s *Store) Insert(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, case_id, kind, title, body, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, n.ID, n.UserID, n.CaseID, n.Kind, n.Title, n.Body, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("notify: failed to insert notification: %w", err)
	}
	return nil
}

// ListForUser returns a user's notifications, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, case_id, kind, title, body, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND ($2 OR is_read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, !unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.CaseID, &n.Kind, &n.Title, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: failed to scan notification: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: failed to iterate notifications: %w", err)
	}
	return out, nil
}

// MarkRead flags one of the user's notifications as read.
func (s *Store) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("notify: failed to mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("notify: failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: notification %s", api.ErrNotFound, id)
	}
	return nil
}

// UnreadCount returns the number of unread rows for a user.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("notify: failed to count unread: %w", err)
	}
	return count, nil
}
