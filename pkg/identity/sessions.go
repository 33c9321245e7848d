package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/procurehq/vmp/pkg/api"
)

// SessionStore persists sessions in PostgreSQL.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ,
	user_agent TEXT NOT NULL DEFAULT '',
	remote_ip TEXT NOT NULL DEFAULT '',
	data JSONB
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`

// Init creates the necessary database tables.
func (s *SessionStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sessionsSchema)
	return err
}

// Create inserts a new session row.
func (s *SessionStore) Create(ctx context.Context, sess *Session) error {
	dataJSON, err := json.Marshal(sess.Data)
	if err != nil {
		return fmt.Errorf("identity: failed to marshal session data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, tenant_id, created_at, expires_at, last_seen_at, user_agent, remote_ip, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.UserID, sess.TenantID, sess.CreatedAt, sess.ExpiresAt,
		sess.LastSeenAt, sess.UserAgent, sess.RemoteIP, dataJSON)
	if err != nil {
		return fmt.Errorf("identity: failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var revokedAt sql.NullTime
	var dataJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, tenant_id, created_at, expires_at, last_seen_at, revoked_at, user_agent, remote_ip, data
		FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.TenantID, &sess.CreatedAt,
		&sess.ExpiresAt, &sess.LastSeenAt, &revokedAt, &sess.UserAgent, &sess.RemoteIP, &dataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session", api.ErrNotFound)
		}
		return nil, fmt.Errorf("identity: failed to load session: %w", err)
	}
	if revokedAt.Valid {
		sess.RevokedAt = &revokedAt.Time
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &sess.Data); err != nil {
			return nil, fmt.Errorf("identity: failed to unmarshal session data: %w", err)
		}
	}
	return &sess, nil
}

// Touch extends a session and records activity. Callers throttle this to
// once per hour so session reads stay write-light.
func (s *SessionStore) Touch(ctx context.Context, id string, lastSeen, expires time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen_at = $2, expires_at = $3 WHERE id = $1 AND revoked_at IS NULL
	`, id, lastSeen, expires)
	if err != nil {
		return fmt.Errorf("identity: failed to touch session: %w", err)
	}
	return nil
}

// Revoke marks a session unusable. Revoking an already revoked or missing
// session is a no-op.
func (s *SessionStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("identity: failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser invalidates every session of a user, e.g. on deactivation.
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = NOW() WHERE user_id = $1 AND revoked_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("identity: failed to revoke user sessions: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions that expired before the cutoff and returns
// the number of rows removed.
func (s *SessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("identity: failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("identity: failed to read delete result: %w", err)
	}
	return n, nil
}
