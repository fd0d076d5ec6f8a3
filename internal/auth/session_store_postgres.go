package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) (*PostgresSessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresSessionStore{db: db}, nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (Session, error) {
	const q = `
SELECT session_id, user_id, tenant, login, token, created_at, last_activity, expires_at
FROM auth_sessions
WHERE session_id = $1`
	var sess Session
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&sess.ID, &sess.UserID, &sess.Tenant, &sess.Login, &sess.Token,
		&sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

func (s *PostgresSessionStore) Put(ctx context.Context, sess Session) error {
	const q = `
INSERT INTO auth_sessions (session_id, user_id, tenant, login, token, created_at, last_activity, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO UPDATE
SET user_id = EXCLUDED.user_id,
	tenant = EXCLUDED.tenant,
	login = EXCLUDED.login,
	token = EXCLUDED.token,
	last_activity = EXCLUDED.last_activity,
	expires_at = EXCLUDED.expires_at`
	if _, err := s.db.ExecContext(ctx, q,
		sess.ID, sess.UserID, sess.Tenant, sess.Login, sess.Token,
		sess.CreatedAt, sess.LastActivity, sess.ExpiresAt,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Replace(ctx context.Context, next Session, prevToken string) error {
	const q = `
UPDATE auth_sessions
SET user_id = $2, tenant = $3, login = $4, token = $5, last_activity = $6, expires_at = $7
WHERE session_id = $1 AND token = $8`
	res, err := s.db.ExecContext(ctx, q,
		next.ID, next.UserID, next.Tenant, next.Login, next.Token,
		next.LastActivity, next.ExpiresAt, prevToken,
	)
	if err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace session rows: %w", err)
	}
	if n == 0 {
		return ErrSessionConflict
	}
	return nil
}

func (s *PostgresSessionStore) Touch(ctx context.Context, id, token string, lastActivity, expiresAt time.Time) error {
	const q = `
UPDATE auth_sessions
SET last_activity = $3, expires_at = $4
WHERE session_id = $1 AND token = $2`
	res, err := s.db.ExecContext(ctx, q, id, token, lastActivity, expiresAt)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session rows: %w", err)
	}
	if n == 0 {
		return ErrSessionConflict
	}
	return nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions whose expiry has passed.
func (s *PostgresSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions rows: %w", err)
	}
	return n, nil
}
