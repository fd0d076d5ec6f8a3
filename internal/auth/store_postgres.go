package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresUserStore reads and writes the auth_users table. The schema is
// owned by the migrations package.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) (*PostgresUserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresUserStore{db: db}, nil
}

const selectUserColumns = `SELECT id, username, name, password_hash, kind, privilege FROM auth_users`

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrUserNotFound
	}
	return s.getOne(ctx, selectUserColumns+` WHERE username = $1`, username)
}

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, ErrUserNotFound
	}
	return s.getOne(ctx, selectUserColumns+` WHERE id = $1`, id)
}

func (s *PostgresUserStore) getOne(ctx context.Context, q string, arg string) (User, error) {
	var u User
	var kind, privilege string
	if err := s.db.QueryRowContext(ctx, q, arg).Scan(&u.ID, &u.Username, &u.Name, &u.PasswordHash, &kind, &privilege); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query auth user: %w", err)
	}
	u.Kind = UserKind(kind)
	u.Privilege = Privilege(privilege)
	return u, nil
}

func (s *PostgresUserStore) Put(ctx context.Context, user User) error {
	user.Username = strings.TrimSpace(user.Username)
	if user.ID == "" || user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("id, username, and password hash are required")
	}
	if user.Kind == "" {
		user.Kind = KindInternal
	}
	if user.Privilege == "" {
		user.Privilege = PrivilegeRegular
	}

	const q = `
INSERT INTO auth_users (id, username, name, password_hash, kind, privilege, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (username) DO UPDATE
SET id = EXCLUDED.id,
	name = EXCLUDED.name,
	password_hash = EXCLUDED.password_hash,
	kind = EXCLUDED.kind,
	privilege = EXCLUDED.privilege,
	updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, q, user.ID, user.Username, user.Name, user.PasswordHash, string(user.Kind), string(user.Privilege)); err != nil {
		return fmt.Errorf("upsert auth user: %w", err)
	}
	return nil
}
