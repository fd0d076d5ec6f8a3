package tenant

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRegistry lists the non-template databases on the server the
// admin connection points at.
type PostgresRegistry struct {
	db      *sql.DB
	exclude map[string]struct{}
}

func NewPostgresRegistry(db *sql.DB, exclude ...string) (*PostgresRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	r := &PostgresRegistry{db: db, exclude: map[string]struct{}{"postgres": {}}}
	for _, name := range exclude {
		r.exclude[name] = struct{}{}
	}
	return r, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]string, error) {
	const q = `SELECT datname FROM pg_database WHERE datistemplate = false AND datallowconn = true ORDER BY datname`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan database name: %w", err)
		}
		if _, skip := r.exclude[name]; skip {
			continue
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate databases: %w", err)
	}
	return out, nil
}
