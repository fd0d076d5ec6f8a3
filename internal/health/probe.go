// Package health checks whether the database server answers.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// PostgresProber opens a fresh admin connection for every probe so the
// result does not depend on the state of the application's pool.
type PostgresProber struct {
	dsn     string
	timeout time.Duration
	connect func(ctx context.Context, dsn string) (conn, error)
}

func NewPostgresProber(dsn string, timeout time.Duration) (*PostgresProber, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("admin database url is required")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &PostgresProber{
		dsn:     dsn,
		timeout: timeout,
		connect: func(ctx context.Context, dsn string) (conn, error) {
			c, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}, nil
}

func (p *PostgresProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	c, err := p.connect(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("connect database server: %w", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping database server: %w", err)
	}
	return nil
}
