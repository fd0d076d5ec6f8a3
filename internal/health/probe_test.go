package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	pingErr error
	closed  bool
}

func (c *fakeConn) Ping(context.Context) error  { return c.pingErr }
func (c *fakeConn) Close(context.Context) error { c.closed = true; return nil }

func TestNewPostgresProberRequiresDSN(t *testing.T) {
	if _, err := NewPostgresProber("  ", time.Second); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestProbe(t *testing.T) {
	p, err := NewPostgresProber("postgres://admin@localhost/postgres", time.Second)
	if err != nil {
		t.Fatalf("NewPostgresProber() error: %v", err)
	}

	c := &fakeConn{}
	var gotDSN string
	p.connect = func(ctx context.Context, dsn string) (conn, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Fatalf("probe context should carry a deadline")
		}
		gotDSN = dsn
		return c, nil
	}
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if gotDSN != "postgres://admin@localhost/postgres" || !c.closed {
		t.Fatalf("unexpected probe state: dsn=%q closed=%v", gotDSN, c.closed)
	}
}

func TestProbeFailures(t *testing.T) {
	p, _ := NewPostgresProber("postgres://admin@localhost/postgres", 0)

	refused := errors.New("connection refused")
	p.connect = func(context.Context, string) (conn, error) { return nil, refused }
	if err := p.Probe(context.Background()); !errors.Is(err, refused) {
		t.Fatalf("expected connect error, got %v", err)
	}

	down := errors.New("server closed the connection")
	c := &fakeConn{pingErr: down}
	p.connect = func(context.Context, string) (conn, error) { return c, nil }
	if err := p.Probe(context.Background()); !errors.Is(err, down) {
		t.Fatalf("expected ping error, got %v", err)
	}
	if !c.closed {
		t.Fatalf("connection should be closed after a failed ping")
	}
}
