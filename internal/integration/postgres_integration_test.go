package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"myconnectionsvr/webhome/internal/auth"
	"myconnectionsvr/webhome/internal/health"
	"myconnectionsvr/webhome/internal/migrations"
	"myconnectionsvr/webhome/internal/tenant"
)

func openTestPostgres(t *testing.T) (*sql.DB, string) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration tests")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping() error: %v", err)
	}

	svc, err := migrations.NewService(context.Background(), nil, db)
	if err != nil {
		t.Fatalf("migrations.NewService() error: %v", err)
	}
	if _, err := svc.Apply(context.Background()); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	return db, dsn
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	db, _ := openTestPostgres(t)
	ctx := context.Background()

	svc, err := migrations.NewService(ctx, nil, db)
	if err != nil {
		t.Fatalf("migrations.NewService() error: %v", err)
	}
	applied, err := svc.Apply(ctx)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing left to apply, got %v", applied)
	}

	statuses, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Fatalf("migration %s not applied", s.Name)
		}
	}
}

func TestPostgresLoginAndPasswordChange(t *testing.T) {
	db, _ := openTestPostgres(t)
	ctx := context.Background()

	userStore, err := auth.NewPostgresUserStore(db)
	if err != nil {
		t.Fatalf("NewPostgresUserStore() error: %v", err)
	}
	sessionStore, err := auth.NewPostgresSessionStore(db)
	if err != nil {
		t.Fatalf("NewPostgresSessionStore() error: %v", err)
	}
	svc, err := auth.NewService(userStore, sessionStore, auth.ServiceConfig{
		PasswordPepper: "integration-pepper",
		SessionTTL:     time.Minute,
		SuperuserID:    "superuser",
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}

	suffix := time.Now().UnixNano()
	username := fmt.Sprintf("itest_auth_%d", suffix)
	hash, err := svc.HashPassword("Password123!")
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	u := auth.User{
		ID:           fmt.Sprintf("u-%d", suffix),
		Username:     username,
		Name:         "Integration",
		PasswordHash: hash,
		Kind:         auth.KindInternal,
		Privilege:    auth.PrivilegeRegular,
	}
	if err := userStore.Put(ctx, u); err != nil {
		t.Fatalf("userStore.Put() error: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec("DELETE FROM auth_sessions WHERE user_id = $1", u.ID)
		_, _ = db.Exec("DELETE FROM auth_users WHERE id = $1", u.ID)
	})

	user, err := svc.Authenticate(ctx, "main", username, "Password123!")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	first, err := svc.Login(ctx, svc.NewSession("main"), user)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	second, err := svc.Login(ctx, svc.NewSession("main"), user)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	loaded, err := svc.Lookup(ctx, first.ID)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if loaded.UserID != u.ID || loaded.Tenant != "main" {
		t.Fatalf("unexpected session %+v", loaded)
	}

	next, err := svc.ChangePassword(ctx, loaded, "Password123!", "Another-pass-456")
	if err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	if err := svc.Check(ctx, next); err != nil {
		t.Fatalf("changing session should stay valid: %v", err)
	}
	stale, err := svc.Lookup(ctx, second.ID)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if err := svc.Check(ctx, stale); !errors.Is(err, auth.ErrSessionExpired) {
		t.Fatalf("expected other session to be stale, got %v", err)
	}

	if err := svc.Logout(ctx, next); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, err := svc.Lookup(ctx, next.ID); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
}

func TestPostgresTenantRegistryAndHealth(t *testing.T) {
	db, dsn := openTestPostgres(t)
	ctx := context.Background()

	var current string
	if err := db.QueryRow("SELECT current_database()").Scan(&current); err != nil {
		t.Fatalf("current_database() error: %v", err)
	}

	reg, err := tenant.NewPostgresRegistry(db)
	if err != nil {
		t.Fatalf("NewPostgresRegistry() error: %v", err)
	}
	names, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "postgres" {
			t.Fatalf("maintenance database must be excluded: %v", names)
		}
		if n == current {
			found = true
		}
	}
	if current != "postgres" && !found {
		t.Fatalf("expected %q in %v", current, names)
	}

	prober, err := health.NewPostgresProber(dsn, 5*time.Second)
	if err != nil {
		t.Fatalf("NewPostgresProber() error: %v", err)
	}
	if err := prober.Probe(ctx); err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
}
