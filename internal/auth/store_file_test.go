package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFileUserStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewFileUserStore(path)
	if err != nil {
		t.Fatalf("NewFileUserStore() error: %v", err)
	}

	u := User{ID: "u-1", Username: "admin", PasswordHash: "h", Kind: KindInternal, Privilege: PrivilegeSystem}
	if err := store.Put(ctx, u); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	store2, err := NewFileUserStore(path)
	if err != nil {
		t.Fatalf("NewFileUserStore() second error: %v", err)
	}
	got, err := store2.GetByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetByUsername() error: %v", err)
	}
	if got.ID != "u-1" || got.PasswordHash != "h" || !got.IsSystem() {
		t.Fatalf("unexpected user after reload: %+v", got)
	}
	if _, err := store2.GetByID(ctx, "u-1"); err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
}

func TestFileSessionStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewFileSessionStore(path)
	if err != nil {
		t.Fatalf("NewFileSessionStore() error: %v", err)
	}

	now := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	sess := Session{ID: "sid1", UserID: "u-1", Tenant: "main", Token: "tok", CreatedAt: now, ExpiresAt: now.Add(time.Hour), New: true}
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	store2, err := NewFileSessionStore(path)
	if err != nil {
		t.Fatalf("NewFileSessionStore() second error: %v", err)
	}
	got, err := store2.Get(ctx, "sid1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.UserID != "u-1" || got.New {
		t.Fatalf("unexpected session after reload: %+v", got)
	}

	if err := store2.Replace(ctx, Session{ID: "sid1", UserID: "root", Token: "tok2"}, "wrong"); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
	if err := store2.Replace(ctx, Session{ID: "missing"}, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := store2.Delete(ctx, "sid1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := store2.Get(ctx, "sid1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}
