package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testSuperuserID = "__system__"

func newTestService(t *testing.T) (*Service, *InMemoryUserStore, *LocalSessionStore) {
	t.Helper()
	users := NewInMemoryUserStore()
	sessions := NewMemorySessionStore()
	svc, err := NewService(users, sessions, ServiceConfig{
		PasswordPepper: "pepper",
		SessionTTL:     time.Minute,
		SuperuserID:    testSuperuserID,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc, users, sessions
}

func putUser(t *testing.T, svc *Service, users UserStore, u User, password string) User {
	t.Helper()
	hash, err := svc.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	u.PasswordHash = hash
	if err := users.Put(context.Background(), u); err != nil {
		t.Fatalf("users.Put() error: %v", err)
	}
	return u
}

func TestAuthenticateAndLogin(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	putUser(t, svc, users, User{ID: "u-1", Username: "admin", Kind: KindInternal}, "secret123")

	u, err := svc.Authenticate(ctx, "main", "admin", "secret123")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}

	anon := svc.NewSession("main")
	sess, err := svc.Login(ctx, anon, u)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if sess.ID == anon.ID {
		t.Fatalf("expected login to rotate the session id")
	}
	if sess.Token == "" || sess.UserID != "u-1" || sess.Tenant != "main" || sess.Login != "admin" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	loaded, err := svc.Lookup(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if err := svc.Check(ctx, loaded); err != nil {
		t.Fatalf("Check() error: %v", err)
	}
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "secret123")

	if _, err := svc.Authenticate(ctx, "main", "admin", "badpass"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "main", "nobody", "secret123"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for unknown user, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "", "admin", "secret123"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied without tenant, got %v", err)
	}
}

func TestLoginDropsPreviousSession(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "secret123")

	first, err := svc.Login(ctx, svc.NewSession("main"), u)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	second, err := svc.Login(ctx, first, u)
	if err != nil {
		t.Fatalf("second Login() error: %v", err)
	}
	if _, err := svc.Lookup(ctx, first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected previous session dropped, got %v", err)
	}
	if _, err := svc.Lookup(ctx, second.ID); err != nil {
		t.Fatalf("expected new session stored, got %v", err)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "secret123")

	fakeNow := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	svc.nowFunc = func() time.Time { return fakeNow }
	sess, err := svc.Login(ctx, svc.NewSession("main"), u)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	svc.nowFunc = func() time.Time { return fakeNow.Add(2 * time.Minute) }
	if _, err := svc.Lookup(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTouchSlidesExpiry(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "secret123")

	fakeNow := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	svc.nowFunc = func() time.Time { return fakeNow }
	sess, _ := svc.Login(ctx, svc.NewSession("main"), u)

	svc.nowFunc = func() time.Time { return fakeNow.Add(30 * time.Second) }
	touched, err := svc.Touch(ctx, sess)
	if err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	if !touched.LastActivity.Equal(fakeNow.Add(30 * time.Second)) {
		t.Fatalf("unexpected last activity %v", touched.LastActivity)
	}

	svc.nowFunc = func() time.Time { return fakeNow.Add(80 * time.Second) }
	if _, err := svc.Lookup(ctx, sess.ID); err != nil {
		t.Fatalf("expected touched session to outlive original expiry, got %v", err)
	}
}

func TestTouchKeepsAnonymousSessionsOutOfStore(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestService(t)

	anon := svc.NewSession("main")
	if _, err := svc.Touch(ctx, anon); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	if _, err := store.Get(ctx, anon.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected anonymous session not to be stored, got %v", err)
	}
}

func TestLogoutRemovesSession(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "secret123")

	sess, _ := svc.Login(ctx, svc.NewSession("main"), u)
	if err := svc.Logout(ctx, sess); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, err := svc.Lookup(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after logout, got %v", err)
	}
}

func TestCheckUnknownUser(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	err := svc.Check(ctx, Session{ID: "s1", UserID: "ghost", Token: "x"})
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestBecomeSystemUser(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	admin := putUser(t, svc, users, User{ID: "u-admin", Username: "admin", Privilege: PrivilegeSystem}, "secret123")
	putUser(t, svc, users, User{ID: testSuperuserID, Username: "__system__", Privilege: PrivilegeSystem}, "unused-secret")

	sess, _ := svc.Login(ctx, svc.NewSession("main"), admin)

	first, changed, err := svc.Become(ctx, sess)
	if err != nil {
		t.Fatalf("Become() error: %v", err)
	}
	if !changed || first.UserID != testSuperuserID {
		t.Fatalf("expected switch to superuser, got changed=%v uid=%q", changed, first.UserID)
	}
	if first.Token == sess.Token {
		t.Fatalf("expected token to be recomputed")
	}
	if err := svc.Check(ctx, first); err != nil {
		t.Fatalf("Check() after Become error: %v", err)
	}

	second, _, err := svc.Become(ctx, first)
	if err != nil {
		t.Fatalf("second Become() error: %v", err)
	}
	if second.UserID != first.UserID {
		t.Fatalf("expected become to be idempotent, got %q then %q", first.UserID, second.UserID)
	}
}

func TestBecomeRegularUserIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "clerk", Privilege: PrivilegeRegular}, "secret123")

	sess, _ := svc.Login(ctx, svc.NewSession("main"), u)
	got, changed, err := svc.Become(ctx, sess)
	if err != nil {
		t.Fatalf("Become() error: %v", err)
	}
	if changed || got.UserID != "u-1" || got.Token != sess.Token {
		t.Fatalf("expected no-op, got changed=%v session=%+v", changed, got)
	}
}

func TestBecomeStaleTokenConflicts(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	admin := putUser(t, svc, users, User{ID: "u-admin", Username: "admin", Privilege: PrivilegeSystem}, "secret123")
	putUser(t, svc, users, User{ID: testSuperuserID, Username: "__system__", Privilege: PrivilegeSystem}, "unused-secret")

	sess, _ := svc.Login(ctx, svc.NewSession("main"), admin)
	if _, _, err := svc.Become(ctx, sess); err != nil {
		t.Fatalf("Become() error: %v", err)
	}
	// A second request still holding the pre-switch token must lose.
	if _, _, err := svc.Become(ctx, sess); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
}

func TestTouchStaleSessionKeepsBecome(t *testing.T) {
	ctx := context.Background()
	svc, users, sessions := newTestService(t)
	admin := putUser(t, svc, users, User{ID: "u-admin", Username: "admin", Privilege: PrivilegeSystem}, "secret123")
	putUser(t, svc, users, User{ID: testSuperuserID, Username: "__system__", Privilege: PrivilegeSystem}, "unused-secret")

	sess, _ := svc.Login(ctx, svc.NewSession("main"), admin)
	stale, err := svc.Lookup(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	become, _, err := svc.Become(ctx, sess)
	if err != nil {
		t.Fatalf("Become() error: %v", err)
	}

	if _, err := svc.Touch(ctx, stale); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
	stored, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stored.UserID != testSuperuserID || stored.Token != become.Token {
		t.Fatalf("expected become to survive a stale touch, got uid=%q", stored.UserID)
	}
}

func TestTouchAfterLogoutDoesNotRestoreSession(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "secret123")

	sess, _ := svc.Login(ctx, svc.NewSession("main"), u)
	inflight, err := svc.Lookup(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if err := svc.Logout(ctx, sess); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}

	if _, err := svc.Touch(ctx, inflight); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := svc.Lookup(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session to stay logged out, got %v", err)
	}
}

func TestTouchChangedPasswordSessionConflicts(t *testing.T) {
	ctx := context.Background()
	svc, users, sessions := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "oldpass123")

	sess, _ := svc.Login(ctx, svc.NewSession("main"), u)
	updated, err := svc.ChangePassword(ctx, sess, "oldpass123", "NewPassword123!")
	if err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	if _, err := svc.Touch(ctx, sess); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
	stored, _ := sessions.Get(ctx, sess.ID)
	if stored.Token != updated.Token {
		t.Fatalf("expected rotated token to survive a stale touch")
	}
}

func TestChangePasswordExpiresOtherSessions(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "oldpass123")

	current, _ := svc.Login(ctx, svc.NewSession("main"), u)
	other, _ := svc.Login(ctx, svc.NewSession("main"), u)

	updated, err := svc.ChangePassword(ctx, current, "oldpass123", "NewPassword123!")
	if err != nil {
		t.Fatalf("ChangePassword() error: %v", err)
	}
	if err := svc.Check(ctx, updated); err != nil {
		t.Fatalf("expected current session to stay valid, got %v", err)
	}
	if err := svc.Check(ctx, other); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected other session expired, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "main", "admin", "oldpass123"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "main", "admin", "NewPassword123!"); err != nil {
		t.Fatalf("expected new password accepted, got %v", err)
	}
}

func TestChangePasswordWeakRejected(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "oldpass123")
	sess, _ := svc.Login(ctx, svc.NewSession("main"), u)

	if _, err := svc.ChangePassword(ctx, sess, "oldpass123", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestUnusablePasswordHash(t *testing.T) {
	svc, _, _ := newTestService(t)
	hash, err := svc.UnusablePasswordHash()
	if err != nil {
		t.Fatalf("UnusablePasswordHash() error: %v", err)
	}
	if svc.VerifyPassword("", hash) || svc.VerifyPassword("admin", hash) {
		t.Fatalf("expected unusable hash to reject guesses")
	}
}

func TestCreateUserCanLogIn(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.CreateUser(ctx, User{Username: " clerk ", Name: "Clerk"}, "Clerk-pass-123")
	if err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}
	if created.ID == "" || created.Username != "clerk" || created.Kind != KindInternal || created.Privilege != PrivilegeRegular {
		t.Fatalf("unexpected created user: %+v", created)
	}

	u, err := svc.Authenticate(ctx, "main", "clerk", "Clerk-pass-123")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	sess, err := svc.Login(ctx, svc.NewSession("main"), u)
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if err := svc.Check(ctx, sess); err != nil {
		t.Fatalf("Check() error: %v", err)
	}

	if _, err := svc.CreateUser(ctx, User{Username: "clerk"}, "Clerk-pass-123"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, User{Username: "weak"}, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestSetPasswordEnablesProvisionedAccount(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	hash, _ := svc.UnusablePasswordHash()
	if err := users.Put(ctx, User{ID: "u-1", Username: "admin", PasswordHash: hash, Privilege: PrivilegeSystem}); err != nil {
		t.Fatalf("users.Put() error: %v", err)
	}

	if _, err := svc.SetPassword(ctx, "admin", "Admin-pass-123"); err != nil {
		t.Fatalf("SetPassword() error: %v", err)
	}
	u, err := svc.Authenticate(ctx, "main", "admin", "Admin-pass-123")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if u.ID != "u-1" || !u.IsSystem() {
		t.Fatalf("expected existing account to keep its identity, got %+v", u)
	}
}

func TestSetPasswordExpiresExistingSessions(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	u := putUser(t, svc, users, User{ID: "u-1", Username: "admin"}, "Old-pass-1234")
	sess, _ := svc.Login(ctx, svc.NewSession("main"), u)

	if _, err := svc.SetPassword(ctx, "admin", "New-pass-1234"); err != nil {
		t.Fatalf("SetPassword() error: %v", err)
	}
	if err := svc.Check(ctx, sess); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestSetPasswordRejections(t *testing.T) {
	ctx := context.Background()
	svc, users, _ := newTestService(t)
	putUser(t, svc, users, User{ID: testSuperuserID, Username: "__system__", Privilege: PrivilegeSystem}, "unused-secret")

	if _, err := svc.SetPassword(ctx, "ghost", "Ghost-pass-123"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if _, err := svc.SetPassword(ctx, "__system__", "System-pass-123"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for the superuser, got %v", err)
	}
	if _, err := svc.SetPassword(ctx, "__system__", "weak"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}
