package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAccessDenied   = errors.New("access denied")
	ErrSessionExpired = errors.New("session expired")
	ErrUnknownUser    = errors.New("unknown user")
	ErrWeakPassword   = errors.New("weak password")
	ErrUserExists     = errors.New("user already exists")
)

const (
	minPasswordLength = 12
	maxPasswordLength = 128
)

type Service struct {
	users       UserStore
	sessions    SessionStore
	pepper      string
	ttl         time.Duration
	superuserID string
	nowFunc     func() time.Time
}

type ServiceConfig struct {
	PasswordPepper string
	SessionTTL     time.Duration
	SuperuserID    string
}

func NewService(userStore UserStore, sessionStore SessionStore, cfg ServiceConfig) (*Service, error) {
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if sessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.PasswordPepper == "" {
		return nil, fmt.Errorf("password pepper is required")
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be > 0")
	}
	if strings.TrimSpace(cfg.SuperuserID) == "" {
		return nil, fmt.Errorf("superuser id is required")
	}

	return &Service{
		users:       userStore,
		sessions:    sessionStore,
		pepper:      cfg.PasswordPepper,
		ttl:         cfg.SessionTTL,
		superuserID: strings.TrimSpace(cfg.SuperuserID),
		nowFunc:     time.Now,
	}, nil
}

func (s *Service) SuperuserID() string {
	return s.superuserID
}

// HashPassword bcrypts a peppered SHA-256 digest of the password so that
// inputs longer than bcrypt's 72 byte limit still count in full.
func (s *Service) HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(s.prehash(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (s *Service) VerifyPassword(password, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(s.prehash(password))) == nil
}

// UnusablePasswordHash returns a hash of a random secret nobody knows. It
// is used for accounts that must never log in with a password.
func (s *Service) UnusablePasswordHash() (string, error) {
	secret, err := generateToken(32)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return s.HashPassword(secret)
}

func (s *Service) prehash(password string) string {
	sum := sha256.Sum256([]byte(s.pepper + ":" + password))
	return hex.EncodeToString(sum[:])
}

// Authenticate checks credentials for the given tenant and returns the
// matching user, or ErrAccessDenied.
func (s *Service) Authenticate(ctx context.Context, tenant, username, password string) (User, error) {
	if strings.TrimSpace(tenant) == "" {
		return User{}, ErrAccessDenied
	}
	u, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrAccessDenied
		}
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !s.VerifyPassword(password, u.PasswordHash) {
		return User{}, ErrAccessDenied
	}
	return u, nil
}

func (s *Service) UserByUsername(ctx context.Context, username string) (User, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrUnknownUser
		}
		return User{}, err
	}
	return u, nil
}

// CreateUser stores a new account that can log in with password. An empty
// ID gets a fresh UUID; kind and privilege default to internal and regular.
func (s *Service) CreateUser(ctx context.Context, u User, password string) (User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return User{}, fmt.Errorf("username is required")
	}
	if err := validatePasswordPolicy(password); err != nil {
		return User{}, err
	}
	if _, err := s.users.GetByUsername(ctx, u.Username); err == nil {
		return User{}, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.ID == s.superuserID {
		return User{}, ErrAccessDenied
	}
	if u.Kind == "" {
		u.Kind = KindInternal
	}
	if u.Privilege == "" {
		u.Privilege = PrivilegeRegular
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return User{}, err
	}
	u.PasswordHash = hash
	if err := s.users.Put(ctx, u); err != nil {
		return User{}, fmt.Errorf("store user: %w", err)
	}
	return u, nil
}

// SetPassword replaces the password of an existing account without knowing
// the old one. Sessions issued under the previous password stop passing
// Check. The superuser never gets a usable password.
func (s *Service) SetPassword(ctx context.Context, username, password string) (User, error) {
	if err := validatePasswordPolicy(password); err != nil {
		return User{}, err
	}
	u, err := s.UserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return User{}, err
	}
	if u.ID == s.superuserID {
		return User{}, ErrAccessDenied
	}
	if u.PasswordHash, err = s.HashPassword(password); err != nil {
		return User{}, err
	}
	if err := s.users.Put(ctx, u); err != nil {
		return User{}, fmt.Errorf("store updated password: %w", err)
	}
	return u, nil
}

// NewSession returns an anonymous session that is not yet stored.
func (s *Service) NewSession(tenant string) Session {
	now := s.nowFunc()
	return Session{
		ID:           mustID(32),
		Tenant:       tenant,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		New:          true,
	}
}

// Lookup loads a stored session. Expired sessions are removed and reported
// as ErrSessionNotFound.
func (s *Service) Lookup(ctx context.Context, id string) (Session, error) {
	if strings.TrimSpace(id) == "" {
		return Session{}, ErrSessionNotFound
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Expired(s.nowFunc()) {
		_ = s.sessions.Delete(ctx, id)
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Login binds user to a fresh session id, dropping prev so that a session
// id seen before authentication is never reused afterwards.
func (s *Service) Login(ctx context.Context, prev Session, user User) (Session, error) {
	if !prev.New && prev.ID != "" {
		if err := s.sessions.Delete(ctx, prev.ID); err != nil {
			return Session{}, fmt.Errorf("drop previous session: %w", err)
		}
	}

	now := s.nowFunc()
	sess := Session{
		ID:           mustID(32),
		UserID:       user.ID,
		Tenant:       prev.Tenant,
		Login:        user.Username,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
	}
	sess.Token = s.computeToken(sess.ID, user)

	if err := s.sessions.Put(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Check verifies that an authenticated session's token still matches the
// user's current credentials.
func (s *Service) Check(ctx context.Context, sess Session) error {
	if !sess.Authenticated() {
		return nil
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUnknownUser
		}
		return fmt.Errorf("lookup session user: %w", err)
	}
	want := s.computeToken(sess.ID, u)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sess.Token)) != 1 {
		return ErrSessionExpired
	}
	return nil
}

// Touch refreshes the last activity time and slides the expiry. Sessions
// that were never stored stay in memory only. A session that was deleted or
// whose token moved on since sess was read is left alone and reported as
// ErrSessionNotFound or ErrSessionConflict.
func (s *Service) Touch(ctx context.Context, sess Session) (Session, error) {
	now := s.nowFunc()
	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.ttl)
	if sess.New {
		return sess, nil
	}
	if err := s.sessions.Touch(ctx, sess.ID, sess.Token, sess.LastActivity, sess.ExpiresAt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.New || sess.ID == "" {
		return nil
	}
	return s.sessions.Delete(ctx, sess.ID)
}

// Become switches a system-privileged session to the superuser. changed is
// false, with the session returned untouched, when the current user lacks
// system privilege.
func (s *Service) Become(ctx context.Context, sess Session) (Session, bool, error) {
	if !sess.Authenticated() {
		return sess, false, ErrAccessDenied
	}
	current, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return sess, false, ErrUnknownUser
		}
		return sess, false, fmt.Errorf("lookup session user: %w", err)
	}
	if !current.IsSystem() {
		return sess, false, nil
	}
	target, err := s.users.GetByID(ctx, s.superuserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return sess, false, ErrUnknownUser
		}
		return sess, false, fmt.Errorf("lookup superuser: %w", err)
	}

	next := sess
	next.UserID = target.ID
	next.Token = s.computeToken(next.ID, target)
	next.LastActivity = s.nowFunc()
	if err := s.sessions.Replace(ctx, next, sess.Token); err != nil {
		return sess, false, err
	}
	return next, true, nil
}

// ChangePassword stores a new password for the session user. The calling
// session gets a recomputed token; every other session of that user
// becomes stale.
func (s *Service) ChangePassword(ctx context.Context, sess Session, currentPassword, newPassword string) (Session, error) {
	if err := validatePasswordPolicy(newPassword); err != nil {
		return Session{}, ErrWeakPassword
	}
	if err := s.Check(ctx, sess); err != nil {
		return Session{}, err
	}

	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return Session{}, ErrAccessDenied
	}
	if !s.VerifyPassword(currentPassword, user.PasswordHash) {
		return Session{}, ErrAccessDenied
	}
	if user.PasswordHash, err = s.HashPassword(newPassword); err != nil {
		return Session{}, err
	}
	if err := s.users.Put(ctx, user); err != nil {
		return Session{}, fmt.Errorf("store updated password: %w", err)
	}

	next := sess
	next.Token = s.computeToken(sess.ID, user)
	if err := s.sessions.Replace(ctx, next, sess.Token); err != nil {
		return Session{}, err
	}
	return next, nil
}

func (s *Service) computeToken(sessionID string, u User) string {
	mac := hmac.New(sha256.New, []byte(s.pepper))
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(u.ID))
	mac.Write([]byte{0})
	mac.Write([]byte(u.PasswordHash))
	return hex.EncodeToString(mac.Sum(nil))
}

func validatePasswordPolicy(password string) error {
	if strings.TrimSpace(password) != password {
		return ErrWeakPassword
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrWeakPassword
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return ErrWeakPassword
	}
	return nil
}

func generateToken(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("token length too short")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func mustID(n int) string {
	id, err := generateToken(n)
	if err != nil {
		panic(fmt.Sprintf("read random session id: %v", err))
	}
	return id
}
