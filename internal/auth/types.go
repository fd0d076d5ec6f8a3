package auth

import "time"

type UserKind string

const (
	KindInternal UserKind = "internal"
	KindExternal UserKind = "external"
)

type Privilege string

const (
	PrivilegeRegular Privilege = "regular"
	PrivilegeSystem  Privilege = "system"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash"`
	Kind         UserKind  `json:"kind"`
	Privilege    Privilege `json:"privilege"`
}

func (u User) IsInternal() bool {
	return u.Kind != KindExternal
}

func (u User) IsSystem() bool {
	return u.Privilege == PrivilegeSystem
}

// Session is the server-side record behind the session cookie. An empty
// UserID means the client is anonymous.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Tenant       string    `json:"tenant,omitempty"`
	Login        string    `json:"login,omitempty"`
	Token        string    `json:"token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`

	// New is set on sessions that have not been written to a store yet.
	New bool `json:"-"`
}

func (s Session) Authenticated() bool {
	return s.UserID != ""
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
