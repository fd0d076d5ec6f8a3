// Package identity classifies users as internal or external and regular or
// system, caching lookups against the user store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"myconnectionsvr/webhome/internal/auth"
)

type Role string

const (
	RoleInternal Role = "internal"
	RoleExternal Role = "external"
)

type Identity struct {
	UserID    string
	Name      string
	Role      Role
	Privilege auth.Privilege
}

func (i Identity) Internal() bool {
	return i.Role == RoleInternal
}

func (i Identity) System() bool {
	return i.Privilege == auth.PrivilegeSystem
}

type UserReader interface {
	GetByID(ctx context.Context, id string) (auth.User, error)
}

type cacheEntry struct {
	identity Identity
	expires  time.Time
}

type Resolver struct {
	users   UserReader
	ttl     time.Duration
	nowFunc func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver returns a resolver caching each classification for ttl. A
// zero ttl disables caching.
func NewResolver(users UserReader, ttl time.Duration) *Resolver {
	return &Resolver{
		users:   users,
		ttl:     ttl,
		nowFunc: time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

func (r *Resolver) Classify(ctx context.Context, userID string) (Identity, error) {
	if userID == "" {
		return Identity{}, auth.ErrUnknownUser
	}

	now := r.nowFunc()
	r.mu.RLock()
	e, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.identity, nil
	}

	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			r.Invalidate(userID)
			return Identity{}, auth.ErrUnknownUser
		}
		return Identity{}, fmt.Errorf("classify user: %w", err)
	}

	ident := Identity{
		UserID:    u.ID,
		Name:      u.Name,
		Role:      RoleInternal,
		Privilege: u.Privilege,
	}
	if !u.IsInternal() {
		ident.Role = RoleExternal
	}
	if ident.Privilege == "" {
		ident.Privilege = auth.PrivilegeRegular
	}
	if ident.Name == "" {
		ident.Name = u.Username
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[userID] = cacheEntry{identity: ident, expires: now.Add(r.ttl)}
		r.mu.Unlock()
	}
	return ident, nil
}

func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}
