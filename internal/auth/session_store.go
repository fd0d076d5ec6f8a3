package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionConflict = errors.New("session was modified concurrently")
)

// SessionStore persists sessions by id. Replace is a compare-and-swap on
// the stored token and must be atomic with respect to Get. Touch only moves
// the activity and expiry times of a session that still exists with the
// given token; it never recreates a deleted session.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, error)
	Put(ctx context.Context, sess Session) error
	Replace(ctx context.Context, next Session, prevToken string) error
	Touch(ctx context.Context, id, token string, lastActivity, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// LocalSessionStore keeps sessions in process memory, optionally mirrored
// to a JSON state file so they survive restarts.
type LocalSessionStore struct {
	stateFile string

	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemorySessionStore() *LocalSessionStore {
	return &LocalSessionStore{sessions: make(map[string]Session)}
}

func NewFileSessionStore(stateFile string) (*LocalSessionStore, error) {
	stateFile = strings.TrimSpace(stateFile)
	if stateFile == "" {
		return nil, fmt.Errorf("session state file path is required")
	}
	s := &LocalSessionStore{
		stateFile: stateFile,
		sessions:  make(map[string]Session),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalSessionStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *LocalSessionStore) Put(_ context.Context, sess Session) error {
	sess.New = false

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.sessions[sess.ID]
	s.sessions[sess.ID] = sess
	if err := s.persistLocked(); err != nil {
		s.restoreLocked(sess.ID, prev, had)
		return err
	}
	return nil
}

func (s *LocalSessionStore) Replace(_ context.Context, next Session, prevToken string) error {
	next.New = false

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sessions[next.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if prev.Token != prevToken {
		return ErrSessionConflict
	}
	s.sessions[next.ID] = next
	if err := s.persistLocked(); err != nil {
		s.sessions[next.ID] = prev
		return err
	}
	return nil
}

func (s *LocalSessionStore) Touch(_ context.Context, id, token string, lastActivity, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if prev.Token != token {
		return ErrSessionConflict
	}
	next := prev
	next.LastActivity = lastActivity
	next.ExpiresAt = expiresAt
	s.sessions[id] = next
	if err := s.persistLocked(); err != nil {
		s.sessions[id] = prev
		return err
	}
	return nil
}

func (s *LocalSessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sessions[id]
	if !ok {
		return nil
	}
	delete(s.sessions, id)
	if err := s.persistLocked(); err != nil {
		s.sessions[id] = prev
		return err
	}
	return nil
}

func (s *LocalSessionStore) restoreLocked(id string, prev Session, had bool) {
	if had {
		s.sessions[id] = prev
		return
	}
	delete(s.sessions, id)
}

func (s *LocalSessionStore) load() error {
	b, err := os.ReadFile(s.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session state: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	state := make(map[string]Session)
	if err := json.Unmarshal(b, &state); err != nil {
		return fmt.Errorf("decode session state: %w", err)
	}
	s.sessions = state
	return nil
}

func (s *LocalSessionStore) persistLocked() error {
	if s.stateFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return fmt.Errorf("mkdir session state dir: %w", err)
	}
	b, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if err := os.WriteFile(s.stateFile, b, 0o600); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}
