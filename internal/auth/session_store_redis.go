package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "webhome:session:"

// replaceSessionScript swaps the session fields only when the stored token
// still equals ARGV[1]. Returns 0 when the key is missing, 1 on token
// mismatch and 2 on success.
var replaceSessionScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "token")
if not cur then
  return 0
end
if cur ~= ARGV[1] then
  return 1
end
redis.call("HSET", KEYS[1],
  "user_id", ARGV[2],
  "tenant", ARGV[3],
  "login", ARGV[4],
  "token", ARGV[5],
  "last_activity", ARGV[6],
  "expires_at", ARGV[7])
redis.call("PEXPIRE", KEYS[1], ARGV[8])
return 2
`)

// touchSessionScript moves last_activity and expires_at when the stored
// token equals ARGV[1]. Same return codes as replaceSessionScript.
var touchSessionScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "token")
if not cur then
  return 0
end
if cur ~= ARGV[1] then
  return 1
end
redis.call("HSET", KEYS[1],
  "last_activity", ARGV[2],
  "expires_at", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 2
`)

// RedisSessionStore stores each session as a hash that expires together
// with the session.
type RedisSessionStore struct {
	client  *redis.Client
	prefix  string
	nowFunc func() time.Time
}

func NewRedisSessionStore(client *redis.Client, prefix string) (*RedisSessionStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisSessionStore{client: client, prefix: prefix, nowFunc: time.Now}, nil
}

func (s *RedisSessionStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return Session{}, fmt.Errorf("redis get session: %w", err)
	}
	if len(data) == 0 {
		return Session{}, ErrSessionNotFound
	}

	sess := Session{
		ID:     id,
		UserID: data["user_id"],
		Tenant: data["tenant"],
		Login:  data["login"],
		Token:  data["token"],
	}
	if sess.CreatedAt, err = parseRedisTime(data["created_at"]); err != nil {
		return Session{}, fmt.Errorf("decode session created_at: %w", err)
	}
	if sess.LastActivity, err = parseRedisTime(data["last_activity"]); err != nil {
		return Session{}, fmt.Errorf("decode session last_activity: %w", err)
	}
	if sess.ExpiresAt, err = parseRedisTime(data["expires_at"]); err != nil {
		return Session{}, fmt.Errorf("decode session expires_at: %w", err)
	}
	return sess, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, sess Session) error {
	key := s.key(sess.ID)
	ttl := sess.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		return s.Delete(ctx, sess.ID)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"user_id":       sess.UserID,
			"tenant":        sess.Tenant,
			"login":         sess.Login,
			"token":         sess.Token,
			"created_at":    formatRedisTime(sess.CreatedAt),
			"last_activity": formatRedisTime(sess.LastActivity),
			"expires_at":    formatRedisTime(sess.ExpiresAt),
		})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Replace(ctx context.Context, next Session, prevToken string) error {
	ttl := next.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	res, err := replaceSessionScript.Run(ctx, s.client, []string{s.key(next.ID)},
		prevToken,
		next.UserID,
		next.Tenant,
		next.Login,
		next.Token,
		formatRedisTime(next.LastActivity),
		formatRedisTime(next.ExpiresAt),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis replace session: %w", err)
	}
	switch res {
	case 0:
		return ErrSessionNotFound
	case 1:
		return ErrSessionConflict
	}
	return nil
}

func (s *RedisSessionStore) Touch(ctx context.Context, id, token string, lastActivity, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		return s.Delete(ctx, id)
	}
	res, err := touchSessionScript.Run(ctx, s.client, []string{s.key(id)},
		token,
		formatRedisTime(lastActivity),
		formatRedisTime(expiresAt),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis touch session: %w", err)
	}
	switch res {
	case 0:
		return ErrSessionNotFound
	case 1:
		return ErrSessionConflict
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func formatRedisTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRedisTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
