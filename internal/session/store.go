package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "session:"

	// SocketPrefix is the Redis key prefix for session -> connection-id
	// bindings.
	SocketPrefix = "socket:"

	// DefaultTTL is the default session lifetime when none is configured.
	DefaultTTL = 10 * time.Minute
)

// User is the authenticated user snapshot stored with a session.
type User struct {
	ID       string `redis:"id"`
	Username string `redis:"username"`
	Name     string `redis:"name"`
	Surname  string `redis:"surname"`
	Role     string `redis:"role"`
}

// Store manages session and socket-binding state in Redis. The Redis client
// is injected and shared; the store never owns its lifecycle.
type Store struct {
	client        *redis.Client
	ttl           time.Duration
	bindScript    *redis.Script
	replaceScript *redis.Script
	refreshScript *redis.Script
}

// NewStore creates a session store on the given Redis client. A
// non-positive ttl falls back to DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		client:        client,
		ttl:           ttl,
		bindScript:    redis.NewScript(bindSocketLua),
		replaceScript: redis.NewScript(replaceSessionLua),
		refreshScript: redis.NewScript(refreshTTLLua),
	}
}

// TTL returns the configured default session lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// SetSession upserts the session record for sessionID and resets its TTL to
// the configured default. Any prior record under the same id is overwritten.
func (s *Store) SetSession(ctx context.Context, sessionID string, user *User) error {
	key := SessionPrefix + sessionID

	fields := map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"name":     user.Name,
		"surname":  user.Surname,
		"role":     user.Role,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetSession returns the user bound to sessionID, or nil if the session is
// absent or expired. It does not extend the TTL; sliding expiry is the
// caller's explicit choice via RefreshTTL.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*User, error) {
	key := SessionPrefix + sessionID
	var user User
	if err := s.client.HGetAll(ctx, key).Scan(&user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, nil // not found
	}
	return &user, nil
}

// DeleteSession removes the session record and cascades to its socket
// binding. Returns whether a session record existed; idempotent.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.Del(ctx, SocketPrefix+sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// SessionTTL returns the remaining lifetime of the session, or 0 if the
// session does not exist or has expired.
func (s *Store) SessionTTL(ctx context.Context, sessionID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, SessionPrefix+sessionID).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// RefreshTTL resets the session's TTL to the configured default and keeps
// the socket binding (if any) expiring in lockstep.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	keys := []string{SessionPrefix + sessionID, SocketPrefix + sessionID}
	return s.refreshScript.Run(ctx, s.client, keys, int(s.ttl.Seconds())).Err()
}

// SetSocketSession binds connID to the session. The bind only succeeds when
// a session record exists; the binding's TTL is copied from the session key
// at the moment of binding, never an independent timer. Returns the bound
// connection id, or "" when the session is gone (no-op).
func (s *Store) SetSocketSession(ctx context.Context, sessionID, connID string) (string, error) {
	keys := []string{SessionPrefix + sessionID, SocketPrefix + sessionID}
	res, err := s.bindScript.Run(ctx, s.client, keys, connID).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil // session vanished; binding refused
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

// GetSocketSession returns the connection id bound to the session, or "" if
// no binding exists.
func (s *Store) GetSocketSession(ctx context.Context, sessionID string) (string, error) {
	connID, err := s.client.Get(ctx, SocketPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return connID, nil
}

// DeleteSocketSession removes the socket binding. Returns whether a binding
// existed; idempotent.
func (s *Store) DeleteSocketSession(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Del(ctx, SocketPrefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReplaceSessionKey atomically moves the session record and its socket
// binding (if any) from oldID to newID, preserving both TTL and connection
// id, and deletes the old keys. Returns the migrated user, or nil when
// oldID had no session (the rotation raced its expiry).
func (s *Store) ReplaceSessionKey(ctx context.Context, oldID, newID string) (*User, error) {
	keys := []string{
		SessionPrefix + oldID,
		SessionPrefix + newID,
		SocketPrefix + oldID,
		SocketPrefix + newID,
	}
	moved, err := s.replaceScript.Run(ctx, s.client, keys).Int()
	if err != nil {
		return nil, err
	}
	if moved == 0 {
		return nil, nil
	}
	return s.GetSession(ctx, newID)
}

// DeleteAll removes every session and socket-binding key. Used only by test
// and administrative tooling; it scans by prefix rather than flushing the
// database so a shared Redis instance is not clobbered.
func (s *Store) DeleteAll(ctx context.Context) error {
	for _, pattern := range []string{SessionPrefix + "*", SocketPrefix + "*"} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}

// bindSocketLua refuses to bind when the session key is missing and copies
// the session's remaining TTL onto the binding so both expire together.
const bindSocketLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return false
end
redis.call('SET', KEYS[2], ARGV[1])
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
    redis.call('EXPIRE', KEYS[2], ttl)
end
return ARGV[1]
`

// replaceSessionLua renames both the session hash and the socket binding in
// one atomic step. RENAME preserves the remaining TTL.
const replaceSessionLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('RENAME', KEYS[1], KEYS[2])
if redis.call('EXISTS', KEYS[3]) == 1 then
    redis.call('RENAME', KEYS[3], KEYS[4])
end
return 1
`

// refreshTTLLua resets the session TTL and keeps the socket binding
// expiring in lockstep with it.
const refreshTTLLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
    redis.call('EXPIRE', KEYS[2], ARGV[1])
end
return 1
`
