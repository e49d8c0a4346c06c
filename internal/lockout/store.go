// Package lockout provides escalating failed-login lockouts backed by
// Redis. Records are simple key-value pairs with TTL-based expiry:
//
//	Key:   lockout:<username>     (active lockout, value is the reason)
//	Key:   loginfail:<username>   (failure counter, 1h window)
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LockPrefix is the Redis key prefix for active lockout records.
	LockPrefix = "lockout:"

	// FailPrefix is the Redis key prefix for failed-attempt counters.
	FailPrefix = "loginfail:"

	// Escalating lockout durations.
	Lock1Min  = 1 * time.Minute  // 1st lockout
	Lock5Min  = 5 * time.Minute  // 2nd lockout
	Lock15Min = 15 * time.Minute // 3rd+ lockout

	// FailWindow is how long the failure counter lives. After an hour
	// without failures the counter resets to zero.
	FailWindow = 1 * time.Hour

	// Threshold is the number of failed attempts within FailWindow that
	// triggers a lockout. Each subsequent failure while already past the
	// threshold extends into the next escalation tier.
	Threshold = 5
)

// Store manages lockout records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a lockout store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsLocked checks whether a username is currently locked out. Returns
// (locked, remainingSeconds, error). Redis errors are returned so the
// caller decides the policy; login fails open on lockout errors because
// the password check still stands between the attacker and the account.
func (s *Store) IsLocked(ctx context.Context, username string) (bool, int, error) {
	key := LockPrefix + username

	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The lockout exists but the TTL read failed. Report locked with 0
		// remaining rather than swallowing the lockout.
		return true, 0, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, nil
}

// Clear removes the lockout and the failure counter, used after a
// successful login.
func (s *Store) Clear(ctx context.Context, username string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, LockPrefix+username)
	pipe.Del(ctx, FailPrefix+username)
	_, err := pipe.Exec(ctx)
	return err
}

// escalationDuration maps how many lockouts past the threshold the account
// has earned onto a duration tier.
func escalationDuration(failures int64) time.Duration {
	over := failures - Threshold
	switch {
	case over <= 0:
		return Lock1Min
	case over < Threshold:
		return Lock5Min
	default:
		return Lock15Min
	}
}

// RecordFailure increments the failure counter for a username and, once
// the threshold is reached, applies a lockout whose duration escalates
// with continued failures:
//
//	5th failure    -> 1 minute
//	6th-9th        -> 5 minutes
//	10th and later -> 15 minutes
//
// The counter has a 1h TTL set on the first failure, so a quiet hour
// resets the slate. Returns (locked, duration, error).
func (s *Store) RecordFailure(ctx context.Context, username string) (bool, time.Duration, error) {
	key := FailPrefix + username

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("lockout: failure incr: %w", err)
	}

	// Set TTL only on the first failure so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, FailWindow).Err(); err != nil {
			return false, 0, fmt.Errorf("lockout: failure expire: %w", err)
		}
	}

	if count < Threshold {
		return false, 0, nil
	}

	duration := escalationDuration(count)
	if err := s.client.Set(ctx, LockPrefix+username, "failed_logins", duration).Err(); err != nil {
		return false, 0, fmt.Errorf("lockout: apply: %w", err)
	}
	return true, duration, nil
}
