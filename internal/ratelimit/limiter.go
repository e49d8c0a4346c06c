// Package ratelimit provides Redis-backed rate limiting using the
// INCR + EXPIRE fixed-window algorithm, used to throttle login attempts
// and socket connection attempts per client IP.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a throttling policy: the Redis key prefix, the maximum
// number of attempts in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:login:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleLogin allows 10 login or signup attempts per minute per IP.
	RuleLogin = Rule{Key: "rl:login:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 20 socket handshakes per minute per IP; reconnect
	// loops in a broken client hit this before they hit the server.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}

	// RuleRotate allows 6 session rotations per minute per session.
	RuleRotate = Rule{Key: "rl:rotate:", Limit: 6, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit
// defined by rule. It increments the counter in Redis and sets the expiry
// on first access.
//
// Returns true if the attempt is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so a Redis outage does not
// lock out legitimate traffic; the authentication path itself fails closed
// independently.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("ratelimit: redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL. Best effort: delete it so it
			// does not block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of attempts the identifier has left in the
// current window for the given rule. Returns the full limit if the key
// does not exist yet. On Redis errors it returns the full limit (fail
// open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("ratelimit: redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
