package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1", rule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	ok, err := l.Allow(ctx, "10.0.0.1", rule)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("attempt over the limit should be denied")
	}
}

func TestAllowIsolatesIdentifiers(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	if ok, _ := l.Allow(ctx, "10.0.0.1", rule); !ok {
		t.Fatal("first identifier should be allowed")
	}
	if ok, _ := l.Allow(ctx, "10.0.0.2", rule); !ok {
		t.Error("second identifier must have its own window")
	}
}

func TestWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 30 * time.Second}

	if ok, _ := l.Allow(ctx, "10.0.0.1", rule); !ok {
		t.Fatal("first attempt should be allowed")
	}
	if ok, _ := l.Allow(ctx, "10.0.0.1", rule); ok {
		t.Fatal("second attempt should be denied")
	}

	mr.FastForward(31 * time.Second)

	if ok, _ := l.Allow(ctx, "10.0.0.1", rule); !ok {
		t.Error("attempt after the window should be allowed again")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	if n, _ := l.Remaining(ctx, "10.0.0.1", rule); n != 5 {
		t.Errorf("untouched identifier remaining = %d, want 5", n)
	}

	for i := 0; i < 7; i++ {
		_, _ = l.Allow(ctx, "10.0.0.1", rule)
	}
	if n, _ := l.Remaining(ctx, "10.0.0.1", rule); n != 0 {
		t.Errorf("exhausted identifier remaining = %d, want 0", n)
	}
}

func TestFailsOpenOnCacheOutage(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	ok, err := l.Allow(context.Background(), "10.0.0.1", RuleLogin)
	if err == nil {
		t.Error("cache outage should surface the error")
	}
	if !ok {
		t.Error("limiter must fail open when the cache is unreachable")
	}
}
