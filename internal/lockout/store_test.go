package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func TestIsLockedFreshAccount(t *testing.T) {
	store, _ := newTestStore(t)

	locked, remaining, err := store.IsLocked(context.Background(), "ada")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked || remaining != 0 {
		t.Errorf("fresh account locked=%v remaining=%d, want unlocked", locked, remaining)
	}
}

func TestLockoutAtThreshold(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < Threshold-1; i++ {
		locked, _, err := store.RecordFailure(ctx, "ada")
		if err != nil {
			t.Fatalf("RecordFailure #%d: %v", i+1, err)
		}
		if locked {
			t.Fatalf("failure %d should not lock yet", i+1)
		}
	}

	locked, duration, err := store.RecordFailure(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatalf("failure %d should lock the account", Threshold)
	}
	if duration != Lock1Min {
		t.Errorf("first lockout duration = %v, want %v", duration, Lock1Min)
	}

	isLocked, remaining, err := store.IsLocked(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	if !isLocked {
		t.Fatal("IsLocked should report the lockout")
	}
	if remaining <= 0 || remaining > 60 {
		t.Errorf("remaining = %d, want (0, 60]", remaining)
	}
}

func TestLockoutEscalates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var duration time.Duration
	for i := 0; i < Threshold+1; i++ {
		_, duration, _ = store.RecordFailure(ctx, "ada")
	}
	if duration != Lock5Min {
		t.Errorf("post-threshold lockout = %v, want %v", duration, Lock5Min)
	}

	for i := 0; i < Threshold; i++ {
		_, duration, _ = store.RecordFailure(ctx, "ada")
	}
	if duration != Lock15Min {
		t.Errorf("persistent failures lockout = %v, want %v", duration, Lock15Min)
	}
}

func TestLockoutExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < Threshold; i++ {
		store.RecordFailure(ctx, "ada")
	}
	if locked, _, _ := store.IsLocked(ctx, "ada"); !locked {
		t.Fatal("account should be locked")
	}

	mr.FastForward(Lock1Min + time.Second)

	if locked, _, _ := store.IsLocked(ctx, "ada"); locked {
		t.Error("lockout should expire with its TTL")
	}
}

func TestFailureCounterWindow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < Threshold-1; i++ {
		store.RecordFailure(ctx, "ada")
	}

	// A quiet hour wipes the counter; the next failure starts from one.
	mr.FastForward(FailWindow + time.Second)

	locked, _, err := store.RecordFailure(ctx, "ada")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Error("failure after the window reset should not lock")
	}
}

func TestClear(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < Threshold; i++ {
		store.RecordFailure(ctx, "ada")
	}
	if locked, _, _ := store.IsLocked(ctx, "ada"); !locked {
		t.Fatal("account should be locked")
	}

	if err := store.Clear(ctx, "ada"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if locked, _, _ := store.IsLocked(ctx, "ada"); locked {
		t.Error("Clear should remove the lockout")
	}

	// The counter is also gone: the next failure is the first again.
	if locked, _, _ := store.RecordFailure(ctx, "ada"); locked {
		t.Error("failure after Clear should not lock")
	}
}

func TestUsernamesIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < Threshold; i++ {
		store.RecordFailure(ctx, "ada")
	}
	if locked, _, _ := store.IsLocked(ctx, "alan"); locked {
		t.Error("lockout must be scoped per username")
	}
}

func TestIsLockedSurfacesCacheErrors(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	if _, _, err := store.IsLocked(context.Background(), "ada"); err == nil {
		t.Error("cache outage should surface the error")
	}
}
