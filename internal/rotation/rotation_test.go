package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/csrf"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/session"
)

type fakeNotifier struct {
	dropped []string
	reasons []string
}

func (f *fakeNotifier) DisconnectSession(sessionID, reason string) bool {
	f.dropped = append(f.dropped, sessionID)
	f.reasons = append(f.reasons, reason)
	return true
}

func newTestRotator(t *testing.T) (*Rotator, *session.Store, *csrf.Tokenizer, *fakeNotifier, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := session.NewStore(client, 5*time.Minute)
	tokens := csrf.NewTokenizer("test-secret")
	notifier := &fakeNotifier{}
	rot := New(store, session.NewIDGenerator("test-secret"), tokens, notifier)
	return rot, store, tokens, notifier, mr
}

func TestRotateMovesSession(t *testing.T) {
	rot, store, tokens, notifier, _ := newTestRotator(t)
	ctx := context.Background()

	user := &session.User{ID: "u1", Username: "ada", Role: "user"}
	if err := store.SetSession(ctx, "old-id", user); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SetSocketSession(ctx, "old-id", "conn1"); err != nil {
		t.Fatal(err)
	}

	res, err := rot.Rotate(ctx, "old-id")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if res.SessionID == "old-id" || len(res.SessionID) != 64 {
		t.Errorf("new id = %q", res.SessionID)
	}
	if res.User == nil || res.User.ID != "u1" {
		t.Errorf("user = %+v", res.User)
	}
	if !tokens.Verify(res.CSRFToken) || tokens.SessionID(res.CSRFToken) != res.SessionID {
		t.Error("CSRF token must verify and name the new session id")
	}
	if res.TTL <= 0 || res.TTL > 5*time.Minute {
		t.Errorf("ttl = %v", res.TTL)
	}

	// Old id stops resolving; payload and socket binding live under the
	// new id.
	if u, _ := store.GetSession(ctx, "old-id"); u != nil {
		t.Error("old session id still resolves")
	}
	if u, err := store.GetSession(ctx, res.SessionID); err != nil || u == nil || u.Username != "ada" {
		t.Errorf("new session lookup = (%+v, %v)", u, err)
	}
	if conn, _ := store.GetSocketSession(ctx, res.SessionID); conn != "conn1" {
		t.Errorf("socket binding after rotation = %q, want conn1", conn)
	}

	if len(notifier.dropped) != 1 || notifier.dropped[0] != "old-id" {
		t.Errorf("dropped = %v, want [old-id]", notifier.dropped)
	}
	if notifier.reasons[0] != "session_rotated" {
		t.Errorf("reason = %q", notifier.reasons[0])
	}
}

func TestRotatePreservesTTL(t *testing.T) {
	rot, store, _, _, mr := newTestRotator(t)
	ctx := context.Background()

	if err := store.SetSession(ctx, "old-id", &session.User{ID: "u1", Username: "ada"}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(4 * time.Minute)

	res, err := rot.Rotate(ctx, "old-id")
	if err != nil {
		t.Fatal(err)
	}
	if res.TTL > time.Minute {
		t.Errorf("rotation must not extend the session, ttl = %v", res.TTL)
	}
}

func TestRotateMissingSession(t *testing.T) {
	rot, _, _, notifier, _ := newTestRotator(t)

	_, err := rot.Rotate(context.Background(), "no-such-session")
	if !errors.Is(err, ErrSessionGone) {
		t.Fatalf("err = %v, want ErrSessionGone", err)
	}
	if len(notifier.dropped) != 0 {
		t.Error("no connection should be dropped for a missing session")
	}
}

func TestRotateFailsOnCacheOutage(t *testing.T) {
	rot, store, _, _, mr := newTestRotator(t)
	ctx := context.Background()

	if err := store.SetSession(ctx, "old-id", &session.User{ID: "u1", Username: "ada"}); err != nil {
		t.Fatal(err)
	}
	mr.Close()

	if _, err := rot.Rotate(ctx, "old-id"); err == nil || errors.Is(err, ErrSessionGone) {
		t.Fatalf("want hard cache error, got %v", err)
	}
}
