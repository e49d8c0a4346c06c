// Package rotation implements session-id rotation: the session payload and
// socket binding move atomically to a fresh id, a new CSRF token is minted
// for it, and any live connection on the old id is told to reconnect.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/csrf"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/metrics"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/session"
)

// ErrSessionGone means the session to rotate no longer exists; the caller
// must treat the client as logged out.
var ErrSessionGone = errors.New("rotation: session no longer exists")

// Notifier closes the connection bound to a session after telling it why.
// Implemented by presence.Coordinator.
type Notifier interface {
	DisconnectSession(sessionID, reason string) bool
}

// Result carries the rotated credentials back to the HTTP layer.
type Result struct {
	SessionID string
	CSRFToken string
	TTL       time.Duration
	User      *session.User
}

// Rotator moves sessions to fresh ids.
type Rotator struct {
	sessions *session.Store
	ids      *session.IDGenerator
	tokens   *csrf.Tokenizer
	notifier Notifier
}

// New wires a Rotator. notifier may be nil when no realtime layer runs.
func New(sessions *session.Store, ids *session.IDGenerator, tokens *csrf.Tokenizer, notifier Notifier) *Rotator {
	return &Rotator{sessions: sessions, ids: ids, tokens: tokens, notifier: notifier}
}

// Rotate moves the session stored under oldID to a fresh id with a fresh
// CSRF token. The rename carries the remaining TTL and any socket binding
// along; the old id stops resolving the moment the rename lands, so the
// connection still holding it is disconnected and must reconnect with the
// new credentials.
func (r *Rotator) Rotate(ctx context.Context, oldID string) (*Result, error) {
	newID, err := r.ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("rotation: mint id: %w", err)
	}

	user, err := r.sessions.ReplaceSessionKey(ctx, oldID, newID)
	if err != nil {
		return nil, fmt.Errorf("rotation: replace key: %w", err)
	}
	if user == nil {
		return nil, ErrSessionGone
	}

	token, err := r.tokens.Generate(newID)
	if err != nil {
		return nil, fmt.Errorf("rotation: mint csrf token: %w", err)
	}

	ttl, err := r.sessions.SessionTTL(ctx, newID)
	if err != nil {
		// The rename already landed; report the configured TTL rather than
		// failing the whole rotation.
		log.Printf("rotation: ttl lookup for rotated session: %v", err)
		ttl = r.sessions.TTL()
	}

	if r.notifier != nil {
		if r.notifier.DisconnectSession(oldID, "session_rotated") {
			log.Printf("rotation: disconnected live socket for rotated session")
		}
	}

	metrics.SessionRotations.Inc()

	return &Result{SessionID: newID, CSRFToken: token, TTL: ttl, User: user}, nil
}
