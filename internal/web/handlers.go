// Package web exposes the HTTP surface of the chat server: credential
// endpoints that mint sessions, the authenticated session-lifecycle
// endpoints, and the middleware that guards them. The WebSocket upgrade
// and the metrics endpoint are mounted alongside these routes by the
// composition root.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/auth"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/chatstore"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/csrf"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/lockout"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/password"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/ratelimit"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/rotation"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/session"
)

// Directory is the user store consulted by login and signup. Implemented
// by chatstore.Store.
type Directory interface {
	UserByUsername(ctx context.Context, username string) (*chatstore.DirectoryUser, error)
	CreateUser(ctx context.Context, username, name, surname, role, passwordHash string) (*chatstore.DirectoryUser, error)
}

// Notifier closes the connection bound to a session, used on logout.
// Implemented by presence.Coordinator.
type Notifier interface {
	DisconnectSession(sessionID, reason string) bool
}

// Handler serves the session and credential endpoints.
type Handler struct {
	sessions  *session.Store
	ids       *session.IDGenerator
	tokens    *csrf.Tokenizer
	authn     *auth.Authenticator
	rotator   *rotation.Rotator
	directory Directory
	limiter   *ratelimit.Limiter
	lockouts  *lockout.Store
	notifier  Notifier
}

// NewHandler wires the HTTP layer. limiter, lockouts, and notifier may be
// nil; the corresponding protections are then skipped.
func NewHandler(
	sessions *session.Store,
	ids *session.IDGenerator,
	tokens *csrf.Tokenizer,
	authn *auth.Authenticator,
	rotator *rotation.Rotator,
	directory Directory,
	limiter *ratelimit.Limiter,
	lockouts *lockout.Store,
	notifier Notifier,
) *Handler {
	return &Handler{
		sessions:  sessions,
		ids:       ids,
		tokens:    tokens,
		authn:     authn,
		rotator:   rotator,
		directory: directory,
		limiter:   limiter,
		lockouts:  lockouts,
		notifier:  notifier,
	}
}

// Routes mounts all endpoints on the given mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("POST /signup", h.handleSignup)
	mux.HandleFunc("POST /logout", h.requireAuth(h.handleLogout))
	mux.HandleFunc("POST /session/extend", h.requireAuth(h.handleExtend))
	mux.HandleFunc("GET /me", h.requireAuth(h.handleMe))
	mux.HandleFunc("GET /health", h.handleHealth)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Surname  string `json:"surname"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Surname  string `json:"surname,omitempty"`
	Role     string `json:"role"`
}

type sessionResponse struct {
	User      userResponse `json:"user"`
	CSRFToken string       `json:"csrf_token"`
	ExpiresIn int          `json:"expires_in"`
}

// handleLogin verifies credentials and mints a fresh session with its CSRF
// token. The session id travels only in the cookie; the CSRF token only in
// the body.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r, ratelimit.RuleLogin, clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, slow down")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "username and password are required")
		return
	}

	if h.lockouts != nil {
		// Lockout reads fail open: the password check still guards the
		// account when the cache is down.
		if locked, remaining, err := h.lockouts.IsLocked(r.Context(), req.Username); err == nil && locked {
			log.Printf("web: login rejected, account locked user=%s remaining=%ds", req.Username, remaining)
			writeError(w, http.StatusTooManyRequests, "locked_out", "account temporarily locked")
			return
		}
	}

	user, err := h.directory.UserByUsername(r.Context(), req.Username)
	if err != nil {
		log.Printf("web: login directory lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	}

	ok := false
	if user != nil {
		ok, err = password.Verify(req.Password, user.PasswordHash)
		if err != nil {
			log.Printf("web: login hash verify user=%s: %v", req.Username, err)
		}
	}
	if !ok {
		if h.lockouts != nil {
			if locked, duration, err := h.lockouts.RecordFailure(r.Context(), req.Username); err == nil && locked {
				log.Printf("web: account locked user=%s duration=%s", req.Username, duration)
			}
		}
		// One answer for bad username and bad password.
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}

	if h.lockouts != nil {
		if err := h.lockouts.Clear(r.Context(), req.Username); err != nil {
			log.Printf("web: lockout clear user=%s: %v", req.Username, err)
		}
	}

	h.establishSession(w, r, user)
}

// handleSignup creates the account and logs it straight in.
func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r, ratelimit.RuleLogin, clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, slow down")
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if msg := validateSignup(req); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_request", msg)
		return
	}

	if existing, err := h.directory.UserByUsername(r.Context(), req.Username); err != nil {
		log.Printf("web: signup directory lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	} else if existing != nil {
		writeError(w, http.StatusConflict, "username_taken", "username is already taken")
		return
	}

	hash, err := password.Hash(req.Password)
	if err != nil {
		log.Printf("web: signup hash: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	}

	user, err := h.directory.CreateUser(r.Context(), req.Username, req.Name, req.Surname, "user", hash)
	if err != nil {
		log.Printf("web: signup create user=%s: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	}

	h.establishSession(w, r, user)
}

// establishSession mints the session id, stores the session, and writes the
// cookie and the JSON body carrying the CSRF token.
func (h *Handler) establishSession(w http.ResponseWriter, r *http.Request, user *chatstore.DirectoryUser) {
	sessionID, err := h.ids.Generate()
	if err != nil {
		log.Printf("web: session id: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	}

	su := &session.User{
		ID:       user.ID,
		Username: user.Username,
		Name:     user.Name,
		Surname:  user.Surname,
		Role:     user.Role,
	}
	if err := h.sessions.SetSession(r.Context(), sessionID, su); err != nil {
		log.Printf("web: session store: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	}

	token, err := h.tokens.Generate(sessionID)
	if err != nil {
		log.Printf("web: csrf mint: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	}

	ttl := h.sessions.TTL()
	auth.SetSessionCookie(w, r, sessionID, ttl)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:      toUserResponse(su),
		CSRFToken: token,
		ExpiresIn: int(ttl.Seconds()),
	})
	log.Printf("web: session established user=%s", user.Username)
}

// handleLogout deletes the session, drops any live socket, and clears the
// cookie. Idempotent from the client's perspective.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, _ *session.User, sessionID string) {
	if _, err := h.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		log.Printf("web: logout delete session: %v", err)
	}
	if h.notifier != nil {
		h.notifier.DisconnectSession(sessionID, "logged_out")
	}
	auth.ClearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

type extendResponse struct {
	CSRFToken string `json:"csrf_token"`
	ExpiresIn int    `json:"expires_in"`
}

// handleExtend rotates the session to a fresh id. The response carries the
// new CSRF token; the new session id travels in the replaced cookie.
func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request, _ *session.User, sessionID string) {
	if !h.allow(r, ratelimit.RuleRotate, sessionID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many rotations")
		return
	}

	res, err := h.rotator.Rotate(r.Context(), sessionID)
	if errors.Is(err, rotation.ErrSessionGone) {
		auth.ClearSessionCookie(w, r)
		writeError(w, http.StatusUnauthorized, "unauthenticated", "session expired")
		return
	}
	if err != nil {
		log.Printf("web: rotate: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "try again later")
		return
	}

	auth.SetSessionCookie(w, r, res.SessionID, res.TTL)
	writeJSON(w, http.StatusOK, extendResponse{
		CSRFToken: res.CSRFToken,
		ExpiresIn: int(res.TTL.Seconds()),
	})
}

// handleMe returns the authenticated user.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request, user *session.User, _ string) {
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authedFunc is a handler that runs behind authentication.
type authedFunc func(w http.ResponseWriter, r *http.Request, user *session.User, sessionID string)

// requireAuth authenticates the request, sliding the session TTL on
// success. Failures clear the cookie so a dead session does not keep
// knocking.
func (h *Handler) requireAuth(next authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := auth.SessionIDFromRequest(r)
		token := r.Header.Get(csrf.Header)

		user, err := h.authn.AuthenticateHTTP(r.Context(), r.Method, sessionID, token)
		if err != nil {
			auth.ClearSessionCookie(w, r)
			// Browsers land on the login page; API clients get a 401.
			if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}

		// Activity keeps the session alive; best effort.
		if err := h.sessions.RefreshTTL(r.Context(), sessionID); err != nil {
			log.Printf("web: ttl refresh: %v", err)
		}

		next(w, r, user, sessionID)
	}
}

// allow consults the rate limiter, failing open when none is configured.
func (h *Handler) allow(r *http.Request, rule ratelimit.Rule, identifier string) bool {
	if h.limiter == nil {
		return true
	}
	ok, _ := h.limiter.Allow(r.Context(), identifier, rule)
	return ok
}

func validateSignup(req credentialsRequest) string {
	switch {
	case len(req.Username) < 3 || len(req.Username) > 32:
		return "username must be 3-32 characters"
	case strings.ContainsAny(req.Username, " \t\n"):
		return "username must not contain whitespace"
	case len(req.Password) < 8:
		return "password must be at least 8 characters"
	case len(req.Password) > 128:
		return "password is too long"
	default:
		return ""
	}
}

func toUserResponse(u *session.User) userResponse {
	return userResponse{
		ID:       u.ID,
		Username: u.Username,
		Name:     u.Name,
		Surname:  u.Surname,
		Role:     u.Role,
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("web: response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
