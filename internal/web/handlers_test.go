package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jericirenej/svelte-chat-app-sub000/internal/auth"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/chatstore"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/csrf"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/lockout"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/password"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/ratelimit"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/rotation"
	"github.com/jericirenej/svelte-chat-app-sub000/internal/session"
)

// fakeDirectory is an in-memory user store.
type fakeDirectory struct {
	users map[string]*chatstore.DirectoryUser
}

func (d *fakeDirectory) UserByUsername(_ context.Context, username string) (*chatstore.DirectoryUser, error) {
	return d.users[username], nil
}

func (d *fakeDirectory) CreateUser(_ context.Context, username, name, surname, role, passwordHash string) (*chatstore.DirectoryUser, error) {
	u := &chatstore.DirectoryUser{
		ID:           "id-" + username,
		Username:     username,
		Name:         name,
		Surname:      surname,
		Role:         role,
		PasswordHash: passwordHash,
	}
	d.users[username] = u
	return u, nil
}

type fakeNotifier struct {
	dropped []string
	reasons []string
}

func (f *fakeNotifier) DisconnectSession(sessionID, reason string) bool {
	f.dropped = append(f.dropped, sessionID)
	f.reasons = append(f.reasons, reason)
	return true
}

type webEnv struct {
	mux      *http.ServeMux
	store    *session.Store
	tokens   *csrf.Tokenizer
	dir      *fakeDirectory
	notifier *fakeNotifier
	mr       *miniredis.Miniredis
}

func newWebEnv(t *testing.T) *webEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := session.NewStore(client, 10*time.Minute)
	ids := session.NewIDGenerator("test-secret")
	tokens := csrf.NewTokenizer("test-secret")
	authn := auth.New(store, tokens)
	notifier := &fakeNotifier{}
	rot := rotation.New(store, ids, tokens, notifier)

	hash, err := password.Hash("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	dir := &fakeDirectory{users: map[string]*chatstore.DirectoryUser{
		"ada": {ID: "u1", Username: "ada", Name: "Ada", Role: "user", PasswordHash: hash},
	}}

	h := NewHandler(store, ids, tokens, authn, rot, dir,
		ratelimit.NewLimiter(client), lockout.NewStore(client), notifier)

	mux := http.NewServeMux()
	h.Routes(mux)

	return &webEnv{mux: mux, store: store, tokens: tokens, dir: dir, notifier: notifier, mr: mr}
}

func (e *webEnv) post(t *testing.T, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.RemoteAddr = "203.0.113.1:4567"
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

// login performs a successful login and returns the session cookie and
// CSRF token.
func (e *webEnv) login(t *testing.T) (*http.Cookie, string) {
	t.Helper()

	rec := e.post(t, "/login", map[string]string{
		"username": "ada",
		"password": "correct horse",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			return c, resp.CSRFToken
		}
	}
	t.Fatal("login response carries no session cookie")
	return nil, ""
}

func TestLoginSuccess(t *testing.T) {
	env := newWebEnv(t)
	cookie, token := env.login(t)

	if len(cookie.Value) != 64 {
		t.Errorf("session id length = %d, want 64", len(cookie.Value))
	}
	if !cookie.HttpOnly {
		t.Error("session cookie must be http-only")
	}
	if cookie.MaxAge != 600 {
		t.Errorf("cookie max-age = %d, want 600", cookie.MaxAge)
	}
	if env.tokens.SessionID(token) != cookie.Value {
		t.Error("CSRF token must name the cookie's session id")
	}

	user, err := env.store.GetSession(context.Background(), cookie.Value)
	if err != nil || user == nil {
		t.Fatalf("session lookup = (%v, %v)", user, err)
	}
	if user.Username != "ada" {
		t.Errorf("session user = %q", user.Username)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := newWebEnv(t)

	rec := env.post(t, "/login", map[string]string{
		"username": "ada",
		"password": "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestLoginUnknownUserSameAnswer(t *testing.T) {
	env := newWebEnv(t)

	recUser := env.post(t, "/login", map[string]string{"username": "ghost", "password": "whatever1"}, nil)
	recPass := env.post(t, "/login", map[string]string{"username": "ada", "password": "wrong"}, nil)

	if recUser.Code != recPass.Code {
		t.Errorf("unknown user (%d) and bad password (%d) must be indistinguishable", recUser.Code, recPass.Code)
	}
	if recUser.Body.String() != recPass.Body.String() {
		t.Error("error bodies must match for unknown user and bad password")
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	env := newWebEnv(t)

	for i := 0; i < lockout.Threshold; i++ {
		env.post(t, "/login", map[string]string{"username": "ada", "password": "wrong"}, nil)
	}

	rec := env.post(t, "/login", map[string]string{"username": "ada", "password": "correct horse"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("locked account login status = %d, want 429", rec.Code)
	}
}

func TestSignupAndValidation(t *testing.T) {
	env := newWebEnv(t)

	rec := env.post(t, "/signup", map[string]string{
		"username": "alan",
		"password": "enigma machine",
		"name":     "Alan",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("signup status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if env.dir.users["alan"] == nil {
		t.Fatal("signup did not create the user")
	}
	if env.dir.users["alan"].PasswordHash == "enigma machine" {
		t.Error("password must be stored hashed")
	}

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"taken", map[string]string{"username": "ada", "password": "long enough"}, http.StatusConflict},
		{"short username", map[string]string{"username": "ab", "password": "long enough"}, http.StatusBadRequest},
		{"short password", map[string]string{"username": "newuser", "password": "short"}, http.StatusBadRequest},
		{"spaces in username", map[string]string{"username": "new user", "password": "long enough"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := env.post(t, "/signup", tc.body, nil); rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	env := newWebEnv(t)
	cookie, token := env.login(t)

	rec := env.post(t, "/logout", nil, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set(csrf.Header, token)
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}

	if user, _ := env.store.GetSession(context.Background(), cookie.Value); user != nil {
		t.Error("session must be deleted on logout")
	}

	if len(env.notifier.dropped) != 1 || env.notifier.dropped[0] != cookie.Value {
		t.Errorf("notifier dropped = %v", env.notifier.dropped)
	}
	if env.notifier.reasons[0] != "logged_out" {
		t.Errorf("reason = %q", env.notifier.reasons[0])
	}

	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("logout must clear the session cookie")
	}
}

func TestLogoutWithoutCSRFRejected(t *testing.T) {
	env := newWebEnv(t)
	cookie, _ := env.login(t)

	rec := env.post(t, "/logout", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("logout without CSRF token status = %d, want 401", rec.Code)
	}
}

func TestSessionExtendRotates(t *testing.T) {
	env := newWebEnv(t)
	cookie, token := env.login(t)

	rec := env.post(t, "/session/extend", nil, func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set(csrf.Header, token)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("extend status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp extendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	var newCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			newCookie = c
		}
	}
	if newCookie == nil || newCookie.Value == cookie.Value {
		t.Fatal("extend must replace the session cookie with a new id")
	}
	if env.tokens.SessionID(resp.CSRFToken) != newCookie.Value {
		t.Error("rotated CSRF token must name the new session id")
	}

	// Old credentials stop working.
	if user, _ := env.store.GetSession(context.Background(), cookie.Value); user != nil {
		t.Error("old session id still resolves after rotation")
	}

	// New credentials work on an authenticated route.
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(newCookie)
	recMe := httptest.NewRecorder()
	env.mux.ServeHTTP(recMe, req)
	if recMe.Code != http.StatusOK {
		t.Errorf("GET /me with rotated cookie status = %d", recMe.Code)
	}
}

func TestMeRequiresSession(t *testing.T) {
	env := newWebEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous /me status = %d, want 401", rec.Code)
	}

	cookie, _ := env.login(t)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated /me status = %d", rec.Code)
	}

	var user userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatal(err)
	}
	if user.Username != "ada" {
		t.Errorf("me user = %q", user.Username)
	}
}

func TestAuthenticatedAccessSlidesTTL(t *testing.T) {
	env := newWebEnv(t)
	cookie, _ := env.login(t)

	env.mr.FastForward(5 * time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatal("session should still be valid")
	}

	ttl, err := env.store.SessionTTL(context.Background(), cookie.Value)
	if err != nil {
		t.Fatal(err)
	}
	if ttl < 9*time.Minute {
		t.Errorf("ttl after access = %v, want refreshed to ~10m", ttl)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newWebEnv(t)

	status := 0
	for i := 0; i < ratelimit.RuleLogin.Limit+1; i++ {
		rec := env.post(t, "/login", map[string]string{"username": "ghost", "password": "whatever1"}, nil)
		status = rec.Code
	}
	if status != http.StatusTooManyRequests {
		t.Errorf("status after exceeding the limit = %d, want 429", status)
	}
}

func TestHealth(t *testing.T) {
	env := newWebEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}
