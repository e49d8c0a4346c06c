package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBrowserRedirectedToLogin(t *testing.T) {
	env := newWebEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Errorf("redirect location = %q, want /login", loc)
	}
}

func TestAPIClientGets401(t *testing.T) {
	env := newWebEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
