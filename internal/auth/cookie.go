package auth

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// CookieName is the session cookie all clients carry.
const CookieName = "chatSessionId"

// SessionIDFromRequest returns the session id from the request cookie, or
// "" when the cookie is absent.
func SessionIDFromRequest(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetSessionCookie writes the session cookie with the given remaining TTL
// as its max-age. The Secure attribute is set only for https requests to a
// non-localhost host, so local development over plain http still works.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecureRequest(r),
	})
}

// ClearSessionCookie expires the session cookie immediately.
func ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecureRequest(r),
	})
}

func isSecureRequest(r *http.Request) bool {
	if r.TLS == nil {
		return false
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	return host != "localhost" && host != "127.0.0.1" && host != "::1"
}
