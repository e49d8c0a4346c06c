// Package session manages authenticated user sessions and their socket
// bindings. Session records live in Redis with a sliding TTL so that
// web-tier restarts do not log users out; each session is bound to at most
// one live real-time connection at a time, and a binding always expires
// together with its parent session.
package session
