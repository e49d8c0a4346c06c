// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and room counts, and counters for
// authentication, presence, and session lifecycle events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket
	// connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	// RoomsActive tracks the number of chat rooms with at least one local
	// member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_active",
		Help: "Current number of chat rooms with local members",
	})

	// AuthFailures counts failed authentication attempts, labeled by
	// reason: "missing_cookie", "session_not_found", "cache_error",
	// "csrf_invalid", "csrf_mismatch".
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Total failed authentication attempts",
	}, []string{"reason"})

	// PresenceEvents counts broadcast presence events by kind: "online",
	// "offline", "typing", "expiry_warning".
	PresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_presence_events_total",
		Help: "Total presence events broadcast to rooms",
	}, []string{"kind"})

	// DuplicateEvictions counts prior connections force-disconnected when a
	// session reconnected.
	DuplicateEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_duplicate_evictions_total",
		Help: "Total stale connections evicted on duplicate login",
	})

	// SessionRotations counts completed session-id rotations.
	SessionRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_session_rotations_total",
		Help: "Total completed session rotations",
	})

	// ExpiryWarnings counts expiry warnings delivered to clients.
	ExpiryWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_expiry_warnings_total",
		Help: "Total session expiry warnings sent",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		AuthFailures,
		PresenceEvents,
		DuplicateEvictions,
		SessionRotations,
		ExpiryWarnings,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
