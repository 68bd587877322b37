// Package transport keeps track of live inbound sessions so the pickup
// protocol handler can resolve a return-route channel for a recipient key.
// Session lifecycle (accept, handshake, teardown) belongs to the server
// that owns the listener; the registry only indexes what is currently open.
package transport

import (
	"sync"

	"pickuprelay/internal/metrics"
	"pickuprelay/internal/privacy"
	"pickuprelay/internal/protocol"

	"github.com/sirupsen/logrus"
)

// Registry indexes live sessions by their reply keys.
type Registry struct {
	mu       sync.RWMutex
	sessions []*WebSocketSession
	logger   *logrus.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a live session.
func (r *Registry) Register(s *WebSocketSession) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	active := len(r.sessions)
	r.mu.Unlock()

	metrics.SetGauge("sessions_active", float64(active), nil, "Currently registered live sessions")
	r.logger.WithField("sessions", active).Debug("Session registered")
}

// Unregister removes a session, typically on disconnect.
func (r *Registry) Unregister(s *WebSocketSession) {
	r.mu.Lock()
	for i, existing := range r.sessions {
		if existing == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	active := len(r.sessions)
	r.mu.Unlock()

	metrics.SetGauge("sessions_active", float64(active), nil, "Currently registered live sessions")
	r.logger.WithField("sessions", active).Debug("Session unregistered")
}

// ResolveSession returns the most recently opened live session that can
// carry replies for the given recipient key.
func (r *Registry) ResolveSession(recipientKey string) (protocol.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i].HasReplyKey(recipientKey) {
			return r.sessions[i], true
		}
	}
	r.logger.WithField("recipient_key", privacy.MaskRecipientKey(recipientKey)).
		Debug("No live session for recipient key")
	return nil, false
}
