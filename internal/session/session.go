package session

import (
	"sync"
	"time"

	"wsproxy/internal/store"
	"wsproxy/internal/telemetry"
)

// Session is one live proxied connection pair. All mutable state is guarded
// by mu; the identity fields are set at creation and never change.
type Session struct {
	ID         string
	EndpointID string
	Endpoint   store.Endpoint
	ClientIP   string
	UserAgent  string
	StartedAt  time.Time

	mu           sync.Mutex
	state        store.SessionState
	closed       bool
	msgsIn       uint64
	msgsOut      uint64
	bytesIn      uint64
	bytesOut     uint64
	lastActivity time.Time
	sinceFlush   int
	forceClose   func()
	done         chan struct{}
}

// SetForceClose registers the callback that hard-closes the session's
// sockets. Called when the session is reaped or killed while the relay is
// blocked in a read.
func (s *Session) SetForceClose(fn func()) {
	s.mu.Lock()
	s.forceClose = fn
	s.mu.Unlock()
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() store.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session's cumulative counters.
func (s *Session) Stats() telemetry.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Session) statsLocked() telemetry.SessionStats {
	return telemetry.SessionStats{
		MsgsIn:   s.msgsIn,
		MsgsOut:  s.msgsOut,
		BytesIn:  s.bytesIn,
		BytesOut: s.bytesOut,
	}
}

// Touch records activity without counting a message, e.g. on pong frames.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if !s.closed {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) summaryLocked() telemetry.SessionSummary {
	return telemetry.SessionSummary{
		SessionID:  s.ID,
		EndpointID: s.EndpointID,
		State:      string(s.state),
		ClientIP:   s.ClientIP,
		StartedAt:  s.StartedAt,
		Stats:      s.statsLocked(),
	}
}

// finish transitions the session to a terminal state. It returns false if the
// session was already finished. The returned forceClose callback (possibly
// nil) must be invoked by the caller outside the lock.
func (s *Session) finish(final store.SessionState) (stats telemetry.SessionStats, forceClose func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return telemetry.SessionStats{}, nil, false
	}
	s.closed = true
	s.state = final
	close(s.done)
	return s.statsLocked(), s.forceClose, true
}
