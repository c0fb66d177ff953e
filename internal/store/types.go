package store

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SessionState is the lifecycle state of a proxied session.
//
// Valid transitions: CONNECTING -> CONNECTED -> (CLOSING -> CLOSED | FAILED).
// A direct CONNECTING -> FAILED is permitted (upstream dial failure).
// CLOSED and FAILED are terminal.
type SessionState string

const (
	StateConnecting SessionState = "CONNECTING"
	StateConnected  SessionState = "CONNECTED"
	StateClosing    SessionState = "CLOSING"
	StateClosed     SessionState = "CLOSED"
	StateFailed     SessionState = "FAILED"
)

func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Direction of a relayed message. Inbound is client -> target, outbound is
// target -> client.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Limits is the per-endpoint admission and traffic policy.
//
// Zero values mean "unlimited" (or the caller's default for timeouts).
type Limits struct {
	// MaxConnections caps concurrent live sessions for the endpoint.
	MaxConnections int `yaml:"max_connections"`

	// MaxMessageSize rejects messages strictly larger than this many bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// ConnectionTimeoutMS bounds the upstream dial + handshake.
	ConnectionTimeoutMS int64 `yaml:"connection_timeout_ms"`

	// IdleTimeoutMS closes the session after this long without client traffic.
	IdleTimeoutMS int64 `yaml:"idle_timeout_ms"`

	// RateLimitRPM caps admission attempts per minute for the endpoint.
	RateLimitRPM int `yaml:"rate_limit_rpm"`
}

const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
)

func (l Limits) ConnectionTimeout() time.Duration {
	if l.ConnectionTimeoutMS <= 0 {
		return DefaultConnectionTimeout
	}
	return time.Duration(l.ConnectionTimeoutMS) * time.Millisecond
}

func (l Limits) IdleTimeout() time.Duration {
	if l.IdleTimeoutMS <= 0 {
		return DefaultIdleTimeout
	}
	return time.Duration(l.IdleTimeoutMS) * time.Millisecond
}

// Sampling configures probabilistic payload capture for an endpoint.
type Sampling struct {
	Enabled bool `yaml:"enabled"`

	// SampleRate is the probability in [0,1] that a relayed message is sampled.
	SampleRate float64 `yaml:"sample_rate"`

	// StoreContent controls whether sampled records carry (truncated) payload
	// content or metadata only.
	StoreContent bool `yaml:"store_content"`

	// MaxSampleSize truncates stored content to this many bytes. <= 0 keeps the
	// full payload.
	MaxSampleSize int `yaml:"max_sample_size"`
}

// Endpoint is a named upstream destination with its policy. Read-only for the
// proxy; ownership of the configuration lives outside the data plane.
type Endpoint struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	TargetURL string   `yaml:"target_url"`
	Enabled   bool     `yaml:"enabled"`
	Limits    Limits   `yaml:"limits"`
	Sampling  Sampling `yaml:"sampling"`
}

// Validate checks the invariants an endpoint definition must hold before the
// proxy will route to it.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("endpoint id must not be empty")
	}
	u, err := url.Parse(e.TargetURL)
	if err != nil {
		return fmt.Errorf("endpoint %s: invalid target_url %q: %w", e.ID, e.TargetURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint %s: target_url scheme must be ws or wss, got %q", e.ID, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %s: target_url %q has no host", e.ID, e.TargetURL)
	}
	if e.Limits.MaxConnections < 0 {
		return fmt.Errorf("endpoint %s: max_connections must be >= 0", e.ID)
	}
	if e.Limits.MaxMessageSize < 0 {
		return fmt.Errorf("endpoint %s: max_message_size must be >= 0", e.ID)
	}
	if e.Limits.RateLimitRPM < 0 {
		return fmt.Errorf("endpoint %s: rate_limit_rpm must be >= 0", e.ID)
	}
	if e.Sampling.SampleRate < 0 || e.Sampling.SampleRate > 1 {
		return fmt.Errorf("endpoint %s: sample_rate must be in [0,1], got %v", e.ID, e.Sampling.SampleRate)
	}
	return nil
}

// SessionRecord is the persisted view of a session.
type SessionRecord struct {
	ID         string
	EndpointID string
	State      SessionState
	StartedAt  time.Time
	LastSeen   time.Time

	MsgsIn   uint64
	MsgsOut  uint64
	BytesIn  uint64
	BytesOut uint64
}

// SessionUpdate is a partial update applied to a persisted session row.
// Counter fields are absolute snapshots, not deltas.
type SessionUpdate struct {
	LastSeen time.Time

	MsgsIn   uint64
	MsgsOut  uint64
	BytesIn  uint64
	BytesOut uint64

	// State, when non-nil, also transitions the persisted state.
	State *SessionState
}

// TrafficSample is one captured payload record. Content is already truncated
// and, for binary payloads, base64-encoded.
type TrafficSample struct {
	SessionID  string
	EndpointID string
	Direction  Direction
	Timestamp  time.Time
	SizeBytes  int64
	Binary     bool
	Content    string
}

// AuditEvent records an administrative action.
type AuditEvent struct {
	Timestamp time.Time
	Action    string
	Entity    string
	Details   map[string]string
}
