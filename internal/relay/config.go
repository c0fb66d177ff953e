package relay

import (
	"net/http"
	"time"
)

const (
	DefaultWriteWait    = 10 * time.Second
	DefaultPingInterval = 30 * time.Second

	// Backpressure tiers: above warn, log; above drop, discard messages.
	DefaultBackpressureWarnBytes = 16 * 1024
	DefaultBackpressureDropBytes = 64 * 1024

	// DefaultWarnInterval rate-limits backpressure warnings per session.
	DefaultWarnInterval = time.Second
)

type Config struct {
	// WriteWait bounds each WebSocket write.
	WriteWait time.Duration

	// PingInterval is the keepalive ping cadence on both legs. Must be shorter
	// than the endpoint idle timeout or healthy idle sessions get reaped.
	PingInterval time.Duration

	// BackpressureWarnBytes logs a warning when a peer's send queue exceeds
	// this many buffered bytes.
	BackpressureWarnBytes int

	// BackpressureDropBytes is the send-queue byte budget; messages that would
	// exceed it are dropped.
	BackpressureDropBytes int

	// WarnInterval is the minimum time between backpressure warnings for one
	// session leg.
	WarnInterval time.Duration

	// CheckOrigin guards the client-side upgrade. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) WithDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.BackpressureWarnBytes <= 0 {
		c.BackpressureWarnBytes = DefaultBackpressureWarnBytes
	}
	if c.BackpressureDropBytes <= 0 {
		c.BackpressureDropBytes = DefaultBackpressureDropBytes
	}
	if c.BackpressureWarnBytes > c.BackpressureDropBytes {
		c.BackpressureWarnBytes = c.BackpressureDropBytes
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = DefaultWarnInterval
	}
	return c
}
