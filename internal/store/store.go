// Package store defines the narrow persistence contracts the proxy core
// depends on, the shared data model, and lightweight implementations of both
// (an in-memory session/sample/audit store and a YAML-file endpoint store).
//
// The data plane never talks to a database directly; it degrades per
// contract when a store call fails: admission checks fail closed, sample
// appends are fire-and-forget, and in-memory session state remains the
// source of truth while a session is live.
package store

import (
	"context"
	"errors"
)

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrSessionNotFound  = errors.New("session not found")
)

// EndpointStore resolves endpoint configuration. Implementations must be safe
// for concurrent callers.
type EndpointStore interface {
	// Get returns the endpoint with the given id, or ErrEndpointNotFound.
	Get(ctx context.Context, id string) (*Endpoint, error)
}

// SessionStore persists session rows and their cumulative counters.
// Implementations must be safe for concurrent callers.
type SessionStore interface {
	// Create mints a new session row in state CONNECTING and returns its id.
	Create(ctx context.Context, endpointID string) (string, error)

	// Update applies a counter/state snapshot to an existing row.
	Update(ctx context.Context, id string, upd SessionUpdate) error

	// Close transitions the row to the given terminal state.
	Close(ctx context.Context, id string, final SessionState) error

	// CountActive returns the number of rows in a non-terminal state for the
	// endpoint.
	CountActive(ctx context.Context, endpointID string) (int, error)
}

// TrafficSampleStore appends sampled payload records.
type TrafficSampleStore interface {
	Append(ctx context.Context, sample TrafficSample) error
}

// AuditSink appends administrative audit events.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}
