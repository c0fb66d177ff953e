package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySessionStore is an in-memory SessionStore for development and tests.
type MemorySessionStore struct {
	mu   sync.Mutex
	rows map[string]*SessionRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{rows: make(map[string]*SessionRecord)}
}

func (s *MemorySessionStore) Create(_ context.Context, endpointID string) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	s.rows[id] = &SessionRecord{
		ID:         id,
		EndpointID: endpointID,
		State:      StateConnecting,
		StartedAt:  now,
		LastSeen:   now,
	}
	s.mu.Unlock()
	return id, nil
}

func (s *MemorySessionStore) Update(_ context.Context, id string, upd SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !upd.LastSeen.IsZero() {
		row.LastSeen = upd.LastSeen
	}
	row.MsgsIn = upd.MsgsIn
	row.MsgsOut = upd.MsgsOut
	row.BytesIn = upd.BytesIn
	row.BytesOut = upd.BytesOut
	if upd.State != nil {
		row.State = *upd.State
	}
	return nil
}

func (s *MemorySessionStore) Close(_ context.Context, id string, final SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrSessionNotFound
	}
	row.State = final
	return nil
}

func (s *MemorySessionStore) CountActive(_ context.Context, endpointID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, row := range s.rows {
		if row.EndpointID == endpointID && !row.State.Terminal() {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the row, for tests and diagnostics.
func (s *MemorySessionStore) Get(id string) (SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return SessionRecord{}, false
	}
	return *row, true
}

// MemorySampleStore is an in-memory TrafficSampleStore.
type MemorySampleStore struct {
	mu      sync.Mutex
	samples []TrafficSample
}

func NewMemorySampleStore() *MemorySampleStore {
	return &MemorySampleStore{}
}

func (s *MemorySampleStore) Append(_ context.Context, sample TrafficSample) error {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
	return nil
}

func (s *MemorySampleStore) Samples() []TrafficSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrafficSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// MemoryAuditSink is an in-memory AuditSink.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) Append(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAuditSink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// StaticEndpointStore serves a fixed endpoint set, for tests.
type StaticEndpointStore struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func NewStaticEndpointStore(endpoints ...Endpoint) *StaticEndpointStore {
	m := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		m[ep.ID] = ep
	}
	return &StaticEndpointStore{endpoints: m}
}

func (s *StaticEndpointStore) Get(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return &ep, nil
}

func (s *StaticEndpointStore) Put(ep Endpoint) {
	s.mu.Lock()
	s.endpoints[ep.ID] = ep
	s.mu.Unlock()
}
