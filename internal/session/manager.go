// Package session owns the registry of live proxied sessions: lifecycle
// transitions, per-session counters, admission limits, periodic stat flushes,
// payload sampling, and stale-session reaping.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"wsproxy/internal/metrics"
	"wsproxy/internal/ratelimit"
	"wsproxy/internal/store"
	"wsproxy/internal/telemetry"
)

// Admission failures. The relay maps these onto WebSocket close codes.
var (
	ErrRateLimited     = errors.New("endpoint rate limit exceeded")
	ErrConnectionLimit = errors.New("endpoint connection limit reached")
)

const (
	DefaultFlushEveryMessages = 10
	DefaultFlushInterval      = 30 * time.Second
	DefaultReaperInterval     = 5 * time.Minute
	DefaultStaleThreshold     = 30 * time.Minute
	DefaultSampleQueueDepth   = 256
)

type Config struct {
	// FlushEveryMessages flushes a session's counters to the store and bus
	// after this many relayed messages.
	FlushEveryMessages int

	// FlushInterval flushes all active sessions regardless of traffic.
	FlushInterval time.Duration

	// ReaperInterval is how often stale sessions are scanned for.
	ReaperInterval time.Duration

	// StaleThreshold reaps sessions with no activity for this long. This is a
	// backstop behind the per-endpoint idle timeout.
	StaleThreshold time.Duration

	// RateWindow is the admission rate-limit window.
	RateWindow time.Duration

	// SampleQueueDepth bounds the queue between the data path and the sample
	// store writer.
	SampleQueueDepth int
}

func (c Config) WithDefaults() Config {
	if c.FlushEveryMessages <= 0 {
		c.FlushEveryMessages = DefaultFlushEveryMessages
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.RateWindow <= 0 {
		c.RateWindow = ratelimit.DefaultWindow
	}
	if c.SampleQueueDepth <= 0 {
		c.SampleQueueDepth = DefaultSampleQueueDepth
	}
	return c
}

type Options struct {
	Config   Config
	Sessions store.SessionStore
	Samples  store.TrafficSampleStore
	Metrics  *metrics.Metrics
	Bus      telemetry.Publisher
	Clock    ratelimit.Clock
	Logger   *slog.Logger
}

// Manager implements the telemetry StatsSource and SessionKiller interfaces
// on top of the live-session registry.
type Manager struct {
	cfg     Config
	records store.SessionStore
	samples store.TrafficSampleStore
	metrics *metrics.Metrics
	bus     telemetry.Publisher
	clock   ratelimit.Clock
	log     *slog.Logger
	rate    *ratelimit.FixedWindow

	mu       sync.Mutex
	sessions map[string]*Session
	total    uint64

	sampleCh chan store.TrafficSample
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	cfg := opts.Config.WithDefaults()
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:      cfg,
		records:  opts.Sessions,
		samples:  opts.Samples,
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		clock:    clock,
		log:      logger,
		rate:     ratelimit.NewFixedWindow(clock, cfg.RateWindow),
		sessions: make(map[string]*Session),
		sampleCh: make(chan store.TrafficSample, cfg.SampleQueueDepth),
		stop:     make(chan struct{}),
	}
}

// SetBus wires the telemetry publisher. The bus needs the manager as its
// stats source and killer, so it is constructed second and attached here.
// Must be called before Start.
func (m *Manager) SetBus(bus telemetry.Publisher) {
	m.bus = bus
}

// Start launches the maintenance loop and the sample store writer.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.runMaintenance()
	go m.runSampleWriter()
}

// AllowRate records an admission attempt for the endpoint and reports whether
// it is within the endpoint's per-minute budget.
func (m *Manager) AllowRate(endpointID string, limitRPM int) bool {
	return m.rate.Allow(endpointID, limitRPM)
}

// CheckConnectionLimit enforces the endpoint's concurrent-session cap. The
// local registry is authoritative for this instance; the store count covers
// sessions owned elsewhere. A store failure denies admission.
func (m *Manager) CheckConnectionLimit(ctx context.Context, ep *store.Endpoint) error {
	max := ep.Limits.MaxConnections
	if max <= 0 {
		return nil
	}

	n, err := m.records.CountActive(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("count active sessions for %s: %w", ep.ID, err)
	}
	if local := len(m.ActiveSessionsFor(ep.ID)); local > n {
		n = local
	}
	if n >= max {
		return ErrConnectionLimit
	}
	return nil
}

// CreateSession registers a new session in CONNECTING state.
func (m *Manager) CreateSession(ctx context.Context, ep *store.Endpoint, clientIP, userAgent string) (*Session, error) {
	id, err := m.records.Create(ctx, ep.ID)
	if err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}

	now := m.clock.Now()
	s := &Session{
		ID:           id,
		EndpointID:   ep.ID,
		Endpoint:     *ep,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		StartedAt:    now,
		state:        store.StateConnecting,
		lastActivity: now,
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.total++
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(active)
	m.log.Info("session created",
		"session_id", id, "endpoint_id", ep.ID, "client_ip", clientIP)
	return s, nil
}

// BindTarget marks the session CONNECTED once the upstream handshake
// succeeds, and announces it on the bus.
func (m *Manager) BindTarget(ctx context.Context, s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = store.StateConnected
	s.mu.Unlock()

	state := store.StateConnected
	if err := m.records.Update(ctx, s.ID, store.SessionUpdate{
		LastSeen: m.clock.Now(),
		State:    &state,
	}); err != nil {
		m.log.Warn("session store update failed", "session_id", s.ID, "err", err)
	}

	m.metrics.SessionStarted()
	m.publish(telemetry.NewSessionStarted(s.ID, s.EndpointID, s.ClientIP))
}

// TrackMessage accounts one successfully relayed message: counters, activity,
// metrics, the messageMeta event, probabilistic sampling, and the periodic
// counter flush. It is a no-op once the session is terminal, which also
// guarantees no session event is published after sessionEnded.
func (m *Manager) TrackMessage(ctx context.Context, s *Session, dir store.Direction, payload []byte, binary bool) {
	size := int64(len(payload))
	now := m.clock.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch dir {
	case store.DirectionInbound:
		s.msgsIn++
		s.bytesIn += uint64(size)
	default:
		s.msgsOut++
		s.bytesOut += uint64(size)
	}
	s.lastActivity = now
	s.sinceFlush++
	flush := s.sinceFlush >= m.cfg.FlushEveryMessages
	if flush {
		s.sinceFlush = 0
	}
	stats := s.statsLocked()

	m.metrics.RecordForward(string(dir), size)
	m.publish(telemetry.NewMessageMeta(s.ID, s.EndpointID, string(dir), size))

	sp := s.Endpoint.Sampling
	if sp.Enabled && sp.SampleRate > 0 && rand.Float64() < sp.SampleRate {
		m.sampleLocked(s, dir, payload, binary, size, now)
	}
	if flush {
		m.publish(telemetry.NewSessionUpdated(s.ID, s.EndpointID, stats))
	}
	s.mu.Unlock()

	if flush {
		m.persistStats(ctx, s.ID, stats, now)
	}
}

// sampleLocked captures one payload sample. Called with s.mu held.
func (m *Manager) sampleLocked(s *Session, dir store.Direction, payload []byte, binary bool, size int64, now time.Time) {
	sp := s.Endpoint.Sampling

	content := ""
	if sp.StoreContent {
		data := payload
		if sp.MaxSampleSize > 0 && len(data) > sp.MaxSampleSize {
			data = data[:sp.MaxSampleSize]
		}
		if binary {
			content = base64.StdEncoding.EncodeToString(data)
		} else {
			content = string(data)
		}
	}

	m.publish(telemetry.NewSampledPayload(s.ID, s.EndpointID, string(dir), size, content, now))

	sample := store.TrafficSample{
		SessionID:  s.ID,
		EndpointID: s.EndpointID,
		Direction:  dir,
		Timestamp:  now,
		SizeBytes:  size,
		Binary:     binary,
		Content:    content,
	}
	select {
	case m.sampleCh <- sample:
	default:
		m.metrics.RecordDrop(metrics.DropSampleQueueFull)
		m.log.Warn("sample queue full, dropping sample", "session_id", s.ID)
	}
}

func (m *Manager) persistStats(ctx context.Context, id string, stats telemetry.SessionStats, now time.Time) {
	if err := m.records.Update(ctx, id, store.SessionUpdate{
		LastSeen: now,
		MsgsIn:   stats.MsgsIn,
		MsgsOut:  stats.MsgsOut,
		BytesIn:  stats.BytesIn,
		BytesOut: stats.BytesOut,
	}); err != nil {
		m.log.Warn("session store update failed", "session_id", id, "err", err)
	}
}

// CloseSession moves the session to a terminal state, persists final
// counters, emits sessionEnded, and hard-closes the sockets if the relay
// registered a force-close hook. Idempotent; reports whether this call
// performed the close.
func (m *Manager) CloseSession(ctx context.Context, id string, final store.SessionState, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	stats, forceClose, ok := s.finish(final)
	if !ok {
		return false
	}

	m.mu.Lock()
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()

	if forceClose != nil {
		forceClose()
	}

	now := m.clock.Now()
	m.persistStats(ctx, id, stats, now)
	if err := m.records.Close(ctx, id, final); err != nil {
		m.log.Warn("session store close failed", "session_id", id, "err", err)
	}

	duration := now.Sub(s.StartedAt)
	m.metrics.SessionEnded(string(final))
	m.metrics.SetActiveSessions(active)
	m.publish(telemetry.NewSessionEnded(s.ID, s.EndpointID, reason, duration, stats))
	m.log.Info("session ended",
		"session_id", id, "endpoint_id", s.EndpointID,
		"state", string(final), "reason", reason, "duration", duration)
	return true
}

// BeginClosing marks a connected session as CLOSING for the duration of the
// close handshake.
func (m *Manager) BeginClosing(s *Session) {
	s.mu.Lock()
	if !s.closed && s.state == store.StateConnected {
		s.state = store.StateClosing
	}
	s.mu.Unlock()
}

// Kill force-terminates a session. Implements telemetry.SessionKiller.
func (m *Manager) Kill(id string) bool {
	return m.CloseSession(context.Background(), id, store.StateFailed, "killed")
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveSessionsFor returns summaries of the registered sessions for one
// endpoint.
func (m *Manager) ActiveSessionsFor(endpointID string) []telemetry.SessionSummary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.EndpointID == endpointID {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	return summarize(sessions)
}

// Statistics implements telemetry.StatsSource.
func (m *Manager) Statistics() telemetry.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := telemetry.Stats{
		ActiveConnections: len(m.sessions),
		TotalSessions:     m.total,
		PerEndpoint:       make(map[string]telemetry.EndpointStats),
	}
	for _, s := range m.sessions {
		ss := s.Stats()
		ep := stats.PerEndpoint[s.EndpointID]
		ep.Sessions++
		ep.TotalMessages += ss.MsgsIn + ss.MsgsOut
		ep.TotalBytes += ss.BytesIn + ss.BytesOut
		stats.PerEndpoint[s.EndpointID] = ep
	}
	return stats
}

// ActiveSummaries implements telemetry.StatsSource.
func (m *Manager) ActiveSummaries() []telemetry.SessionSummary {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	return summarize(sessions)
}

func summarize(sessions []*Session) []telemetry.SessionSummary {
	out := make([]telemetry.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.summaryLocked())
		s.mu.Unlock()
	}
	return out
}

func (m *Manager) runMaintenance() {
	defer m.wg.Done()

	flush := time.NewTicker(m.cfg.FlushInterval)
	defer flush.Stop()
	reap := time.NewTicker(m.cfg.ReaperInterval)
	defer reap.Stop()

	for {
		select {
		case <-flush.C:
			m.flushAll(context.Background())
		case <-reap.C:
			m.reap(context.Background())
		case <-m.stop:
			return
		}
	}
}

// flushAll emits a sessionUpdated event and persists counters for every
// session that has relayed traffic since its last flush.
func (m *Manager) flushAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	for _, s := range sessions {
		s.mu.Lock()
		if s.closed || s.sinceFlush == 0 {
			s.mu.Unlock()
			continue
		}
		s.sinceFlush = 0
		stats := s.statsLocked()
		m.publish(telemetry.NewSessionUpdated(s.ID, s.EndpointID, stats))
		s.mu.Unlock()

		m.persistStats(ctx, s.ID, stats, now)
	}
}

// reap closes sessions with no activity past the stale threshold and evicts
// expired rate-limit buckets.
func (m *Manager) reap(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		s.mu.Unlock()
		if idle > m.cfg.StaleThreshold {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Warn("reaping stale session", "session_id", id)
		m.CloseSession(ctx, id, store.StateFailed, "stale")
	}
	m.rate.EvictExpired()
}

func (m *Manager) runSampleWriter() {
	defer m.wg.Done()

	for {
		select {
		case sample := <-m.sampleCh:
			m.writeSample(sample)
		case <-m.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case sample := <-m.sampleCh:
					m.writeSample(sample)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) writeSample(sample store.TrafficSample) {
	if m.samples == nil {
		return
	}
	if err := m.samples.Append(context.Background(), sample); err != nil {
		m.log.Warn("sample store append failed", "session_id", sample.SessionID, "err", err)
		return
	}
	m.metrics.SampleStored()
}

// Drain waits for active sessions to end naturally, up to ctx's deadline.
func (m *Manager) Drain(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for m.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown closes all remaining sessions and stops the background loops.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CloseSession(ctx, id, store.StateClosed, "shutdown")
	}

	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) publish(evt telemetry.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(evt)
}
