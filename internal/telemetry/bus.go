// Package telemetry implements the in-process event bus that fans session
// lifecycle, message metadata, and sampled payloads out to operator
// subscribers, and routes control commands back from them.
//
// Delivery is best-effort and unretained: each subscriber has a bounded
// queue drained by its own writer goroutine, so a stalled subscriber never
// blocks a publisher. When a queue fills, the subscriber is evicted.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wsproxy/internal/metrics"
	"wsproxy/internal/store"
)

// StatsSource provides the snapshot delivered to a subscriber on connect.
type StatsSource interface {
	Statistics() Stats
	ActiveSummaries() []SessionSummary
}

// SessionKiller force-terminates a live session. Reports whether the session
// existed.
type SessionKiller interface {
	Kill(sessionID string) bool
}

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(evt Event)
}

const (
	DefaultQueueDepth   = 64
	DefaultPingInterval = 20 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
	DefaultWriteWait    = 5 * time.Second

	// maxCommandBytes bounds inbound control frames. Commands are tiny; anything
	// bigger is a misbehaving client.
	maxCommandBytes = 4 * 1024
)

type Options struct {
	Logger  *slog.Logger
	Stats   StatsSource
	Killer  SessionKiller
	Audit   store.AuditSink
	Metrics *metrics.Metrics

	// CheckOrigin guards the WebSocket upgrade. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool

	QueueDepth   int
	PingInterval time.Duration
	IdleTimeout  time.Duration
	WriteWait    time.Duration
}

type Bus struct {
	log     *slog.Logger
	stats   StatsSource
	killer  SessionKiller
	audit   store.AuditSink
	metrics *metrics.Metrics

	queueDepth   int
	pingInterval time.Duration
	idleTimeout  time.Duration
	writeWait    time.Duration

	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn   *websocket.Conn
	remote string

	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func NewBus(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	writeWait := opts.WriteWait
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}

	b := &Bus{
		log:          logger,
		stats:        opts.Stats,
		killer:       opts.Killer,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		queueDepth:   queueDepth,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
		writeWait:    writeWait,
		subs:         make(map[*subscriber]struct{}),
	}
	b.upgrader = websocket.Upgrader{}
	if opts.CheckOrigin != nil {
		b.upgrader.CheckOrigin = opts.CheckOrigin
	} else {
		b.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return b
}

// Publish enqueues evt to every current subscriber. Subscribers whose queue
// is full are evicted after the fan-out iteration, never mid-iteration.
func (b *Bus) Publish(evt Event) {
	var slow []*subscriber

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range slow {
		b.log.Warn("evicting slow telemetry subscriber", "remote", sub.remote)
		b.metrics.RecordDrop(metrics.DropSlowSubscriber)
		b.closeSubscriber(sub, websocket.CloseTryAgainLater, "subscriber too slow")
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close evicts all subscribers with close code 1001 and rejects future
// subscriptions. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.closeSubscriber(sub, websocket.CloseGoingAway, "shutting down")
	}
}

func (b *Bus) closeSubscriber(sub *subscriber, code int, reason string) {
	b.mu.Lock()
	_, present := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if present {
		deadline := time.Now().Add(b.writeWait)
		_ = sub.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		b.metrics.SubscriberDisconnected()
	}
	sub.stop()
}

// ServeHTTP registers the caller as a telemetry subscriber. The first event
// delivered is always the currentStats snapshot.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &subscriber{
		conn:   conn,
		remote: r.RemoteAddr,
		// +1 so the snapshot never competes with published events for space.
		ch:   make(chan Event, b.queueDepth+1),
		done: make(chan struct{}),
	}

	snapshot := NewCurrentStats(b.statsSnapshot())

	// Registration and snapshot enqueue happen under the bus lock so no
	// publish can be ordered ahead of the snapshot for this subscriber.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		deadline := time.Now().Add(b.writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		_ = conn.Close()
		return
	}
	sub.ch <- snapshot
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.metrics.SubscriberConnected()
	b.log.Info("telemetry subscriber connected", "remote", sub.remote)
	defer b.log.Info("telemetry subscriber disconnected", "remote", sub.remote)

	go b.writeLoop(sub)
	b.readLoop(r.Context(), sub)
}

func (b *Bus) statsSnapshot() (Stats, []SessionSummary) {
	if b.stats == nil {
		return Stats{PerEndpoint: map[string]EndpointStats{}}, nil
	}
	return b.stats.Statistics(), b.stats.ActiveSummaries()
}

func (b *Bus) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt := <-sub.ch:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(b.writeWait))
			if err := sub.conn.WriteJSON(evt); err != nil {
				b.dropSubscriber(sub)
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.writeWait)); err != nil {
				b.dropSubscriber(sub)
				return
			}
		case <-sub.done:
			return
		}
	}
}

// dropSubscriber removes a subscriber whose socket failed; no close frame is
// attempted since the connection is already unusable.
func (b *Bus) dropSubscriber(sub *subscriber) {
	b.mu.Lock()
	_, present := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if present {
		b.metrics.SubscriberDisconnected()
	}
	sub.stop()
}

func (b *Bus) readLoop(ctx context.Context, sub *subscriber) {
	sub.conn.SetReadLimit(maxCommandBytes)
	_ = sub.conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
	})

	for {
		var cmd Command
		if err := sub.conn.ReadJSON(&cmd); err != nil {
			b.dropSubscriber(sub)
			return
		}
		_ = sub.conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
		b.handleCommand(ctx, sub, cmd)
	}
}

func (b *Bus) handleCommand(ctx context.Context, sub *subscriber, cmd Command) {
	switch cmd.Type {
	case CommandSessionKill:
		sessionID := cmd.Data.SessionID
		if sessionID == "" {
			b.deliver(sub, NewCommandError(cmd.Type, "", "missing sessionId"))
			return
		}
		if b.killer == nil {
			b.deliver(sub, NewCommandError(cmd.Type, sessionID, "kill not supported"))
			return
		}

		killed := b.killer.Kill(sessionID)
		b.appendAudit(ctx, sub, sessionID, killed)
		if killed {
			b.deliver(sub, NewCommandResult(cmd.Type, sessionID, true))
		} else {
			b.deliver(sub, NewCommandError(cmd.Type, sessionID, "session not found"))
		}
	default:
		b.deliver(sub, NewCommandError(cmd.Type, "", "unknown command"))
	}
}

func (b *Bus) appendAudit(ctx context.Context, sub *subscriber, sessionID string, killed bool) {
	if b.audit == nil {
		return
	}
	err := b.audit.Append(ctx, store.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    CommandSessionKill,
		Entity:    sessionID,
		Details: map[string]string{
			"subscriber": sub.remote,
			"killed":     boolString(killed),
		},
	})
	if err != nil {
		b.log.Error("audit append failed", "action", CommandSessionKill, "session_id", sessionID, "err", err)
	}
}

// deliver sends a command response to the issuing subscriber only.
func (b *Bus) deliver(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
	default:
		b.metrics.RecordDrop(metrics.DropSlowSubscriber)
		b.closeSubscriber(sub, websocket.CloseTryAgainLater, "subscriber too slow")
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
