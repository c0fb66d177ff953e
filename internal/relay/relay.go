// Package relay is the data plane: it upgrades client connections, enforces
// per-endpoint admission policy, dials the upstream target, and pumps
// messages in both directions until either side closes.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"wsproxy/internal/metrics"
	"wsproxy/internal/session"
	"wsproxy/internal/store"
)

type Handler struct {
	cfg       Config
	endpoints store.EndpointStore
	manager   *session.Manager
	metrics   *metrics.Metrics
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

func NewHandler(cfg Config, endpoints store.EndpointStore, manager *session.Manager, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{
		cfg:       cfg.WithDefaults(),
		endpoints: endpoints,
		manager:   manager,
		metrics:   m,
		log:       logger,
	}
	h.upgrader = websocket.Upgrader{}
	if cfg.CheckOrigin != nil {
		h.upgrader.CheckOrigin = cfg.CheckOrigin
	} else {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

// ServeHTTP handles one proxied connection. Admission runs after the upgrade
// so rejections can carry a close frame with a reason; it blocks until the
// session ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpointID := r.PathValue("endpoint")
	if endpointID == "" {
		h.BadPath(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	ctx := r.Context()

	ep, err := h.endpoints.Get(ctx, endpointID)
	if err != nil {
		if errors.Is(err, store.ErrEndpointNotFound) {
			h.reject(conn, websocket.CloseInternalServerErr, "endpoint not found", metrics.DropEndpointNotFound)
		} else {
			h.log.Error("endpoint lookup failed", "endpoint_id", endpointID, "err", err)
			h.reject(conn, websocket.CloseInternalServerErr, "internal error", metrics.DropInternal)
		}
		return
	}
	if !ep.Enabled {
		h.reject(conn, websocket.CloseInternalServerErr, "endpoint disabled", metrics.DropEndpointDisabled)
		return
	}
	if err := h.manager.CheckConnectionLimit(ctx, ep); err != nil {
		if errors.Is(err, session.ErrConnectionLimit) {
			h.reject(conn, websocket.CloseInternalServerErr, "connection limit exceeded", metrics.DropConnectionLimit)
		} else {
			h.log.Error("connection limit check failed", "endpoint_id", ep.ID, "err", err)
			h.reject(conn, websocket.CloseInternalServerErr, "internal error", metrics.DropInternal)
		}
		return
	}
	if !h.manager.AllowRate(ep.ID, ep.Limits.RateLimitRPM) {
		h.reject(conn, websocket.CloseInternalServerErr, "rate limit exceeded", metrics.DropRateLimited)
		return
	}

	sess, err := h.manager.CreateSession(ctx, ep, clientIP(r), r.UserAgent())
	if err != nil {
		h.log.Error("session create failed", "endpoint_id", ep.ID, "err", err)
		h.reject(conn, websocket.CloseInternalServerErr, "internal error", metrics.DropInternal)
		return
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  ep.Limits.ConnectionTimeout(),
		EnableCompression: false,
	}
	target, resp, err := dialer.DialContext(ctx, ep.TargetURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		h.log.Warn("upstream dial failed",
			"endpoint_id", ep.ID, "target", ep.TargetURL, "err", err)
		h.metrics.RecordDrop(metrics.DropUpstreamDial)
		h.manager.CloseSession(ctx, sess.ID, store.StateFailed, "upstream-unreachable")
		h.reject(conn, websocket.CloseInternalServerErr, "upstream-unreachable", "")
		return
	}

	if ep.Limits.MaxMessageSize > 0 {
		conn.SetReadLimit(ep.Limits.MaxMessageSize)
		target.SetReadLimit(ep.Limits.MaxMessageSize)
	}

	l := &link{
		h:        h,
		sess:     sess,
		client:   conn,
		target:   target,
		toClient: newSendQueue(h.cfg.BackpressureDropBytes),
		toTarget: newSendQueue(h.cfg.BackpressureDropBytes),
	}
	sess.SetForceClose(l.forceClose)
	h.manager.BindTarget(ctx, sess)
	l.run()
}

// BadPath handles malformed data-plane paths: the upgrade is completed so
// the client receives a protocol-error close frame rather than a bare HTTP
// error.
func (h *Handler) BadPath(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.reject(conn, websocket.CloseProtocolError, "missing endpoint id", "")
}

// reject closes a connection that failed admission. An empty dropReason
// means the drop was already counted.
func (h *Handler) reject(conn *websocket.Conn, code int, reason, dropReason string) {
	if dropReason != "" {
		h.metrics.RecordDrop(dropReason)
	}
	deadline := time.Now().Add(h.cfg.WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// link is one proxied connection pair with its two send queues.
type link struct {
	h      *Handler
	sess   *session.Session
	client *websocket.Conn
	target *websocket.Conn

	// toTarget buffers client -> target, toClient buffers target -> client.
	toClient *sendQueue
	toTarget *sendQueue

	endOnce sync.Once

	warnInbound  atomic.Int64 // unix nanos of last backpressure warning
	warnOutbound atomic.Int64
}

func (l *link) run() {
	idle := l.sess.Endpoint.Limits.IdleTimeout()

	_ = l.client.SetReadDeadline(time.Now().Add(idle))
	l.client.SetPongHandler(func(string) error {
		l.sess.Touch(time.Now())
		return l.client.SetReadDeadline(time.Now().Add(idle))
	})

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		l.writePump(l.target, l.toTarget, store.DirectionInbound)
	}()
	go func() {
		defer wg.Done()
		l.writePump(l.client, l.toClient, store.DirectionOutbound)
	}()
	go func() {
		defer wg.Done()
		l.keepalive()
	}()
	go func() {
		defer wg.Done()
		l.readTarget()
	}()

	l.readClient(idle)
	wg.Wait()
}

func (l *link) readClient(idle time.Duration) {
	for {
		msgType, data, err := l.client.ReadMessage()
		if err != nil {
			l.endClient(err)
			return
		}
		_ = l.client.SetReadDeadline(time.Now().Add(idle))
		l.forward(store.DirectionInbound, l.toTarget, msgType, data)
	}
}

func (l *link) readTarget() {
	for {
		msgType, data, err := l.target.ReadMessage()
		if err != nil {
			l.endTarget(err)
			return
		}
		l.forward(store.DirectionOutbound, l.toClient, msgType, data)
	}
}

// forward enqueues one message toward the peer, applying the two
// backpressure tiers.
func (l *link) forward(dir store.Direction, q *sendQueue, msgType int, data []byte) {
	if buffered := q.Buffered(); buffered > l.h.cfg.BackpressureWarnBytes {
		l.warnBackpressure(dir, buffered)
	}
	if !q.Enqueue(msgType, data) {
		l.h.metrics.RecordDrop(metrics.DropBackpressure)
		l.h.log.Warn("send queue full, dropping message",
			"session_id", l.sess.ID, "direction", string(dir), "size", len(data))
	}
}

func (l *link) warnBackpressure(dir store.Direction, buffered int) {
	last := &l.warnInbound
	if dir == store.DirectionOutbound {
		last = &l.warnOutbound
	}
	now := time.Now().UnixNano()
	prev := last.Load()
	if now-prev < l.h.cfg.WarnInterval.Nanoseconds() {
		return
	}
	if !last.CompareAndSwap(prev, now) {
		return
	}
	l.h.log.Warn("send queue backpressure",
		"session_id", l.sess.ID, "direction", string(dir), "buffered_bytes", buffered)
}

// writePump drains one send queue onto its socket. A message counts as
// relayed only after the write succeeds.
func (l *link) writePump(conn *websocket.Conn, q *sendQueue, dir store.Direction) {
	for {
		msgType, data, ok := q.Dequeue()
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(l.h.cfg.WriteWait))
		if err := conn.WriteMessage(msgType, data); err != nil {
			if dir == store.DirectionInbound {
				l.end(store.StateFailed, "target-error", websocket.CloseInternalServerErr, "upstream error")
			} else {
				l.end(store.StateFailed, "client-error", websocket.CloseInternalServerErr, "")
			}
			return
		}
		l.h.manager.TrackMessage(context.Background(), l.sess, dir, data, msgType == websocket.BinaryMessage)
	}
}

func (l *link) keepalive() {
	ticker := time.NewTicker(l.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(l.h.cfg.WriteWait)
			if err := l.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			_ = l.target.WriteControl(websocket.PingMessage, nil, deadline)
		case <-l.sess.Done():
			return
		}
	}
}

func (l *link) endClient(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		l.h.metrics.RecordDrop(metrics.DropMessageTooLarge)
		l.end(store.StateFailed, "message-too-large", websocket.CloseInternalServerErr, "message too large")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		l.end(store.StateClosed, "normal", websocket.CloseNormalClosure, "")
	case isTimeout(err):
		l.end(store.StateClosed, "idle-timeout", websocket.CloseNormalClosure, "idle timeout")
	default:
		l.end(store.StateFailed, "client-error", websocket.CloseInternalServerErr, "")
	}
}

func (l *link) endTarget(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		l.h.metrics.RecordDrop(metrics.DropMessageTooLarge)
		l.end(store.StateFailed, "message-too-large", websocket.CloseInternalServerErr, "message too large")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		l.end(store.StateClosed, "normal", websocket.CloseNormalClosure, "")
	default:
		l.end(store.StateFailed, "target-error", websocket.CloseInternalServerErr, "upstream error")
	}
}

// end tears the pair down exactly once: close frames out, session closed in
// the registry, queues and sockets released.
func (l *link) end(final store.SessionState, reason string, code int, text string) {
	l.endOnce.Do(func() {
		if final == store.StateClosed {
			l.h.manager.BeginClosing(l.sess)
		}
		deadline := time.Now().Add(l.h.cfg.WriteWait)
		_ = l.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = l.target.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		l.h.manager.CloseSession(context.Background(), l.sess.ID, final, reason)
		l.forceClose()
	})
}

// forceClose hard-releases both sockets and queues. Registered with the
// session so kills and reaps can unblock the read loops.
func (l *link) forceClose() {
	l.toClient.Close()
	l.toTarget.Close()
	_ = l.client.Close()
	_ = l.target.Close()
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
