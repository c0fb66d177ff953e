package telemetry

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"wsproxy/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStats struct {
	stats    Stats
	sessions []SessionSummary
}

func (f *fakeStats) Statistics() Stats                 { return f.stats }
func (f *fakeStats) ActiveSummaries() []SessionSummary { return f.sessions }

type fakeKiller struct {
	killed []string
	ok     bool
}

func (f *fakeKiller) Kill(sessionID string) bool {
	f.killed = append(f.killed, sessionID)
	return f.ok
}

func dialBus(t *testing.T, b *Bus) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(b)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return evt
}

func TestBus_SnapshotDeliveredFirst(t *testing.T) {
	stats := &fakeStats{
		stats: Stats{
			ActiveConnections: 2,
			TotalSessions:     7,
			PerEndpoint: map[string]EndpointStats{
				"chat": {Sessions: 2, TotalMessages: 40, TotalBytes: 1024},
			},
		},
		sessions: []SessionSummary{
			{SessionID: "s1", EndpointID: "chat", State: "CONNECTED", ClientIP: "10.0.0.1"},
		},
	}
	b := NewBus(Options{Stats: stats})
	defer b.Close()

	conn, cleanup := dialBus(t, b)
	defer cleanup()

	evt := readEvent(t, conn)
	if evt.Type != TypeCurrentStats {
		t.Fatalf("first event type = %q, want %q", evt.Type, TypeCurrentStats)
	}

	raw, _ := json.Marshal(evt.Data)
	var data CurrentStatsData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if data.Stats.ActiveConnections != 2 || data.Stats.TotalSessions != 7 {
		t.Fatalf("snapshot stats = %+v", data.Stats)
	}
	if len(data.Sessions) != 1 || data.Sessions[0].SessionID != "s1" {
		t.Fatalf("snapshot sessions = %+v", data.Sessions)
	}
}

func TestBus_PublishPreservesOrderPerSubscriber(t *testing.T) {
	b := NewBus(Options{Stats: &fakeStats{}})
	defer b.Close()

	conn, cleanup := dialBus(t, b)
	defer cleanup()

	readEvent(t, conn) // snapshot

	for i := 0; i < 5; i++ {
		b.Publish(NewSessionStarted("s", "ep", "10.0.0.1"))
		b.Publish(NewSessionEnded("s", "ep", "normal", time.Second, SessionStats{}))
	}

	for i := 0; i < 5; i++ {
		if evt := readEvent(t, conn); evt.Type != TypeSessionStarted {
			t.Fatalf("event %d type = %q, want started", 2*i, evt.Type)
		}
		if evt := readEvent(t, conn); evt.Type != TypeSessionEnded {
			t.Fatalf("event %d type = %q, want ended", 2*i+1, evt.Type)
		}
	}
}

func TestBus_SlowSubscriberEvictedWithoutBlockingPublish(t *testing.T) {
	b := NewBus(Options{Stats: &fakeStats{}, QueueDepth: 4})
	defer b.Close()

	srv := httptest.NewServer(b)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Never read from conn; overflow its queue. Publish must return promptly
	// every time.
	for i := 0; i < 200; i++ {
		done := make(chan struct{})
		go func() {
			b.Publish(NewSessionStarted("s", "ep", "10.0.0.1"))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("publish %d blocked on slow subscriber", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow subscriber not evicted, count=%d", b.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBus_SessionKillCommand(t *testing.T) {
	killer := &fakeKiller{ok: true}
	audit := store.NewMemoryAuditSink()
	b := NewBus(Options{Stats: &fakeStats{}, Killer: killer, Audit: audit})
	defer b.Close()

	conn, cleanup := dialBus(t, b)
	defer cleanup()

	readEvent(t, conn) // snapshot

	cmd := map[string]any{
		"type": "session.kill",
		"data": map[string]string{"sessionId": "abc-123"},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}

	evt := readEvent(t, conn)
	if evt.Type != TypeCommandResult {
		t.Fatalf("response type = %q, want %q", evt.Type, TypeCommandResult)
	}
	raw, _ := json.Marshal(evt.Data)
	var result CommandResultData
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.SessionID != "abc-123" {
		t.Fatalf("result = %+v", result)
	}

	if len(killer.killed) != 1 || killer.killed[0] != "abc-123" {
		t.Fatalf("killer saw %v", killer.killed)
	}

	events := audit.Events()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	if events[0].Action != "session.kill" || events[0].Entity != "abc-123" {
		t.Fatalf("audit event = %+v", events[0])
	}
}

func TestBus_SessionKillUnknownSession(t *testing.T) {
	killer := &fakeKiller{ok: false}
	b := NewBus(Options{Stats: &fakeStats{}, Killer: killer})
	defer b.Close()

	conn, cleanup := dialBus(t, b)
	defer cleanup()

	readEvent(t, conn)

	cmd := map[string]any{
		"type": "session.kill",
		"data": map[string]string{"sessionId": "nope"},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}

	evt := readEvent(t, conn)
	if evt.Type != TypeCommandError {
		t.Fatalf("response type = %q, want %q", evt.Type, TypeCommandError)
	}
}

func TestBus_UnknownCommand(t *testing.T) {
	b := NewBus(Options{Stats: &fakeStats{}})
	defer b.Close()

	conn, cleanup := dialBus(t, b)
	defer cleanup()

	readEvent(t, conn)

	if err := conn.WriteJSON(map[string]any{"type": "session.freeze"}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	evt := readEvent(t, conn)
	if evt.Type != TypeCommandError {
		t.Fatalf("response type = %q, want %q", evt.Type, TypeCommandError)
	}
	raw, _ := json.Marshal(evt.Data)
	var cerr CommandErrorData
	if err := json.Unmarshal(raw, &cerr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if cerr.Command != "session.freeze" {
		t.Fatalf("error command = %q", cerr.Command)
	}
}

func TestBus_CloseSendsGoingAway(t *testing.T) {
	b := NewBus(Options{Stats: &fakeStats{}})

	conn, cleanup := dialBus(t, b)
	defer cleanup()

	readEvent(t, conn)

	b.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var evt Event
		err := conn.ReadJSON(&evt)
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("close error = %v, want going away", err)
		}
		break
	}

	// Second close is a no-op.
	b.Close()
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := NewBus(Options{Stats: &fakeStats{}})
	b.Close()
	b.Publish(NewSessionStarted("s", "ep", "10.0.0.1"))
}
