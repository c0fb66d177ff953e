package telemetry

import "time"

// Event types published on the bus.
const (
	TypeCurrentStats   = "currentStats"
	TypeSessionStarted = "sessionStarted"
	TypeSessionUpdated = "sessionUpdated"
	TypeSessionEnded   = "sessionEnded"
	TypeMessageMeta    = "messageMeta"
	TypeSampledPayload = "sampledPayload"
	TypeCommandResult  = "commandResult"
	TypeCommandError   = "commandError"
)

// Event is the wire envelope delivered to subscribers. Timestamp marshals as
// RFC 3339 / ISO-8601.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func newEvent(typ string, data any) Event {
	return Event{Type: typ, Timestamp: time.Now().UTC(), Data: data}
}

// SessionStats is a snapshot of one session's cumulative counters.
type SessionStats struct {
	MsgsIn   uint64 `json:"msgsIn"`
	MsgsOut  uint64 `json:"msgsOut"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

// SessionSummary describes one live session, as delivered in the
// currentStats snapshot.
type SessionSummary struct {
	SessionID  string       `json:"sessionId"`
	EndpointID string       `json:"endpointId"`
	State      string       `json:"state"`
	ClientIP   string       `json:"clientIP"`
	StartedAt  time.Time    `json:"startedAt"`
	Stats      SessionStats `json:"stats"`
}

// EndpointStats aggregates live sessions per endpoint.
type EndpointStats struct {
	Sessions      int    `json:"sessions"`
	TotalMessages uint64 `json:"totalMessages"`
	TotalBytes    uint64 `json:"totalBytes"`
}

// Stats is the proxy-wide aggregate view.
type Stats struct {
	ActiveConnections int                      `json:"activeConnections"`
	TotalSessions     uint64                   `json:"totalSessions"`
	PerEndpoint       map[string]EndpointStats `json:"perEndpoint"`
}

type CurrentStatsData struct {
	Stats    Stats            `json:"stats"`
	Sessions []SessionSummary `json:"sessions"`
}

type SessionStartedData struct {
	SessionID  string `json:"sessionId"`
	EndpointID string `json:"endpointId"`
	ClientIP   string `json:"clientIP"`
}

type SessionUpdatedData struct {
	SessionID  string   `json:"sessionId"`
	EndpointID string   `json:"endpointId"`
	MsgsIn     uint64   `json:"msgsIn"`
	MsgsOut    uint64   `json:"msgsOut"`
	BytesIn    uint64   `json:"bytesIn"`
	BytesOut   uint64   `json:"bytesOut"`
	LatencyMS  *float64 `json:"latencyMs,omitempty"`
}

type SessionEndedData struct {
	SessionID  string       `json:"sessionId"`
	EndpointID string       `json:"endpointId"`
	Reason     string       `json:"reason"`
	DurationMS int64        `json:"durationMs"`
	FinalStats SessionStats `json:"finalStats"`
}

type MessageMetaData struct {
	SessionID  string   `json:"sessionId"`
	EndpointID string   `json:"endpointId"`
	Direction  string   `json:"direction"`
	Size       int64    `json:"size"`
	LatencyMS  *float64 `json:"latencyMs,omitempty"`
}

type SampledPayloadData struct {
	SessionID  string    `json:"sessionId"`
	EndpointID string    `json:"endpointId"`
	Direction  string    `json:"direction"`
	Size       int64     `json:"size"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

type CommandResultData struct {
	Command   string `json:"command"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

type CommandErrorData struct {
	Command   string `json:"command"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

func NewCurrentStats(stats Stats, sessions []SessionSummary) Event {
	return newEvent(TypeCurrentStats, CurrentStatsData{Stats: stats, Sessions: sessions})
}

func NewSessionStarted(sessionID, endpointID, clientIP string) Event {
	return newEvent(TypeSessionStarted, SessionStartedData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		ClientIP:   clientIP,
	})
}

func NewSessionUpdated(sessionID, endpointID string, stats SessionStats) Event {
	return newEvent(TypeSessionUpdated, SessionUpdatedData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		MsgsIn:     stats.MsgsIn,
		MsgsOut:    stats.MsgsOut,
		BytesIn:    stats.BytesIn,
		BytesOut:   stats.BytesOut,
	})
}

func NewSessionEnded(sessionID, endpointID, reason string, duration time.Duration, finalStats SessionStats) Event {
	return newEvent(TypeSessionEnded, SessionEndedData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		Reason:     reason,
		DurationMS: duration.Milliseconds(),
		FinalStats: finalStats,
	})
}

func NewMessageMeta(sessionID, endpointID, direction string, size int64) Event {
	return newEvent(TypeMessageMeta, MessageMetaData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		Direction:  direction,
		Size:       size,
	})
}

func NewSampledPayload(sessionID, endpointID, direction string, size int64, content string, ts time.Time) Event {
	return newEvent(TypeSampledPayload, SampledPayloadData{
		SessionID:  sessionID,
		EndpointID: endpointID,
		Direction:  direction,
		Size:       size,
		Content:    content,
		Timestamp:  ts,
	})
}

func NewCommandResult(command, sessionID string, success bool) Event {
	return newEvent(TypeCommandResult, CommandResultData{
		Command:   command,
		SessionID: sessionID,
		Success:   success,
	})
}

func NewCommandError(command, sessionID, msg string) Event {
	return newEvent(TypeCommandError, CommandErrorData{
		Command:   command,
		SessionID: sessionID,
		Error:     msg,
	})
}

// Command is the inbound control envelope read from subscribers.
type Command struct {
	Type string `json:"type"`
	Data struct {
		SessionID string `json:"sessionId"`
	} `json:"data"`
}

// CommandSessionKill is the only control command currently understood.
const CommandSessionKill = "session.kill"
