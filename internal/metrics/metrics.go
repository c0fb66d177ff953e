// Package metrics exposes the proxy's aggregate counters to Prometheus.
//
// Per-session counters live in the session registry; this package tracks
// process-wide totals only. All methods are safe on a nil receiver so
// components can run without metrics wired (tests, tools).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons recorded on the drops counter.
const (
	DropEndpointNotFound = "endpoint_not_found"
	DropEndpointDisabled = "endpoint_disabled"
	DropConnectionLimit  = "connection_limit"
	DropRateLimited      = "rate_limited"
	DropUpstreamDial     = "upstream_dial"
	DropMessageTooLarge  = "message_too_large"
	DropBackpressure     = "backpressure"
	DropSlowSubscriber   = "slow_subscriber"
	DropSampleQueueFull  = "sample_queue_full"
	DropInternal         = "internal"
)

type Metrics struct {
	messagesRelayed *prometheus.CounterVec // direction
	bytesRelayed    *prometheus.CounterVec // direction
	drops           *prometheus.CounterVec // reason
	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec // state
	activeSessions  prometheus.Gauge
	opsSubscribers  prometheus.Gauge
	samplesStored   prometheus.Counter
}

// New builds and registers the proxy metrics. A nil registerer uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsproxy",
			Name:      "messages_relayed_total",
			Help:      "Messages forwarded through the data plane, by direction.",
		}, []string{"direction"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsproxy",
			Name:      "bytes_relayed_total",
			Help:      "Payload bytes forwarded through the data plane, by direction.",
		}, []string{"direction"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsproxy",
			Name:      "drops_total",
			Help:      "Connections and messages dropped, by reason.",
		}, []string{"reason"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsproxy",
			Name:      "sessions_started_total",
			Help:      "Sessions that completed admission and reached CONNECTED.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsproxy",
			Name:      "sessions_ended_total",
			Help:      "Sessions that reached a terminal state, by final state.",
		}, []string{"state"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsproxy",
			Name:      "active_sessions",
			Help:      "Sessions currently registered in a non-terminal state.",
		}),
		opsSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsproxy",
			Name:      "ops_subscribers",
			Help:      "Connected telemetry subscribers.",
		}),
		samplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsproxy",
			Name:      "traffic_samples_total",
			Help:      "Traffic samples appended to the sample store.",
		}),
	}

	reg.MustRegister(
		m.messagesRelayed,
		m.bytesRelayed,
		m.drops,
		m.sessionsStarted,
		m.sessionsEnded,
		m.activeSessions,
		m.opsSubscribers,
		m.samplesStored,
	)
	return m
}

func (m *Metrics) RecordForward(direction string, bytes int64) {
	if m == nil {
		return
	}
	m.messagesRelayed.WithLabelValues(direction).Inc()
	m.bytesRelayed.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) SessionEnded(finalState string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(finalState).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SubscriberConnected() {
	if m == nil {
		return
	}
	m.opsSubscribers.Inc()
}

func (m *Metrics) SubscriberDisconnected() {
	if m == nil {
		return
	}
	m.opsSubscribers.Dec()
}

func (m *Metrics) SampleStored() {
	if m == nil {
		return
	}
	m.samplesStored.Inc()
}
