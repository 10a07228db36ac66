// Package metrics exposes Prometheus collectors for the Yohan backend.
//
// A nil *Metrics is valid and records nothing, so components can run without
// a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors shared across components.
type Metrics struct {
	gatherer prometheus.Gatherer

	connectionsActive    prometheus.Gauge
	usersActive          prometheus.Gauge
	heartbeatEvictions   prometheus.Counter
	heartbeatPings       prometheus.Counter
	framesReceived       *prometheus.CounterVec
	llmAttempts          *prometheus.CounterVec
	llmDuration          prometheus.Histogram
	contextFetchFailures *prometheus.CounterVec
}

// New registers the collectors on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yohan_connections_active",
			Help: "Number of live WebSocket connections.",
		}),
		usersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yohan_users_active",
			Help: "Number of distinct users with at least one live connection.",
		}),
		heartbeatEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "yohan_heartbeat_evictions_total",
			Help: "Connections evicted for missing heartbeat replies.",
		}),
		heartbeatPings: factory.NewCounter(prometheus.CounterOpts{
			Name: "yohan_heartbeat_pings_sent_total",
			Help: "Heartbeat pings sent to clients.",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yohan_frames_received_total",
			Help: "Inbound frames by event type.",
		}, []string{"event_type"}),
		llmAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yohan_llm_attempts_total",
			Help: "Generation attempts by outcome.",
		}, []string{"outcome"}),
		llmDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "yohan_llm_request_duration_seconds",
			Help:    "Wall time of generation calls including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		contextFetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yohan_context_fetch_failures_total",
			Help: "Situational context fetches that failed or timed out.",
		}, []string{"source"}),
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetConnections records the live connection and user counts.
func (m *Metrics) SetConnections(connections, users int) {
	if m == nil {
		return
	}
	m.connectionsActive.Set(float64(connections))
	m.usersActive.Set(float64(users))
}

// HeartbeatEvicted counts one eviction.
func (m *Metrics) HeartbeatEvicted() {
	if m == nil {
		return
	}
	m.heartbeatEvictions.Inc()
}

// PingSent counts one heartbeat ping.
func (m *Metrics) PingSent() {
	if m == nil {
		return
	}
	m.heartbeatPings.Inc()
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(eventType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(eventType).Inc()
}

// LLMAttempt counts one generation attempt with its outcome label.
func (m *Metrics) LLMAttempt(outcome string) {
	if m == nil {
		return
	}
	m.llmAttempts.WithLabelValues(outcome).Inc()
}

// ObserveLLM records the duration of a complete generation call.
func (m *Metrics) ObserveLLM(d time.Duration) {
	if m == nil {
		return
	}
	m.llmDuration.Observe(d.Seconds())
}

// ContextFetchFailed counts a failed context source.
func (m *Metrics) ContextFetchFailed(source string) {
	if m == nil {
		return
	}
	m.contextFetchFailures.WithLabelValues(source).Inc()
}
