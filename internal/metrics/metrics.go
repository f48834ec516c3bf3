package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client-side collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pollTicks       *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotter_api_requests_total",
			Help: "Requests sent to the detection service by operation and outcome",
		}, []string{"op", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotter_api_request_duration_seconds",
			Help:    "Round-trip latency of detection service requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotter_poll_ticks_total",
			Help: "Status poll ticks by result",
		}, []string{"result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotter_poll_sessions_total",
			Help: "Poll sessions by how they ended",
		}, []string{"end"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotter_poll_sessions_active",
			Help: "1 while a poll session is running",
		}),
	}

	m.registry.MustRegister(m.requests, m.requestDuration, m.pollTicks, m.sessions, m.activeSessions)
	return m
}

// ObserveRequest records one API round trip. outcome is "ok", "transport" or "server".
func (m *Metrics) ObserveRequest(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// PollTick records the result of one poll tick ("continue", "complete", "failed", "stalled", "error", "skipped", "stale").
func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

// SessionStarted marks a new poll session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Set(1)
}

// SessionEnded records why the active session stopped.
func (m *Metrics) SessionEnded(end string) {
	if m == nil {
		return
	}
	m.activeSessions.Set(0)
	m.sessions.WithLabelValues(end).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
