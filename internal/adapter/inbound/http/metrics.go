package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors. The broker records the
// message-level counters through the service.Metrics interface; the HTTP
// layer records request counters directly.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	MessagesRouted  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	MessagesBlocked *prometheus.CounterVec
	RequestTimeouts prometheus.Counter
	RequestFailures *prometheus.CounterVec
	ChildRestarts   prometheus.Counter
}

// NewMetrics creates and registers all collectors with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpwire",
				Name:      "http_requests_total",
				Help:      "HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpwire",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		MessagesRouted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpwire",
				Name:      "messages_routed_total",
				Help:      "JSON-RPC messages forwarded through the bridge",
			},
			[]string{"direction"},
		),
		MessagesDropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpwire",
				Name:      "messages_dropped_total",
				Help:      "Messages discarded by a drop filter decision",
			},
			[]string{"direction"},
		),
		MessagesBlocked: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpwire",
				Name:      "messages_blocked_total",
				Help:      "Messages answered with a policy-block error",
			},
			[]string{"direction"},
		),
		RequestTimeouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcpwire",
				Name:      "request_timeouts_total",
				Help:      "Registered requests that outlived their deadline",
			},
		),
		RequestFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpwire",
				Name:      "request_failures_total",
				Help:      "Requests failed before a child response arrived",
			},
			[]string{"reason"},
		),
		ChildRestarts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcpwire",
				Name:      "child_restarts_total",
				Help:      "Child process restarts",
			},
		),
	}
}

// MessageRouted implements service.Metrics.
func (m *Metrics) MessageRouted(direction string) {
	m.MessagesRouted.WithLabelValues(direction).Inc()
}

// MessageDropped implements service.Metrics.
func (m *Metrics) MessageDropped(direction string) {
	m.MessagesDropped.WithLabelValues(direction).Inc()
}

// MessageBlocked implements service.Metrics.
func (m *Metrics) MessageBlocked(direction string) {
	m.MessagesBlocked.WithLabelValues(direction).Inc()
}

// RequestTimeout implements service.Metrics.
func (m *Metrics) RequestTimeout() {
	m.RequestTimeouts.Inc()
}

// RequestFailed implements service.Metrics.
func (m *Metrics) RequestFailed(reason string) {
	m.RequestFailures.WithLabelValues(reason).Inc()
}

// ChildRestarted counts one child respawn. Wired to the supervisor's state
// callback at startup.
func (m *Metrics) ChildRestarted() {
	m.ChildRestarts.Inc()
}
