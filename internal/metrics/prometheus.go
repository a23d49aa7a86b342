package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Collector with Prometheus metrics on a private
// registry.
type Prometheus struct {
	activeSessions  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	launchFailures  *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	forwarded       *prometheus.CounterVec
	dropped         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheus creates a collector whose metric names start with namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "lspbridge"
	}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions",
		},
		[]string{"kind"},
	)

	p.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions started",
		},
		[]string{"kind"},
	)

	p.sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of finished sessions",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		},
		[]string{"kind", "reason"},
	)

	p.launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Total number of language servers that failed to start",
		},
		[]string{"kind", "reason"},
	)

	p.rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of refused connections",
		},
		[]string{"route", "reason"},
	)

	p.forwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Total number of relayed JSON-RPC messages",
		},
		[]string{"kind", "direction"},
	)

	p.dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of malformed messages or frames skipped",
		},
		[]string{"kind", "direction"},
	)

	p.registry.MustRegister(
		p.activeSessions,
		p.sessionsTotal,
		p.sessionDuration,
		p.launchFailures,
		p.rejections,
		p.forwarded,
		p.dropped,
	)

	return p
}

// SessionStarted records a session start
func (p *Prometheus) SessionStarted(kind string) {
	p.activeSessions.WithLabelValues(kind).Inc()
	p.sessionsTotal.WithLabelValues(kind).Inc()
}

// SessionEnded records a session end
func (p *Prometheus) SessionEnded(kind, reason string, duration time.Duration) {
	p.activeSessions.WithLabelValues(kind).Dec()
	p.sessionDuration.WithLabelValues(kind, reason).Observe(duration.Seconds())
}

// LaunchFailed records a launch failure
func (p *Prometheus) LaunchFailed(kind, reason string) {
	p.launchFailures.WithLabelValues(kind, reason).Inc()
}

// ConnectionRejected records a refused connection
func (p *Prometheus) ConnectionRejected(route, reason string) {
	p.rejections.WithLabelValues(route, reason).Inc()
}

// MessageForwarded records a relayed message
func (p *Prometheus) MessageForwarded(kind string, dir Direction) {
	p.forwarded.WithLabelValues(kind, string(dir)).Inc()
}

// MessageDropped records a skipped message
func (p *Prometheus) MessageDropped(kind string, dir Direction) {
	p.dropped.WithLabelValues(kind, string(dir)).Inc()
}

// Registry returns the Prometheus registry
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Compile-time interface compliance check
var _ Collector = (*Prometheus)(nil)
