// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "courier"

// Route outcomes.
const (
	OutcomePersisted     = "persisted"
	OutcomePersistFailed = "persist_failed"
	OutcomeMalformed     = "malformed"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeRateLimited   = "rate_limited"
)

// Push results.
const (
	PushDelivered = "delivered"
	PushOffline   = "offline"
	PushFailed    = "failed"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	connections    prometheus.Gauge
	superseded     prometheus.Counter
	routed         *prometheus.CounterVec
	pushes         *prometheus.CounterVec
	deletions      *prometheus.CounterVec
	persistSeconds prometheus.Histogram
}

// New builds the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Live connections currently registered.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "superseded_total",
			Help:      "Registrations that replaced an existing connection for the same user.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_total",
			Help:      "Inbound send frames by outcome.",
		}, []string{"outcome"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "pushes_total",
			Help:      "Live push attempts by result.",
		}, []string{"result"}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deletion",
			Name:      "operations_total",
			Help:      "Applied visibility changes by operation.",
		}, []string{"op"}),
		persistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "persist_seconds",
			Help:      "Latency of the persist step.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.superseded, m.routed, m.pushes, m.deletions, m.persistSeconds)
	}
	return m
}

// Registered records a registry insert; live is the registry size afterwards.
func (m *Metrics) Registered(live int, superseded bool) {
	if m == nil {
		return
	}
	m.connections.Set(float64(live))
	if superseded {
		m.superseded.Inc()
	}
}

func (m *Metrics) Unregistered(live int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(live))
}

func (m *Metrics) ObserveRoute(outcome string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePush(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePersist(seconds float64) {
	if m == nil {
		return
	}
	m.persistSeconds.Observe(seconds)
}

func (m *Metrics) ObserveDeletion(op string) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(op).Inc()
}
