package authz

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for access decisions.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "proxy"
	}

	m := &Metrics{}

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "decisions_total",
			Help:      "Total number of access decisions",
		},
		[]string{"reason"},
	)

	m.decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "decision_duration_seconds",
			Help:      "Access decision duration in seconds",
			Buckets:   []float64{.0001, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"reason"},
	)

	m.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "decision_cache_hits_total",
			Help:      "Total number of decision cache hits",
		},
	)

	m.cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "decision_cache_misses_total",
			Help:      "Total number of decision cache misses",
		},
	)

	return m
}

// RecordDecision records one access decision.
func (m *Metrics) RecordDecision(reason Reason, duration time.Duration) {
	m.decisionsTotal.WithLabelValues(string(reason)).Inc()
	m.decisionDuration.WithLabelValues(string(reason)).Observe(duration.Seconds())
}

// RecordCacheHit records a decision cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Inc() }

// RecordCacheMiss records a decision cache miss.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Inc() }

// MustRegister registers the metrics with the given registry,
// ignoring duplicate registration on config reload.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		m.decisionsTotal,
		m.decisionDuration,
		m.cacheHits,
		m.cacheMisses,
	} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
