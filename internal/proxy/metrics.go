package proxy

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the passthrough.
type Metrics struct {
	forwardsTotal   *prometheus.CounterVec
	forwardAttempts *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	activeStreams   prometheus.Gauge
	streamBytes     prometheus.Counter
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "proxy"
	}

	m := &Metrics{}

	m.forwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "forwards_total",
			Help:      "Total number of upstream forwards by result",
		},
		[]string{"result"},
	)

	m.forwardAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "forward_attempts",
			Help:      "Attempts used per upstream forward",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"result"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "passthrough",
			Name:      "request_duration_seconds",
			Help:      "Passthrough request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "status_class"},
	)

	m.activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "passthrough",
			Name:      "active_streams",
			Help:      "Number of response bodies currently being relayed",
		},
	)

	m.streamBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "passthrough",
			Name:      "stream_bytes_total",
			Help:      "Total response body bytes relayed to callers",
		},
	)

	return m
}

// RecordForward records one upstream forward.
func (m *Metrics) RecordForward(result string, attempts int) {
	m.forwardsTotal.WithLabelValues(result).Inc()
	m.forwardAttempts.WithLabelValues(result).Observe(float64(attempts))
}

// RecordRequest records one finished passthrough request.
func (m *Metrics) RecordRequest(method string, status int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, statusClass(status)).Observe(duration.Seconds())
}

// StreamStarted marks a relay as active.
func (m *Metrics) StreamStarted() { m.activeStreams.Inc() }

// StreamFinished marks a relay as done and adds its byte count.
func (m *Metrics) StreamFinished(bytes int64) {
	m.activeStreams.Dec()
	m.streamBytes.Add(float64(bytes))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// MustRegister registers the metrics with the given registry,
// ignoring duplicate registration on config reload.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		m.forwardsTotal,
		m.forwardAttempts,
		m.requestDuration,
		m.activeStreams,
		m.streamBytes,
	} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
