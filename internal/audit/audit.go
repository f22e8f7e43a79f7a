// Package audit emits one append-only record per proxied request.
// Records are written as JSON lines to a configurable sink; emission is
// best-effort and never alters the response already sent to the caller.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentplane/agentproxy/internal/observability"
)

// Plane tags distinguish which surface produced a record.
const (
	PlanePassthrough = "passthrough"
	PlaneAdmin       = "admin"
	PlaneInternal    = "internal"
)

// Record is one audit entry. It is created after the response is
// finalized and never mutated afterwards.
type Record struct {
	RequestID   string        `json:"request_id"`
	Plane       string        `json:"plane"`
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	Query       string        `json:"query,omitempty"`
	StatusCode  int           `json:"status_code"`
	Duration    time.Duration `json:"-"`
	DurationMS  float64       `json:"duration_ms"`
	TenantID    string        `json:"tenant_id,omitempty"`
	UserSubject string        `json:"user_subject,omitempty"`
	ClientIP    string        `json:"client_ip,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Logger is the audit sink interface.
type Logger interface {
	// Emit appends one record. Failures are reported to the
	// observability logger, never to the caller.
	Emit(ctx context.Context, rec *Record)

	// Close closes the sink.
	Close() error
}

// Config configures the audit sink.
type Config struct {
	Enabled bool
	// Output is "stdout", "stderr", or a file path.
	Output string
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Output: "stdout"}
}

// Metrics counts emitted audit records.
type Metrics struct {
	recordsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with the provided
// registerer. Duplicate registration is ignored so tests can share a
// registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proxy",
				Subsystem: "audit",
				Name:      "records_total",
				Help:      "Total number of audit records emitted",
			},
			[]string{"plane", "status_class"},
		),
	}
	_ = registerer.Register(m.recordsTotal)
	return m
}

func (m *Metrics) record(plane string, status int) {
	if m == nil || m.recordsTotal == nil {
		return
	}
	m.recordsTotal.WithLabelValues(plane, statusClass(status)).Inc()
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
		return "other"
	}
}

// logger implements Logger over an io.Writer.
type logger struct {
	config  *Config
	writer  io.Writer
	closer  io.Closer
	mu      sync.Mutex
	log     observability.Logger
	metrics *Metrics
}

// LoggerOption is a functional option for the audit logger.
type LoggerOption func(*logger)

// WithLoggerLogger sets the observability logger used for sink errors.
func WithLoggerLogger(l observability.Logger) LoggerOption {
	return func(lg *logger) {
		lg.log = l
	}
}

// WithLoggerWriter sets the output writer, overriding Config.Output.
func WithLoggerWriter(w io.Writer) LoggerOption {
	return func(lg *logger) {
		lg.writer = w
	}
}

// WithLoggerMetrics sets the metrics.
func WithLoggerMetrics(m *Metrics) LoggerOption {
	return func(lg *logger) {
		lg.metrics = m
	}
}

// NewLogger creates a new audit logger. When auditing is disabled a
// noop logger is returned.
func NewLogger(config *Config, opts ...LoggerOption) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return NewNoopLogger(), nil
	}

	l := &logger{
		config: config,
		log:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.writer == nil {
		writer, closer, err := createWriter(config.Output)
		if err != nil {
			return nil, err
		}
		l.writer = writer
		l.closer = closer
	}

	return l, nil
}

func createWriter(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		//nolint:gosec // G304: path from trusted configuration
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return file, file, nil
	}
}

// Emit appends one record as a JSON line.
func (l *logger) Emit(ctx context.Context, rec *Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.DurationMS = float64(rec.Duration.Microseconds()) / 1000.0

	l.metrics.record(rec.Plane, rec.StatusCode)

	line, err := json.Marshal(rec)
	if err != nil {
		l.log.WithContext(ctx).Error("failed to marshal audit record", observability.Error(err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, err = l.writer.Write(line)
	l.mu.Unlock()
	if err != nil {
		l.log.WithContext(ctx).Error("failed to write audit record", observability.Error(err))
	}
}

// Close closes the underlying file, if any.
func (l *logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// noopLogger discards all records.
type noopLogger struct{}

// NewNoopLogger creates an audit logger that discards all records.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *noopLogger) Emit(_ context.Context, _ *Record) {}
func (l *noopLogger) Close() error                      { return nil }

// Ensure implementations satisfy the interface.
var (
	_ Logger = (*logger)(nil)
	_ Logger = (*noopLogger)(nil)
)
