package proxy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentplane/agentproxy/internal/httperr"
	"github.com/agentplane/agentproxy/internal/observability"
)

// Outcome is the result of forwarding one request, after internal
// retries. Response is non-nil exactly when the upstream produced an
// answer; any answer it produced is final, 5xx included, because the
// upstream may already have applied side effects.
type Outcome struct {
	// Response is the upstream response. Its body is unread.
	Response *http.Response

	// Attempts is how many attempts were made.
	Attempts int

	// Err is the failure of the last attempt when Response is nil.
	Err error

	// TimedOut reports whether the last attempt exceeded the
	// per-attempt timeout.
	TimedOut bool

	// Invalid reports whether the upstream answered with bytes that
	// did not parse as an HTTP response.
	Invalid bool
}

// Success reports whether an upstream response was received.
func (o *Outcome) Success() bool { return o.Response != nil }

// ClientConfig holds the forwarding parameters.
type ClientConfig struct {
	// Retries is how many times a failed attempt is repeated.
	// Total attempts are Retries+1.
	Retries int

	// AttemptTimeout bounds connect plus time to first response
	// byte for one attempt. It never bounds body streaming.
	AttemptTimeout time.Duration

	// ConnectTimeout bounds connection establishment alone.
	ConnectTimeout time.Duration

	// APIKey, when set, replaces the caller's Authorization header
	// with the proxy's own upstream credential.
	APIKey string
}

// Client forwards requests to the upstream.
type Client struct {
	config    ClientConfig
	transport *http.Transport
	breaker   *gobreaker.CircuitBreaker
	logger    observability.Logger
	metrics   *Metrics
}

// ClientOption is a functional option for the client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics sets the metrics for the client.
func WithClientMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithBreaker guards forwarding with a circuit breaker. When the
// circuit is open no attempt is made.
func WithBreaker(breaker *gobreaker.CircuitBreaker) ClientOption {
	return func(c *Client) {
		c.breaker = breaker
	}
}

// WithClientTransport overrides the upstream transport.
func WithClientTransport(transport *http.Transport) ClientOption {
	return func(c *Client) {
		if transport != nil {
			c.transport = transport
		}
	}
}

// NewClient creates an upstream client.
func NewClient(config ClientConfig, opts ...ClientOption) *Client {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 30 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	}

	c := &Client{
		config: config,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: config.ConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: config.AttemptTimeout,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("proxy")
	}

	return c
}

// Forward sends the request to target, retrying only failures where
// the upstream never received or never answered the request. The body
// is replayed from the given buffer on each attempt.
func (c *Client) Forward(ctx context.Context, method, target string, header http.Header, body []byte) *Outcome {
	outcome := &Outcome{}

	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		outcome.Attempts = attempt + 1

		if attempt > 0 {
			// A replayed attempt must not reuse the connection
			// the previous one failed on.
			c.transport.CloseIdleConnections()
			c.logger.Debug("retrying upstream request",
				observability.String("target", target),
				observability.Int("attempt", attempt+1),
			)
		}

		resp, err := c.attempt(ctx, method, target, header, body)
		if err == nil {
			outcome.Response = resp
			outcome.Err = nil
			outcome.TimedOut = false
			outcome.Invalid = false
			c.metrics.RecordForward("success", outcome.Attempts)
			return outcome
		}

		outcome.Err = err
		outcome.TimedOut = isTimeout(err)
		outcome.Invalid = isInvalidResponse(err)

		if ctx.Err() != nil {
			// Caller is gone; stop retrying on its behalf.
			break
		}
		if !c.retryable(err) {
			break
		}
	}

	result := "unreachable"
	switch {
	case outcome.TimedOut:
		result = "timeout"
	case outcome.Invalid:
		result = "invalid_response"
	}
	c.metrics.RecordForward(result, outcome.Attempts)

	c.logger.Warn("upstream request failed",
		observability.String("target", target),
		observability.Int("attempts", outcome.Attempts),
		observability.Error(outcome.Err),
	)

	return outcome
}

func (c *Client) attempt(ctx context.Context, method, target string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
	}

	if c.breaker == nil {
		return c.transport.RoundTrip(req)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.transport.RoundTrip(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

// retryable reports whether the failure happened before any response
// arrived and a fresh attempt is safe.
func (c *Client) retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || isInvalidResponse(err) {
		return false
	}
	if isTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isInvalidResponse detects transport errors produced while parsing
// the upstream's status line or headers. net/http does not export a
// type for these.
func isInvalidResponse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "malformed HTTP")
}

// Classify maps a failed outcome onto the stable error code and
// message returned to the caller. The status follows from the code.
func Classify(o *Outcome) (string, string) {
	switch {
	case o.TimedOut:
		return httperr.CodeUpstreamTimeout, "upstream did not respond within the attempt timeout"
	case o.Invalid:
		return httperr.CodeUpstreamInvalid, "upstream returned an unparseable response"
	default:
		return httperr.CodeUpstreamUnreachable, "upstream could not be reached"
	}
}

// CloseIdleConnections releases pooled upstream connections.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
