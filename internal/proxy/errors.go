package proxy

import "errors"

// Sentinel errors for upstream forwarding.
var (
	// ErrUpstreamUnreachable indicates no connection could be
	// established to the upstream.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout indicates every attempt exceeded the
	// per-attempt timeout.
	ErrUpstreamTimeout = errors.New("upstream timed out")

	// ErrUpstreamInvalidResponse indicates the upstream answered
	// with bytes that do not parse as an HTTP response.
	ErrUpstreamInvalidResponse = errors.New("upstream returned an invalid response")

	// ErrCircuitOpen indicates the upstream circuit breaker is open
	// and no attempt was made.
	ErrCircuitOpen = errors.New("upstream circuit open")
)
