// Package observability provides structured logging and distributed
// tracing for the proxy. Logging is zap-backed behind a small interface
// so packages can accept a Logger without depending on zap directly.
package observability
