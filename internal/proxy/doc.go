// Package proxy implements the runtime passthrough. Requests that
// survive the middleware chain are forwarded to the configured
// upstream agent runtime with hop-by-hop headers stripped, bounded
// retries on connection failures, and chunk-by-chunk relay of
// streaming response bodies. Whatever the upstream answers is
// returned verbatim; the proxy only substitutes a response of its own
// when the upstream never produced one.
package proxy
