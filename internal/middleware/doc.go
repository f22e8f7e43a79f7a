// Package middleware provides the HTTP middleware chain the proxy
// wraps around the passthrough handler: request id propagation, CORS,
// panic recovery, access logging, rate limiting and tenant context
// resolution.
package middleware
