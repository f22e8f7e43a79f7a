// Package httperr writes the stable JSON error envelope returned by
// every non-success response. The envelope shape is part of the
// public contract and must not change between error classes.
package httperr

import (
	"encoding/json"
	"net/http"

	"github.com/agentplane/agentproxy/internal/observability"
)

// Error codes carried in the envelope's error field.
const (
	CodeInvalidToken        = "auth_invalid_token"
	CodeTenantAccessDenied  = "tenant_access_denied"
	CodePolicyDenied        = "runtime_policy_denied"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeUpstreamInvalid     = "upstream_invalid_response"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// Envelope is the JSON body of an error response.
type Envelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	switch code {
	case CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeTenantAccessDenied, CodePolicyDenied:
		return http.StatusForbidden
	case CodeUpstreamUnreachable, CodeUpstreamInvalid:
		return http.StatusBadGateway
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Write sends the error envelope with the status implied by the code.
// The request id is taken from the request context.
func Write(w http.ResponseWriter, r *http.Request, code, message string) {
	WriteStatus(w, r, StatusFor(code), code, message)
}

// WriteStatus sends the error envelope with an explicit status.
func WriteStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := observability.RequestIDFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Encoding a flat struct of strings cannot fail.
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:     code,
		Message:   message,
		RequestID: requestID,
	})
}
