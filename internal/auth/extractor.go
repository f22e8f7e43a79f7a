package auth

import (
	"net/http"
	"strings"
)

// Credentials represents extracted credentials.
type Credentials struct {
	// Type is the credential type.
	Type AuthType

	// Value is the raw credential value.
	Value string

	// Source names the header the credential came from.
	Source string
}

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	apiKeyHeader        = "X-Api-Key"
)

// ExtractCredentials pulls the caller's credential from the request.
// A bearer token in Authorization wins; X-Api-Key is the fallback for
// clients that cannot set an Authorization header.
func ExtractCredentials(r *http.Request) (*Credentials, error) {
	if value := r.Header.Get(authorizationHeader); value != "" {
		if len(value) > len(bearerPrefix) && strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
			return &Credentials{
				Type:   AuthTypeJWT,
				Value:  strings.TrimSpace(value[len(bearerPrefix):]),
				Source: authorizationHeader,
			}, nil
		}
		return nil, ErrInvalidCredentials
	}

	if value := r.Header.Get(apiKeyHeader); value != "" {
		return &Credentials{
			Type:   AuthTypeAPIKey,
			Value:  strings.TrimSpace(value),
			Source: apiKeyHeader,
		}, nil
	}

	return nil, ErrNoCredentials
}
