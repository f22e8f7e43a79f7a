package auth

import (
	"context"
	"time"
)

// AuthType is the authentication method used.
type AuthType string

// Authentication methods.
const (
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeAPIKey AuthType = "apikey"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Subject is the unique identifier for the caller.
	Subject string `json:"sub"`

	// Issuer is the issuer of the credential.
	Issuer string `json:"iss,omitempty"`

	// Audience is the intended audience of the credential.
	Audience []string `json:"aud,omitempty"`

	// AuthType is the authentication method used.
	AuthType AuthType `json:"auth_type"`

	// ExpiresAt is when the credential expires.
	ExpiresAt time.Time `json:"exp,omitempty"`

	// Email is the email address of the caller, when present.
	Email string `json:"email,omitempty"`

	// Claims contains the full set of claims from the credential.
	Claims map[string]interface{} `json:"claims,omitempty"`
}

type contextKey string

const identityKey contextKey = "auth_identity"

// ContextWithIdentity returns a context carrying the identity.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity stored on the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity != nil
}
