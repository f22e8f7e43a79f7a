package auth

import "errors"

// Sentinel errors for authentication operations.
var (
	// ErrNoCredentials indicates that no credentials were provided.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrInvalidCredentials indicates that the provided credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAuthProviderUnavailable indicates that credentials could not be
	// verified because the signing keys could not be fetched.
	ErrAuthProviderUnavailable = errors.New("authentication provider unavailable")

	// ErrNoIdentity indicates that no identity is present on the context.
	ErrNoIdentity = errors.New("no identity in context")
)
