// Package auth authenticates inbound requests. Credentials arrive as
// a bearer token in the Authorization header or, as a fallback, in
// the X-Api-Key header. Verified identities are stored on the request
// context for the downstream access checks.
package auth
