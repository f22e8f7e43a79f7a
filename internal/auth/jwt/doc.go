// Package jwt validates bearer tokens issued by the external identity
// provider. Keys are fetched from the provider's JWKS endpoint and
// cached; validation covers signature, issuer, audience, and the
// temporal claims. The proxy only verifies tokens, it never issues
// them.
package jwt
