package jwt

import "time"

// Config contains the verification parameters for inbound tokens.
type Config struct {
	// Issuer is the required iss claim value.
	Issuer string

	// Audience is the set of acceptable aud values. Empty disables
	// the audience check.
	Audience []string

	// JWKSUrl is the endpoint serving the signing keys.
	JWKSUrl string

	// JWKSCacheTTL is how long fetched keys are reused.
	JWKSCacheTTL time.Duration

	// Algorithms is the set of accepted signing algorithms. Empty
	// defaults to RS256, RS384 and RS512.
	Algorithms []string

	// ClockSkew is the tolerance applied to temporal claims.
	ClockSkew time.Duration
}

// GetEffectiveAlgorithms returns the configured algorithms or the
// default set.
func (c *Config) GetEffectiveAlgorithms() []string {
	if len(c.Algorithms) > 0 {
		return c.Algorithms
	}
	return []string{AlgRS256, AlgRS384, AlgRS512}
}

// GetEffectiveJWKSCacheTTL returns the configured TTL or the default.
func (c *Config) GetEffectiveJWKSCacheTTL() time.Duration {
	if c.JWKSCacheTTL > 0 {
		return c.JWKSCacheTTL
	}
	return 5 * time.Minute
}

// GetEffectiveClockSkew returns the configured skew or the default.
func (c *Config) GetEffectiveClockSkew() time.Duration {
	if c.ClockSkew > 0 {
		return c.ClockSkew
	}
	return 30 * time.Second
}
