package jwt

import (
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentplane/agentproxy/internal/observability"
)

// Validator validates bearer tokens and returns their claims.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// validator implements the Validator interface.
type validator struct {
	config  *Config
	keySet  KeySet
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithValidatorMetrics sets the metrics for the validator.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *validator) {
		v.metrics = metrics
	}
}

// WithKeySet sets the key set for the validator.
func WithKeySet(keySet KeySet) ValidatorOption {
	return func(v *validator) {
		v.keySet = keySet
	}
}

// WithClock sets the time source used for temporal claim checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *validator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewValidator creates a new token validator.
func NewValidator(config *Config, opts ...ValidatorOption) (Validator, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	v := &validator{
		config: config,
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.keySet == nil {
		if config.JWKSUrl == "" {
			return nil, fmt.Errorf("no key source configured")
		}
		v.keySet = NewJWKSCache(
			config.JWKSUrl,
			config.GetEffectiveJWKSCacheTTL(),
			WithJWKSLogger(v.logger),
		)
	}

	if v.metrics == nil {
		v.metrics = NewMetrics("proxy")
	}

	return v, nil
}

// tokenHeader represents the JWT header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid"`
}

// Validate parses a compact JWT, verifies its signature against the
// key set and checks the standard claims.
func (v *validator) Validate(ctx context.Context, token string) (*Claims, error) {
	start := v.now()

	if token == "" {
		v.metrics.RecordValidation("error", "empty_token", time.Since(start))
		return nil, ErrEmptyToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		v.metrics.RecordValidation("error", "malformed", time.Since(start))
		return nil, ErrTokenMalformed
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		v.metrics.RecordValidation("error", "invalid_header", time.Since(start))
		return nil, NewValidationError("failed to decode header", ErrTokenMalformed)
	}

	if err := v.validateAlgorithm(header.Algorithm); err != nil {
		v.metrics.RecordValidation("error", "invalid_algorithm", time.Since(start))
		return nil, err
	}

	claims, err := decodePayload(parts[1])
	if err != nil {
		v.metrics.RecordValidation("error", "invalid_payload", time.Since(start))
		return nil, NewValidationError("failed to decode payload", ErrTokenMalformed)
	}

	if err := v.verifySignature(ctx, header, parts[0]+"."+parts[1], parts[2]); err != nil {
		v.metrics.RecordValidation("error", "invalid_signature", time.Since(start))
		return nil, err
	}

	if err := v.validateClaims(claims); err != nil {
		v.metrics.RecordValidation("error", "invalid_claims", time.Since(start))
		return nil, err
	}

	v.metrics.RecordValidation("success", header.Algorithm, time.Since(start))
	v.logger.Debug("token validated",
		observability.String("subject", claims.Subject),
		observability.String("issuer", claims.Issuer),
	)

	return claims, nil
}

func decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	return &header, nil
}

func decodePayload(encoded string) (*Claims, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return parseClaims(data)
}

func (v *validator) validateAlgorithm(alg string) error {
	for _, allowed := range v.config.GetEffectiveAlgorithms() {
		if alg == allowed {
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("algorithm %s is not allowed", alg), ErrUnsupportedAlgorithm)
}

func (v *validator) verifySignature(ctx context.Context, header *tokenHeader, signingInput, signature string) error {
	sigBytes, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return NewValidationError("failed to decode signature", ErrTokenMalformed)
	}

	jwk, err := v.keySet.GetKey(ctx, header.KeyID)
	if err != nil {
		return NewValidationError("failed to get signing key", err)
	}

	key, err := jwk.ToRSAPublicKey()
	if err != nil {
		return NewValidationError("failed to convert signing key", err)
	}

	var hashAlg crypto.Hash
	switch header.Algorithm {
	case AlgRS256:
		hashAlg = crypto.SHA256
	case AlgRS384:
		hashAlg = crypto.SHA384
	case AlgRS512:
		hashAlg = crypto.SHA512
	default:
		return NewValidationError(fmt.Sprintf("unsupported algorithm: %s", header.Algorithm), ErrUnsupportedAlgorithm)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	if err := rsa.VerifyPKCS1v15(key, hashAlg, h.Sum(nil), sigBytes); err != nil {
		return NewValidationError("signature verification failed", ErrTokenInvalidSignature)
	}

	return nil
}

func (v *validator) validateClaims(claims *Claims) error {
	skew := v.config.GetEffectiveClockSkew()
	now := v.now()

	if claims.ExpiresAt == nil {
		return NewValidationError("exp claim is required", ErrTokenMissingClaim)
	}
	if now.After(claims.ExpiresAt.Add(skew)) {
		return NewValidationError("token has expired", ErrTokenExpired)
	}

	if claims.NotBefore != nil && now.Before(claims.NotBefore.Add(-skew)) {
		return NewValidationError("token is not yet valid", ErrTokenNotYetValid)
	}

	if claims.Subject == "" {
		return NewValidationError("sub claim is required", ErrTokenMissingClaim)
	}

	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return NewValidationError(
			fmt.Sprintf("issuer %s is not allowed", claims.Issuer),
			ErrTokenInvalidIssuer,
		)
	}

	if len(v.config.Audience) > 0 {
		matched := false
		for _, aud := range v.config.Audience {
			if claims.Audience.Contains(aud) {
				matched = true
				break
			}
		}
		if !matched {
			return NewValidationError("token audience does not match", ErrTokenInvalidAudience)
		}
	}

	return nil
}

var _ Validator = (*validator)(nil)
