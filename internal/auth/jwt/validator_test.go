package jwt

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeySet(key *rsa.PrivateKey, kid string) *StaticKeySet {
	return NewStaticKeySet(JSONWebKey{
		Kty: "RSA",
		Kid: kid,
		Alg: AlgRS256,
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	})
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]interface{}) string {
	t.Helper()

	header := map[string]interface{}{
		"alg": AlgRS256,
		"typ": "JWT",
		"kid": kid,
	}

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	hash := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	require.NoError(t, err)

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	key := generateTestRSAKey(t)
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	baseClaims := func() map[string]interface{} {
		return map[string]interface{}{
			"iss":   "https://idp.example.com",
			"sub":   "alice",
			"aud":   "agent-api",
			"exp":   now.Add(time.Hour).Unix(),
			"iat":   now.Unix(),
			"email": "alice@example.com",
		}
	}

	config := &Config{
		Issuer:   "https://idp.example.com",
		Audience: []string{"agent-api"},
	}

	v, err := NewValidator(config,
		WithKeySet(testKeySet(key, "key-1")),
		WithClock(clock),
	)
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		t.Parallel()

		token := signToken(t, key, "key-1", baseClaims())
		claims, err := v.Validate(context.Background(), token)
		require.NoError(t, err)

		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, "https://idp.example.com", claims.Issuer)
		assert.Equal(t, "alice@example.com", claims.Email)
		assert.True(t, claims.Audience.Contains("agent-api"))
		assert.Equal(t, "alice", claims.Extra["sub"])
	})

	t.Run("empty token", func(t *testing.T) {
		t.Parallel()

		_, err := v.Validate(context.Background(), "")
		assert.ErrorIs(t, err, ErrEmptyToken)
	})

	t.Run("malformed token", func(t *testing.T) {
		t.Parallel()

		_, err := v.Validate(context.Background(), "only.twoparts")
		assert.ErrorIs(t, err, ErrTokenMalformed)
	})

	t.Run("garbage header", func(t *testing.T) {
		t.Parallel()

		_, err := v.Validate(context.Background(), "!!!.payload.sig")
		assert.ErrorIs(t, err, ErrTokenMalformed)
	})

	t.Run("tampered signature", func(t *testing.T) {
		t.Parallel()

		otherKey := generateTestRSAKey(t)
		token := signToken(t, otherKey, "key-1", baseClaims())
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenInvalidSignature)
	})

	t.Run("unknown kid", func(t *testing.T) {
		t.Parallel()

		token := signToken(t, key, "key-9", baseClaims())
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.True(t, IsInvalidTokenError(err))
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()

		claims := baseClaims()
		claims["exp"] = now.Add(-time.Hour).Unix()
		token := signToken(t, key, "key-1", claims)
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("expired within skew is accepted", func(t *testing.T) {
		t.Parallel()

		claims := baseClaims()
		claims["exp"] = now.Add(-10 * time.Second).Unix()
		token := signToken(t, key, "key-1", claims)
		_, err := v.Validate(context.Background(), token)
		assert.NoError(t, err)
	})

	t.Run("not yet valid", func(t *testing.T) {
		t.Parallel()

		claims := baseClaims()
		claims["nbf"] = now.Add(time.Hour).Unix()
		token := signToken(t, key, "key-1", claims)
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenNotYetValid)
	})

	t.Run("missing exp", func(t *testing.T) {
		t.Parallel()

		claims := baseClaims()
		delete(claims, "exp")
		token := signToken(t, key, "key-1", claims)
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenMissingClaim)
	})

	t.Run("missing sub", func(t *testing.T) {
		t.Parallel()

		claims := baseClaims()
		delete(claims, "sub")
		token := signToken(t, key, "key-1", claims)
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenMissingClaim)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		t.Parallel()

		claims := baseClaims()
		claims["iss"] = "https://evil.example.com"
		token := signToken(t, key, "key-1", claims)
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenInvalidIssuer)
	})

	t.Run("wrong audience", func(t *testing.T) {
		t.Parallel()

		claims := baseClaims()
		claims["aud"] = []string{"other-api"}
		token := signToken(t, key, "key-1", claims)
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrTokenInvalidAudience)
	})
}

func TestValidateRejectsDisallowedAlgorithm(t *testing.T) {
	t.Parallel()

	key := generateTestRSAKey(t)

	// An HS256 header must be rejected before any verification, even
	// when the rest of the token is well formed.
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"alice"}`))
	token := header + "." + payload + ".c2ln"

	v, err := NewValidator(&Config{}, WithKeySet(testKeySet(key, "key-1")))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestNewValidatorErrors(t *testing.T) {
	t.Parallel()

	_, err := NewValidator(nil)
	assert.Error(t, err)

	_, err = NewValidator(&Config{})
	assert.Error(t, err)
}

func TestIsInvalidTokenError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsInvalidTokenError(ErrTokenExpired))
	assert.True(t, IsInvalidTokenError(NewValidationError("bad", ErrTokenInvalidSignature)))
	assert.False(t, IsInvalidTokenError(ErrJWKSFetchFailed))
	assert.False(t, IsInvalidTokenError(NewValidationError("fetch", ErrJWKSFetchFailed)))
}

func TestConfigEffectiveDefaults(t *testing.T) {
	t.Parallel()

	c := &Config{}
	assert.Equal(t, []string{AlgRS256, AlgRS384, AlgRS512}, c.GetEffectiveAlgorithms())
	assert.Equal(t, 5*time.Minute, c.GetEffectiveJWKSCacheTTL())
	assert.Equal(t, 30*time.Second, c.GetEffectiveClockSkew())

	custom := &Config{
		Algorithms:   []string{AlgRS256},
		JWKSCacheTTL: time.Hour,
		ClockSkew:    time.Minute,
	}
	assert.Equal(t, []string{AlgRS256}, custom.GetEffectiveAlgorithms())
	assert.Equal(t, time.Hour, custom.GetEffectiveJWKSCacheTTL())
	assert.Equal(t, time.Minute, custom.GetEffectiveClockSkew())
}
