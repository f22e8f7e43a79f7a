package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/agentplane/agentproxy/internal/observability"
)

const maxJWKSBody = 1024 * 1024

// KeySet resolves verification keys by key ID.
type KeySet interface {
	GetKey(ctx context.Context, kid string) (*JSONWebKey, error)
}

// JSONWebKeySet represents a JSON Web Key Set.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single JSON Web Key. Only RSA signing keys
// are supported.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`

	// RSA public key components.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`
}

// ToRSAPublicKey converts the key to an RSA public key.
func (jwk *JSONWebKey) ToRSAPublicKey() (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("key type is not RSA: %s", jwk.Kty)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// JWKSCache fetches a remote JWKS and caches it for a TTL. When a
// refresh fails and a previous fetch succeeded, the stale keys are
// served so token verification keeps working through short provider
// outages.
type JWKSCache struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     observability.Logger

	mu        sync.RWMutex
	keys      *JSONWebKeySet
	lastFetch time.Time
}

// JWKSCacheOption configures a JWKSCache.
type JWKSCacheOption func(*JWKSCache)

// WithHTTPClient sets a custom HTTP client for JWKS fetches.
func WithHTTPClient(client *http.Client) JWKSCacheOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithJWKSLogger sets the logger for the cache.
func WithJWKSLogger(logger observability.Logger) JWKSCacheOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewJWKSCache creates a new JWKS cache for the given URL.
func NewJWKSCache(url string, ttl time.Duration, opts ...JWKSCacheOption) *JWKSCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &JWKSCache{
		url: url,
		ttl: ttl,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetKey returns the key with the given key ID, refreshing the set
// first when the cache is empty or expired. An empty kid matches a
// single-key set.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (*JSONWebKey, error) {
	c.mu.RLock()
	keys := c.keys
	lastFetch := c.lastFetch
	c.mu.RUnlock()

	if keys == nil || time.Since(lastFetch) > c.ttl {
		if err := c.Refresh(ctx); err != nil {
			if keys == nil {
				return nil, fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
			}
			c.logger.Warn("failed to refresh JWKS, using cached keys",
				observability.Error(err),
				observability.Any("lastFetch", lastFetch),
			)
		}

		c.mu.RLock()
		keys = c.keys
		c.mu.RUnlock()
	}

	if keys == nil {
		return nil, ErrJWKSFetchFailed
	}

	for i := range keys.Keys {
		if keys.Keys[i].Kid == kid {
			return &keys.Keys[i], nil
		}
	}

	if kid == "" && len(keys.Keys) > 0 {
		return &keys.Keys[0], nil
	}

	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Refresh fetches the JWKS from the remote URL.
func (c *JWKSCache) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("JWKS endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks JSONWebKeySet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	c.mu.Lock()
	c.keys = &jwks
	c.lastFetch = time.Now()
	c.mu.Unlock()

	c.logger.Debug("JWKS refreshed",
		observability.String("url", c.url),
		observability.Int("keyCount", len(jwks.Keys)),
	)

	return nil
}

// LastFetch returns the time of the last successful fetch.
func (c *JWKSCache) LastFetch() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetch
}

// StaticKeySet is a fixed key set, used for tests and locally pinned
// keys.
type StaticKeySet struct {
	keys JSONWebKeySet
}

// NewStaticKeySet creates a key set from the given keys.
func NewStaticKeySet(keys ...JSONWebKey) *StaticKeySet {
	return &StaticKeySet{keys: JSONWebKeySet{Keys: keys}}
}

// GetKey returns the key with the given key ID.
func (s *StaticKeySet) GetKey(_ context.Context, kid string) (*JSONWebKey, error) {
	for i := range s.keys.Keys {
		if s.keys.Keys[i].Kid == kid {
			return &s.keys.Keys[i], nil
		}
	}
	if kid == "" && len(s.keys.Keys) > 0 {
		return &s.keys.Keys[0], nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

var (
	_ KeySet = (*JWKSCache)(nil)
	_ KeySet = (*StaticKeySet)(nil)
)
