// Package config loads and validates proxy configuration from the
// environment, optionally merged with a YAML file for static tenant
// directory data.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values.
const (
	DefaultListenAddr       = ":8080"
	DefaultUpstreamBaseURL  = "http://127.0.0.1:8123"
	DefaultAttemptTimeout   = 30 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	DefaultUpstreamRetries  = 1
	DefaultJWKSCacheTTL     = 5 * time.Minute
	DefaultCheckTimeout     = 10 * time.Second
	DefaultDecisionCacheTTL = 30 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
)

// Settings holds the full proxy configuration. It is immutable after
// Load; hot-reloadable toggles are re-read through the Watcher.
type Settings struct {
	ListenAddr  string
	MetricsAddr string

	Upstream  UpstreamSettings
	Auth      AuthSettings
	Authz     AuthzSettings
	Audit     AuditSettings
	CORS      CORSSettings
	RateLimit RateLimitSettings
	Breaker   BreakerSettings
	Tracing   TracingSettings
	Log       LogSettings

	// RequireTenantContext rejects passthrough requests that carry
	// no tenant header.
	RequireTenantContext bool

	// ConfigPath is the optional YAML file carrying the static tenant
	// directory (memberships, agent ownership) and overrides.
	ConfigPath string

	Directory DirectorySettings

	ShutdownTimeout time.Duration
}

// UpstreamSettings configures the forwarding target and retry behaviour.
type UpstreamSettings struct {
	BaseURL        string
	APIKey         string
	AttemptTimeout time.Duration
	ConnectTimeout time.Duration
	Retries        int
}

// AuthSettings configures bearer-token verification.
type AuthSettings struct {
	Enabled      bool
	Required     bool
	Issuer       string
	Audience     string
	JWKSUrl      string
	JWKSCacheTTL time.Duration
}

// AuthzSettings configures the access decision engine.
type AuthzSettings struct {
	RoleEnforcement   bool
	RelationshipCheck bool
	FailOpen          bool

	PolicyEngineURL string
	StoreID         string
	ModelID         string
	CheckTimeout    time.Duration

	DecisionCacheEnabled bool
	DecisionCacheTTL     time.Duration
	DecisionCacheBackend string // "memory" or "redis"
	RedisAddr            string
}

// AuditSettings configures the audit sink.
type AuditSettings struct {
	Enabled bool
	Output  string // "stdout", "stderr", or a file path
}

// CORSSettings configures cross-origin response headers.
type CORSSettings struct {
	AllowOrigins []string
}

// RateLimitSettings configures per-client rate limiting. Zero RPS
// disables the limiter.
type RateLimitSettings struct {
	RPS   int
	Burst int
}

// BreakerSettings configures the upstream circuit breaker.
type BreakerSettings struct {
	Enabled   bool
	Threshold int
	Timeout   time.Duration
}

// TracingSettings configures OpenTelemetry export.
type TracingSettings struct {
	Enabled      bool
	OTLPEndpoint string
	SamplingRate float64
}

// LogSettings configures structured logging.
type LogSettings struct {
	Level  string
	Format string
}

// DirectorySettings holds the static tenant directory loaded from the
// YAML config file. Persistence-backed resolution is an external
// collaborator; this static table serves deployments without one.
type DirectorySettings struct {
	Tenants []TenantEntry `yaml:"tenants"`
	Agents  []AgentEntry  `yaml:"agents"`
}

// TenantEntry describes one tenant and its memberships.
type TenantEntry struct {
	ID      string        `yaml:"id"`
	Members []MemberEntry `yaml:"members"`
}

// MemberEntry describes one user's membership in a tenant.
type MemberEntry struct {
	Subject string `yaml:"subject"`
	Role    string `yaml:"role"`
}

// AgentEntry maps an agent to its owning tenant.
type AgentEntry struct {
	ID     string `yaml:"id"`
	Tenant string `yaml:"tenant"`
}

// Load builds Settings from the environment, merging the optional YAML
// file beneath it, and validates the result.
func Load() (*Settings, error) {
	s := FromEnv()
	if s.ConfigPath != "" {
		if err := s.MergeFile(s.ConfigPath); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromEnv builds Settings from environment variables with defaults.
func FromEnv() *Settings {
	return &Settings{
		ListenAddr:  envString("PROXY_LISTEN_ADDR", DefaultListenAddr),
		MetricsAddr: envString("PROXY_METRICS_ADDR", ""),
		ConfigPath:  envString("PROXY_CONFIG_PATH", ""),

		Upstream: UpstreamSettings{
			BaseURL:        envString("UPSTREAM_BASE_URL", DefaultUpstreamBaseURL),
			APIKey:         envString("UPSTREAM_API_KEY", ""),
			AttemptTimeout: envDuration("PROXY_ATTEMPT_TIMEOUT", DefaultAttemptTimeout),
			ConnectTimeout: envDuration("PROXY_CONNECT_TIMEOUT", DefaultConnectTimeout),
			Retries:        envInt("PROXY_UPSTREAM_RETRIES", DefaultUpstreamRetries),
		},

		Auth: AuthSettings{
			Enabled:      envBool("AUTH_ENABLED", false),
			Required:     envBool("AUTH_REQUIRED", false),
			Issuer:       envString("AUTH_ISSUER", ""),
			Audience:     envString("AUTH_AUDIENCE", ""),
			JWKSUrl:      envString("AUTH_JWKS_URL", ""),
			JWKSCacheTTL: envDuration("AUTH_JWKS_CACHE_TTL", DefaultJWKSCacheTTL),
		},

		Authz: AuthzSettings{
			RoleEnforcement:      envBool("ROLE_ENFORCEMENT_ENABLED", false),
			RelationshipCheck:    envBool("RELATIONSHIP_CHECK_ENABLED", false),
			FailOpen:             envBool("RELATIONSHIP_CHECK_FAIL_OPEN", false),
			PolicyEngineURL:      envString("POLICY_ENGINE_URL", "http://127.0.0.1:18081"),
			StoreID:              envString("POLICY_STORE_ID", ""),
			ModelID:              envString("POLICY_MODEL_ID", ""),
			CheckTimeout:         envDuration("POLICY_CHECK_TIMEOUT", DefaultCheckTimeout),
			DecisionCacheEnabled: envBool("DECISION_CACHE_ENABLED", false),
			DecisionCacheTTL:     envDuration("DECISION_CACHE_TTL", DefaultDecisionCacheTTL),
			DecisionCacheBackend: envString("DECISION_CACHE_BACKEND", "memory"),
			RedisAddr:            envString("REDIS_ADDR", "127.0.0.1:6379"),
		},

		Audit: AuditSettings{
			Enabled: envBool("AUDIT_ENABLED", true),
			Output:  envString("AUDIT_OUTPUT", "stdout"),
		},

		CORS: CORSSettings{
			AllowOrigins: splitNonEmpty(envString("PROXY_CORS_ALLOW_ORIGINS", "*")),
		},

		RateLimit: RateLimitSettings{
			RPS:   envInt("RATE_LIMIT_RPS", 0),
			Burst: envInt("RATE_LIMIT_BURST", 0),
		},

		Breaker: BreakerSettings{
			Enabled:   envBool("CIRCUIT_BREAKER_ENABLED", false),
			Threshold: envInt("CIRCUIT_BREAKER_THRESHOLD", 5),
			Timeout:   envDuration("CIRCUIT_BREAKER_TIMEOUT", 30*time.Second),
		},

		Tracing: TracingSettings{
			Enabled:      envBool("TRACING_ENABLED", false),
			OTLPEndpoint: envString("OTLP_ENDPOINT", ""),
			SamplingRate: envFloat("TRACE_SAMPLING_RATE", 1.0),
		},

		Log: LogSettings{
			Level:  envString("PROXY_LOG_LEVEL", "info"),
			Format: envString("PROXY_LOG_FORMAT", "json"),
		},

		RequireTenantContext: envBool("REQUIRE_TENANT_CONTEXT", false),
		ShutdownTimeout:      envDuration("PROXY_SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
	}
}

// Validate checks startup invariants. A malformed upstream base URL is
// rejected here, never per-request.
func (s *Settings) Validate() error {
	u, err := url.Parse(s.Upstream.BaseURL)
	if err != nil {
		return NewConfigError("UPSTREAM_BASE_URL", "malformed URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewConfigError("UPSTREAM_BASE_URL", "scheme must be http or https", nil)
	}
	if u.Host == "" {
		return NewConfigError("UPSTREAM_BASE_URL", "missing host", nil)
	}

	if s.Upstream.Retries < 0 {
		return NewConfigError("PROXY_UPSTREAM_RETRIES", "must be >= 0", nil)
	}
	if s.Upstream.AttemptTimeout <= 0 {
		return NewConfigError("PROXY_ATTEMPT_TIMEOUT", "must be positive", nil)
	}

	if s.Auth.Enabled && s.Auth.Issuer == "" && s.Auth.JWKSUrl == "" {
		return NewConfigError("AUTH_ISSUER", "issuer or JWKS URL required when auth is enabled", nil)
	}

	if s.Authz.RelationshipCheck {
		if _, err := url.Parse(s.Authz.PolicyEngineURL); err != nil {
			return NewConfigError("POLICY_ENGINE_URL", "malformed URL", err)
		}
	}

	switch s.Authz.DecisionCacheBackend {
	case "memory", "redis":
	default:
		return NewConfigError("DECISION_CACHE_BACKEND", "must be memory or redis", nil)
	}

	return nil
}

// JWKSEndpoint returns the effective JWKS URL, deriving the standard
// OIDC certs path from the issuer when no explicit URL is configured.
func (a *AuthSettings) JWKSEndpoint() string {
	if a.JWKSUrl != "" {
		return a.JWKSUrl
	}
	if a.Issuer == "" {
		return ""
	}
	return strings.TrimRight(a.Issuer, "/") + "/protocol/openid-connect/certs"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration parses a duration from either a Go duration string
// ("30s") or a bare number of seconds ("30").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitNonEmpty(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
