package authz

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentplane/agentproxy/internal/authz/rel"
	"github.com/agentplane/agentproxy/internal/observability"
)

// Reason classifies an access decision.
type Reason string

// Decision reasons.
const (
	ReasonAllowed          Reason = "allowed"
	ReasonRoleDenied       Reason = "role_denied"
	ReasonPolicyDenied     Reason = "policy_denied"
	ReasonPolicyCheckError Reason = "policy_check_error"
)

// Relations queried against the policy engine.
const (
	RelationCanRead  = "can_read"
	RelationCanWrite = "can_write"
)

// RoleMember is the tenant role blocked from mutating methods.
const RoleMember = "member"

// Verdict is the result of an access decision.
type Verdict struct {
	// Allowed reports whether the request may proceed upstream.
	Allowed bool

	// Reason classifies the decision.
	Reason Reason

	// Detail is a human-readable explanation for denied verdicts.
	Detail string

	// CheckedObjects lists the policy engine objects consulted.
	CheckedObjects []string
}

// Request carries the request attributes the engine decides on.
type Request struct {
	// Method is the HTTP method of the inbound request.
	Method string

	// Subject is the authenticated caller's subject.
	Subject string

	// TenantID is the resolved tenant scope. Empty when the request
	// carries no tenant context.
	TenantID string

	// AgentID is the resolved target agent, when present.
	AgentID string

	// Role is the caller's role within the tenant.
	Role string
}

// AgentResolver maps an agent to its owning tenant.
type AgentResolver interface {
	AgentTenant(agentID string) (string, bool)
}

// Engine decides whether a request may proceed.
type Engine interface {
	Decide(ctx context.Context, req *Request) *Verdict
}

// ConfigUpdater is implemented by engines whose toggles can be
// swapped at runtime, on config file reload.
type ConfigUpdater interface {
	UpdateConfig(config Config)
}

// Config holds the engine toggles.
type Config struct {
	// RoleEnforcement enables the tenant role check.
	RoleEnforcement bool

	// RelationshipCheck enables the remote policy engine check.
	RelationshipCheck bool

	// FailOpen allows requests through when the policy engine is
	// unreachable. Off by default; a check error then denies.
	FailOpen bool

	// WriteMethods classifies mutating methods. Empty defaults to
	// POST, PUT, PATCH and DELETE.
	WriteMethods []string
}

// engine implements Engine. The config is guarded so the watcher can
// swap enforcement toggles while requests are deciding.
type engine struct {
	mu      sync.RWMutex
	config  Config
	checker rel.Checker
	agents  AgentResolver
	cache   DecisionCache
	logger  observability.Logger
	metrics *Metrics
	tracer  *observability.Tracer
}

// EngineOption is a functional option for the engine.
type EngineOption func(*engine)

// WithChecker sets the relationship check client.
func WithChecker(checker rel.Checker) EngineOption {
	return func(e *engine) {
		e.checker = checker
	}
}

// WithAgentResolver sets the agent to tenant mapping source.
func WithAgentResolver(agents AgentResolver) EngineOption {
	return func(e *engine) {
		e.agents = agents
	}
}

// WithDecisionCache sets the decision cache.
func WithDecisionCache(cache DecisionCache) EngineOption {
	return func(e *engine) {
		if cache != nil {
			e.cache = cache
		}
	}
}

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineMetrics sets the metrics for the engine.
func WithEngineMetrics(metrics *Metrics) EngineOption {
	return func(e *engine) {
		e.metrics = metrics
	}
}

// WithEngineTracer sets the tracer for the engine.
func WithEngineTracer(tracer *observability.Tracer) EngineOption {
	return func(e *engine) {
		e.tracer = tracer
	}
}

// NewEngine creates an access decision engine.
func NewEngine(config Config, opts ...EngineOption) Engine {
	e := &engine{
		config: config,
		cache:  NewNoopCache(),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = NewMetrics("proxy")
	}

	return e
}

// UpdateConfig swaps the enforcement toggles. In-flight decisions
// finish with the snapshot they started on.
func (e *engine) UpdateConfig(config Config) {
	e.mu.Lock()
	e.config = config
	e.mu.Unlock()
}

func (e *engine) snapshot() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Decide runs the composed checks. CORS preflight always passes, and
// both checks must allow before a request is forwarded.
func (e *engine) Decide(ctx context.Context, req *Request) *Verdict {
	start := time.Now()

	verdict := e.decide(ctx, req)

	e.metrics.RecordDecision(verdict.Reason, time.Since(start))
	if !verdict.Allowed {
		e.logger.Info("access denied",
			observability.String("reason", string(verdict.Reason)),
			observability.String("subject", req.Subject),
			observability.String("tenant", req.TenantID),
			observability.String("method", req.Method),
		)
	}

	return verdict
}

func (e *engine) decide(ctx context.Context, req *Request) *Verdict {
	if req.Method == http.MethodOptions {
		return &Verdict{Allowed: true, Reason: ReasonAllowed}
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartSpan(ctx, "authz.decide",
			trace.WithAttributes(
				attribute.String("authz.subject", req.Subject),
				attribute.String("authz.tenant", req.TenantID),
				attribute.String("http.method", req.Method),
			),
		)
		defer span.End()
	}

	cfg := e.snapshot()
	write := cfg.isWrite(req.Method)

	if v := e.checkRole(cfg, req, write); v != nil {
		return v
	}

	if v := e.checkAgentTenant(req); v != nil {
		return v
	}

	if v := e.checkRelationships(ctx, cfg, req, write); v != nil {
		return v
	}

	return &Verdict{Allowed: true, Reason: ReasonAllowed}
}

// checkRole blocks mutating methods for tenant members. Requests
// without tenant context are out of its scope.
func (e *engine) checkRole(cfg Config, req *Request, write bool) *Verdict {
	if !cfg.RoleEnforcement || req.TenantID == "" {
		return nil
	}
	if write && req.Role == RoleMember {
		return &Verdict{
			Reason: ReasonRoleDenied,
			Detail: "role member may not perform mutating requests",
		}
	}
	return nil
}

// checkAgentTenant denies requests whose target agent belongs to a
// different tenant than the one the request claims, before any remote
// call is made.
func (e *engine) checkAgentTenant(req *Request) *Verdict {
	if req.AgentID == "" || req.TenantID == "" || e.agents == nil {
		return nil
	}
	owner, ok := e.agents.AgentTenant(req.AgentID)
	if ok && owner != req.TenantID {
		return &Verdict{
			Reason: ReasonPolicyDenied,
			Detail: "agent does not belong to the request tenant",
		}
	}
	return nil
}

func (e *engine) checkRelationships(ctx context.Context, cfg Config, req *Request, write bool) *Verdict {
	if !cfg.RelationshipCheck || req.TenantID == "" {
		return nil
	}
	if e.checker == nil {
		return e.checkError(cfg, "no relationship checker configured", nil)
	}

	relation := RelationCanRead
	if write {
		relation = RelationCanWrite
	}

	user := "user:" + req.Subject
	objects := []string{"tenant:" + req.TenantID}
	if req.AgentID != "" {
		objects = append(objects, "agent:"+req.AgentID)
	}

	for _, object := range objects {
		allowed, err := e.checkOne(ctx, user, relation, object)
		if err != nil {
			v := e.checkError(cfg, "policy engine unreachable", err)
			if v != nil {
				v.CheckedObjects = objects
			}
			return v
		}
		if !allowed {
			return &Verdict{
				Reason:         ReasonPolicyDenied,
				Detail:         "no " + relation + " relationship on " + object,
				CheckedObjects: objects,
			}
		}
	}

	return nil
}

// checkOne consults the cache before the remote engine. Only
// definitive verdicts are stored.
func (e *engine) checkOne(ctx context.Context, user, relation, object string) (bool, error) {
	key := DecisionKey(user, relation, object)

	if allowed, ok := e.cache.Get(ctx, key); ok {
		e.metrics.RecordCacheHit()
		return allowed, nil
	}
	e.metrics.RecordCacheMiss()

	allowed, err := e.checker.Check(ctx, user, relation, object)
	if err != nil {
		return false, err
	}

	e.cache.Set(ctx, key, allowed)
	return allowed, nil
}

// checkError resolves a transport failure according to the fail-open
// toggle. The default denies.
func (e *engine) checkError(cfg Config, detail string, err error) *Verdict {
	if cfg.FailOpen {
		e.logger.Warn("policy check failed, allowing by fail-open policy",
			observability.Error(err),
		)
		return nil
	}
	return &Verdict{
		Reason: ReasonPolicyCheckError,
		Detail: detail,
	}
}

func (c Config) isWrite(method string) bool {
	methods := c.WriteMethods
	if len(methods) == 0 {
		methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	}
	for _, m := range methods {
		if method == m {
			return true
		}
	}
	return false
}

var _ Engine = (*engine)(nil)
