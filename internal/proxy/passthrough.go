package proxy

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentplane/agentproxy/internal/auth"
	"github.com/agentplane/agentproxy/internal/authz"
	"github.com/agentplane/agentproxy/internal/httperr"
	"github.com/agentplane/agentproxy/internal/middleware"
	"github.com/agentplane/agentproxy/internal/observability"
)

// Handler is the passthrough orchestrator. A request moves through
// access decision, forwarding and relay; on any deny or failure the
// pipeline stops and answers with the mapped error envelope. Nothing
// is sent upstream before the access decision allows it.
type Handler struct {
	resolver *TargetResolver
	client   *Client
	engine   authz.Engine
	ws       *WebsocketProxy
	logger   observability.Logger
	metrics  *Metrics
	tracer   *observability.Tracer
}

// HandlerOption is a functional option for the handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHandlerMetrics sets the metrics for the handler.
func WithHandlerMetrics(metrics *Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithHandlerTracer sets the tracer for the handler.
func WithHandlerTracer(tracer *observability.Tracer) HandlerOption {
	return func(h *Handler) {
		h.tracer = tracer
	}
}

// WithWebsocketProxy enables websocket passthrough for upgrade
// requests.
func WithWebsocketProxy(ws *WebsocketProxy) HandlerOption {
	return func(h *Handler) {
		h.ws = ws
	}
}

// NewHandler creates the passthrough handler.
func NewHandler(resolver *TargetResolver, client *Client, engine authz.Engine, opts ...HandlerOption) *Handler {
	h := &Handler{
		resolver: resolver,
		client:   client,
		engine:   engine,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.metrics == nil {
		h.metrics = NewMetrics("proxy")
	}

	return h
}

// ServeHTTP runs the passthrough pipeline for one request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.StartSpan(ctx, "proxy.passthrough",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()
		r = r.WithContext(ctx)
	}

	verdict := h.engine.Decide(ctx, h.accessRequest(r))
	if !verdict.Allowed {
		h.deny(w, r, verdict)
		h.metrics.RecordRequest(r.Method, httperr.StatusFor(httperr.CodePolicyDenied), time.Since(start))
		return
	}

	if h.ws != nil && websocket.IsWebSocketUpgrade(r) {
		h.ws.ServeHTTP(w, r)
		h.metrics.RecordRequest(r.Method, http.StatusSwitchingProtocols, time.Since(start))
		return
	}

	// The body is buffered once so retried attempts can replay it.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("failed to read request body",
			observability.Error(err),
			observability.String("request_id", observability.RequestIDFromContext(ctx)),
		)
		httperr.WriteStatus(w, r, http.StatusBadRequest, httperr.CodeInternal, "failed to read request body")
		return
	}

	target := h.resolver.Resolve(r.URL.EscapedPath(), r.URL.RawQuery)
	outcome := h.client.Forward(ctx, r.Method, target, h.outboundHeaders(r), body)

	if !outcome.Success() {
		if ctx.Err() != nil {
			// Caller disconnected; nobody is listening for an
			// error envelope.
			return
		}
		code, message := Classify(outcome)
		httperr.Write(w, r, code, message)
		h.metrics.RecordRequest(r.Method, httperr.StatusFor(code), time.Since(start))
		return
	}

	h.relayResponse(w, r, outcome.Response)
	h.metrics.RecordRequest(r.Method, outcome.Response.StatusCode, time.Since(start))
}

// accessRequest assembles the decision input from what the middleware
// chain resolved.
func (h *Handler) accessRequest(r *http.Request) *authz.Request {
	req := &authz.Request{Method: r.Method}

	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		req.Subject = identity.Subject
	}
	if tc, ok := middleware.TenantFromContext(r.Context()); ok {
		req.TenantID = tc.TenantID
		req.AgentID = tc.AgentID
		req.Role = tc.Role
	}

	return req
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request, verdict *authz.Verdict) {
	message := verdict.Detail
	if message == "" {
		message = "request denied by runtime policy"
	}
	httperr.Write(w, r, httperr.CodePolicyDenied, message)
}

// outboundHeaders builds the header set forwarded upstream: the
// inbound headers minus hop-by-hop ones, plus the correlation and
// tenant scope headers.
func (h *Handler) outboundHeaders(r *http.Request) http.Header {
	headers := StripInbound(r.Header)

	if requestID := observability.RequestIDFromContext(r.Context()); requestID != "" {
		headers.Set(middleware.RequestIDHeader, requestID)
	}
	if tc, ok := middleware.TenantFromContext(r.Context()); ok {
		headers.Set(middleware.TenantIDHeader, tc.TenantID)
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		headers.Set(middleware.UserSubjectHeader, identity.Subject)
	}

	return headers
}

// relayResponse returns the upstream response verbatim: status,
// stripped headers, then the body chunk-by-chunk. Once the status
// line is written the response can no longer be replaced; a relay
// failure terminates the stream and that termination is the signal
// the caller gets.
func (h *Handler) relayResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	defer resp.Body.Close()

	for name, values := range StripOutbound(resp.Header) {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		// Unblocks a pending upstream read when the caller goes
		// away mid-stream.
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-done:
		}
	}()
	defer close(done)

	h.metrics.StreamStarted()
	written, err := Relay(ctx, w, resp.Body)
	h.metrics.StreamFinished(written)

	if err != nil && ctx.Err() == nil {
		h.logger.Warn("stream terminated",
			observability.Error(err),
			observability.Int64("bytes", written),
			observability.String("request_id", observability.RequestIDFromContext(ctx)),
		)
	}
}
