// Package main is the entry point for the runtime passthrough proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/agentplane/agentproxy/internal/audit"
	"github.com/agentplane/agentproxy/internal/auth"
	"github.com/agentplane/agentproxy/internal/auth/jwt"
	"github.com/agentplane/agentproxy/internal/authz"
	"github.com/agentplane/agentproxy/internal/authz/rel"
	"github.com/agentplane/agentproxy/internal/config"
	"github.com/agentplane/agentproxy/internal/directory"
	"github.com/agentplane/agentproxy/internal/health"
	"github.com/agentplane/agentproxy/internal/middleware"
	"github.com/agentplane/agentproxy/internal/observability"
	"github.com/agentplane/agentproxy/internal/proxy"
)

// Version information (set at build time).
var (
	version   = "dev"
	gitCommit = "unknown"
)

type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		fmt.Printf("agentproxy version %s (%s)\n", version, gitCommit)
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadSettings(flags, logger)
	app := buildApplication(cfg, logger)
	defer app.close()

	run(app, logger)
}

func parseFlags() cliFlags {
	configPath := flag.String("config", os.Getenv("PROXY_CONFIG_PATH"),
		"Path to the optional YAML config file")
	logLevel := flag.String("log-level", "",
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "",
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func initLogger(flags cliFlags) observability.Logger {
	logCfg := observability.DefaultLogConfig()
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	} else if v := os.Getenv("PROXY_LOG_LEVEL"); v != "" {
		logCfg.Level = v
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	} else if v := os.Getenv("PROXY_LOG_FORMAT"); v != "" {
		logCfg.Format = v
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func loadSettings(flags cliFlags, logger observability.Logger) *config.Settings {
	if flags.configPath != "" {
		os.Setenv("PROXY_CONFIG_PATH", flags.configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("starting agentproxy",
		observability.String("version", version),
		observability.String("listen", cfg.ListenAddr),
		observability.String("upstream", cfg.Upstream.BaseURL),
	)
	return cfg
}

// application holds the assembled proxy and everything that needs an
// orderly shutdown.
type application struct {
	settings *config.Settings
	logger   observability.Logger
	registry *prometheus.Registry

	handler      http.Handler
	tracer       *observability.Tracer
	proxyMetrics *proxy.Metrics
	auditLogger  audit.Logger
	directory    *directory.Directory
	rateLimiter  *middleware.RateLimiter
	cache        authz.DecisionCache
	upstream     *proxy.Client
	engine       authz.Engine
	watcher      *config.Watcher
}

func buildApplication(cfg *config.Settings, logger observability.Logger) *application {
	app := &application{
		settings: cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "agentproxy",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", observability.Error(err))
	}
	app.tracer = tracer

	app.auditLogger = buildAuditLogger(cfg, logger, app.registry)
	app.directory = directory.New(cfg.Directory)

	resolver, err := proxy.NewTargetResolver(cfg.Upstream.BaseURL)
	if err != nil {
		logger.Fatal("invalid upstream base URL", observability.Error(err))
	}

	app.proxyMetrics = proxy.NewMetrics("proxy")
	app.proxyMetrics.MustRegister(app.registry)
	app.upstream = buildUpstreamClient(app, cfg, logger)
	app.engine = buildEngine(app, cfg, logger)
	handler := buildHandler(app, cfg, logger, resolver, app.engine)
	app.handler = buildChain(app, cfg, logger, handler)

	if cfg.ConfigPath != "" {
		app.watcher = buildWatcher(app, cfg, logger)
	}

	return app
}

func buildAuditLogger(cfg *config.Settings, logger observability.Logger, registry prometheus.Registerer) audit.Logger {
	auditLogger, err := audit.NewLogger(
		&audit.Config{Enabled: cfg.Audit.Enabled, Output: cfg.Audit.Output},
		audit.WithLoggerLogger(logger),
		audit.WithLoggerMetrics(audit.NewMetrics(registry)),
	)
	if err != nil {
		logger.Fatal("failed to initialize audit sink", observability.Error(err))
	}
	return auditLogger
}

func buildUpstreamClient(app *application, cfg *config.Settings, logger observability.Logger) *proxy.Client {
	opts := []proxy.ClientOption{
		proxy.WithClientLogger(logger),
		proxy.WithClientMetrics(app.proxyMetrics),
	}

	if cfg.Breaker.Enabled {
		threshold := uint32(cfg.Breaker.Threshold) //nolint:gosec // G115: validated non-negative
		breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream",
			Timeout: cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("circuit breaker state change",
					observability.String("name", name),
					observability.String("from", from.String()),
					observability.String("to", to.String()),
				)
			},
		})
		opts = append(opts, proxy.WithBreaker(breaker))
	}

	return proxy.NewClient(proxy.ClientConfig{
		Retries:        cfg.Upstream.Retries,
		AttemptTimeout: cfg.Upstream.AttemptTimeout,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		APIKey:         cfg.Upstream.APIKey,
	}, opts...)
}

func buildEngine(app *application, cfg *config.Settings, logger observability.Logger) authz.Engine {
	authzMetrics := authz.NewMetrics("proxy")
	authzMetrics.MustRegister(app.registry)

	opts := []authz.EngineOption{
		authz.WithEngineLogger(logger),
		authz.WithEngineMetrics(authzMetrics),
		authz.WithEngineTracer(app.tracer),
		authz.WithAgentResolver(app.directory),
	}

	// The client is built whenever the policy engine is configured,
	// not only when the check starts enabled, so a config reload can
	// turn the check on without a restart.
	if cfg.Authz.PolicyEngineURL != "" {
		checker, err := rel.NewClient(rel.Config{
			URL:     cfg.Authz.PolicyEngineURL,
			StoreID: cfg.Authz.StoreID,
			ModelID: cfg.Authz.ModelID,
			Timeout: cfg.Authz.CheckTimeout,
		}, rel.WithLogger(logger))
		if err != nil {
			logger.Fatal("failed to initialize policy engine client", observability.Error(err))
		}
		opts = append(opts, authz.WithChecker(checker))

		app.cache = buildDecisionCache(cfg, logger)
		opts = append(opts, authz.WithDecisionCache(app.cache))
	}

	return authz.NewEngine(authz.Config{
		RoleEnforcement:   cfg.Authz.RoleEnforcement,
		RelationshipCheck: cfg.Authz.RelationshipCheck,
		FailOpen:          cfg.Authz.FailOpen,
	}, opts...)
}

func buildDecisionCache(cfg *config.Settings, logger observability.Logger) authz.DecisionCache {
	if !cfg.Authz.DecisionCacheEnabled {
		return authz.NewNoopCache()
	}

	if cfg.Authz.DecisionCacheBackend == "redis" {
		cache, err := authz.NewRedisCache(cfg.Authz.RedisAddr, cfg.Authz.DecisionCacheTTL)
		if err != nil {
			logger.Fatal("failed to initialize redis decision cache", observability.Error(err))
		}
		return cache
	}

	return authz.NewMemoryCache(cfg.Authz.DecisionCacheTTL)
}

func buildHandler(
	app *application,
	cfg *config.Settings,
	logger observability.Logger,
	resolver *proxy.TargetResolver,
	engine authz.Engine,
) http.Handler {
	ws, err := proxy.NewWebsocketProxy(cfg.Upstream.BaseURL, logger)
	if err != nil {
		logger.Fatal("invalid upstream base URL", observability.Error(err))
	}

	passthrough := proxy.NewHandler(resolver, app.upstream, engine,
		proxy.WithHandlerLogger(logger),
		proxy.WithHandlerMetrics(app.proxyMetrics),
		proxy.WithHandlerTracer(app.tracer),
		proxy.WithWebsocketProxy(ws),
	)

	mux := http.NewServeMux()
	mux.Handle(health.Path, health.Handler())
	mux.Handle("/", passthrough)
	return mux
}

// buildChain wraps the handler with the middleware stack, innermost
// first. CORS must stay outermost so denials carry its headers.
func buildChain(app *application, cfg *config.Settings, logger observability.Logger, handler http.Handler) http.Handler {
	handler = middleware.Tenant(app.directory, middleware.TenantConfig{
		Required:  cfg.RequireTenantContext,
		SkipPaths: []string{health.Path},
	}, logger)(handler)

	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = cfg.RateLimit.RPS
		}
		app.rateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, burst,
			middleware.WithRateLimiterLogger(logger))
		app.rateLimiter.StartCleanup(time.Minute)
		handler = middleware.RateLimit(app.rateLimiter)(handler)
	}

	if cfg.Auth.Enabled {
		jwtMetrics := jwt.NewMetrics("proxy")
		jwtMetrics.MustRegister(app.registry)

		jwtCfg := &jwt.Config{
			Issuer:       cfg.Auth.Issuer,
			JWKSUrl:      cfg.Auth.JWKSEndpoint(),
			JWKSCacheTTL: cfg.Auth.JWKSCacheTTL,
		}
		if cfg.Auth.Audience != "" {
			jwtCfg.Audience = []string{cfg.Auth.Audience}
		}

		validator, err := jwt.NewValidator(jwtCfg,
			jwt.WithValidatorLogger(logger),
			jwt.WithValidatorMetrics(jwtMetrics),
		)
		if err != nil {
			logger.Fatal("failed to initialize token validator", observability.Error(err))
		}

		authMw := auth.NewMiddleware(validator, auth.MiddlewareConfig{
			Required:  cfg.Auth.Required,
			SkipPaths: []string{health.Path},
		}, auth.WithMiddlewareLogger(logger))
		handler = authMw.Handler(handler)
	}

	handler = middleware.Recovery(logger)(handler)
	handler = middleware.Audit(app.auditLogger)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID()(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowOrigins: cfg.CORS.AllowOrigins,
	})(handler)

	return handler
}

func buildWatcher(app *application, cfg *config.Settings, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(cfg.ConfigPath, func(fc *config.FileConfig) {
		if fc.Directory != nil {
			app.directory.Replace(*fc.Directory)
			logger.Info("tenant directory reloaded",
				observability.Int("tenants", len(fc.Directory.Tenants)),
				observability.Int("agents", len(fc.Directory.Agents)),
			)
		}
		if fc.Authz != nil {
			applyAuthzToggles(app, cfg, fc.Authz, logger)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Fatal("failed to watch config file", observability.Error(err))
	}
	return watcher
}

// applyAuthzToggles overlays reloaded enforcement toggles onto the
// startup defaults and swaps them into the running engine.
func applyAuthzToggles(app *application, cfg *config.Settings, fa *config.FileAuthz, logger observability.Logger) {
	updater, ok := app.engine.(authz.ConfigUpdater)
	if !ok {
		return
	}

	next := authz.Config{
		RoleEnforcement:   cfg.Authz.RoleEnforcement,
		RelationshipCheck: cfg.Authz.RelationshipCheck,
		FailOpen:          cfg.Authz.FailOpen,
	}
	if fa.RoleEnforcement != nil {
		next.RoleEnforcement = *fa.RoleEnforcement
	}
	if fa.RelationshipCheck != nil {
		next.RelationshipCheck = *fa.RelationshipCheck
	}
	if fa.FailOpen != nil {
		next.FailOpen = *fa.FailOpen
	}

	updater.UpdateConfig(next)
	logger.Info("authz toggles reloaded",
		observability.Bool("role_enforcement", next.RoleEnforcement),
		observability.Bool("relationship_check", next.RelationshipCheck),
		observability.Bool("fail_open", next.FailOpen),
	)
}

func (app *application) close() {
	if app.rateLimiter != nil {
		app.rateLimiter.Stop()
	}
	if app.cache != nil {
		_ = app.cache.Close()
	}
	if app.auditLogger != nil {
		_ = app.auditLogger.Close()
	}
	if app.upstream != nil {
		app.upstream.CloseIdleConnections()
	}
	if app.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.tracer.Shutdown(ctx)
	}
}

func run(app *application, logger observability.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if app.watcher != nil {
		if err := app.watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", observability.Error(err))
		}
		defer func() { _ = app.watcher.Stop() }()
	}

	srv := &http.Server{
		Addr:              app.settings.ListenAddr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *http.Server
	if app.settings.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              app.settings.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", observability.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", observability.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", observability.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.settings.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", observability.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
