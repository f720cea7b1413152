// Package main is the entry point for the Arbiter workflow server.
// It wires all dependencies together and starts the HTTP server and
// timeout scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/internal/capability"
	"github.com/pitabwire/arbiter/internal/config"
	"github.com/pitabwire/arbiter/internal/definition"
	"github.com/pitabwire/arbiter/internal/escalation"
	"github.com/pitabwire/arbiter/internal/notifier"
	"github.com/pitabwire/arbiter/internal/observability"
	"github.com/pitabwire/arbiter/internal/recovery"
	"github.com/pitabwire/arbiter/internal/scheduler"
	"github.com/pitabwire/arbiter/internal/task"
	"github.com/pitabwire/arbiter/internal/transport"
	"github.com/pitabwire/arbiter/internal/workflow"
	"github.com/pitabwire/arbiter/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "arbiter", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.NewMetrics()

	// Definitions: load, validate, build the immutable registry.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	validator := definition.NewValidator()
	verrs := validator.Validate(defs)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return 1
	}

	registry := definition.NewRegistry(defs)
	metrics.DefinitionsLoaded.Set(float64(registry.Len()))

	// Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Authorization.PolicyPath)
	if err != nil {
		logger.Error("authorization policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Authorization.CacheTTL)

	// Instance store.
	store, storeCloser, err := buildInstanceStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("instance store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Idempotency store.
	idemStore, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	// Notifier, instrumented for delivery and breaker metrics.
	if cfg.Notifier.AuthToken == "" && cfg.Notifier.AuthTokenEnv != "" {
		cfg.Notifier.AuthToken = os.Getenv(cfg.Notifier.AuthTokenEnv)
	}
	webhook := notifier.NewWebhook(cfg.Notifier, logger)
	channel := &instrumentedNotifier{inner: webhook, metrics: metrics}

	tasks := task.NewHandler(channel, logger)
	escEngine := escalation.NewEngine(cfg.Escalation.RiskThreshold)

	// The scheduler and manager reference each other: the manager arms
	// deadlines, the scheduler fires them back. The handler closure breaks
	// the construction cycle; Run starts only after the manager exists.
	var mgr *workflow.Manager
	sched := scheduler.New(
		timeoutHandlerFunc(func(ctx context.Context, instanceID string) error {
			return mgr.OnTimeout(ctx, instanceID)
		}),
		store,
		scheduler.WithLogger(logger),
		scheduler.WithSweepInterval(cfg.Scheduler.SweepInterval),
		scheduler.WithMetrics(metrics),
	)

	mgr = workflow.NewManager(registry, store, tasks, escEngine,
		workflow.WithScheduler(sched),
		workflow.WithObserver(metrics),
		workflow.WithLogger(logger),
		workflow.WithAdministrators(cfg.Engine.Administrators),
		workflow.WithGracePeriod(time.Duration(cfg.Escalation.GraceMinutes)*time.Minute),
		workflow.WithWriteRetries(cfg.Engine.WriteRetries),
	)

	controller := recovery.NewController(mgr, idemStore, cfg.Idempotency.DefaultTTL, logger)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go sched.Run(bgCtx)

	// HTTP transport.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.InstanceStore = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readinessChecks.IdempotencyStore = hc
	}

	deps := transport.Dependencies{
		Config:               cfg,
		Logger:               logger,
		Workflows:            mgr,
		Recovery:             controller,
		CapabilityResolver:   capResolver,
		Authenticate:         transport.JWTAuthenticator(cfg.Identity, jwks),
		MetricsMiddleware:    metrics.MetricsMiddleware,
		ReadinessChecks:      readinessChecks,
		RecordRecoveryAction: metrics.RecordRecoveryAction,
	}
	if cfg.Observability.Metrics.Enabled {
		deps.MetricsHandler = metrics.Handler()
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// timeoutHandlerFunc adapts a function to the scheduler.TimeoutHandler
// interface.
type timeoutHandlerFunc func(ctx context.Context, instanceID string) error

func (f timeoutHandlerFunc) OnTimeout(ctx context.Context, instanceID string) error {
	return f(ctx, instanceID)
}

// instrumentedNotifier records delivery outcomes and the breaker state
// around the webhook channel.
type instrumentedNotifier struct {
	inner   *notifier.WebhookNotifier
	metrics *observability.Metrics
}

func (n *instrumentedNotifier) Dispatch(ctx context.Context, recipient string, stepCtx model.StepContext) model.DeliveryResult {
	result := n.inner.Dispatch(ctx, recipient, stepCtx)
	n.metrics.RecordDelivery(result.Delivered)
	n.metrics.SetBreakerState(n.inner.BreakerState())
	return result
}

// buildInstanceStore creates the workflow instance store based on config.
func buildInstanceStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.InstanceStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory instance store")
		return workflow.NewMemoryInstanceStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("instance store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("instance store: ping: %w", err)
		}

		store := workflow.NewPgInstanceStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported instance store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the recovery idempotency store based on
// config. Returns nil when deduplication is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (recovery.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return recovery.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   cfg.DB,
		})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return recovery.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}
