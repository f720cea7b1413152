package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/internal/config"
	"github.com/pitabwire/arbiter/internal/observability"
	"github.com/pitabwire/arbiter/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Workflows          WorkflowService
	Recovery           RecoveryService
	CapabilityResolver model.CapabilityResolver

	// Authenticate defaults to a pass-through when nil; production wiring
	// installs JWTAuthenticator.
	Authenticate func(http.Handler) http.Handler

	// Observability endpoints and instrumentation. All optional.
	MetricsMiddleware    func(http.Handler) http.Handler
	MetricsHandler       http.Handler
	ReadinessChecks      observability.ReadinessChecks
	RecordRecoveryAction func(action string, err error)
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes, bypassing authentication.
	r.Get("/healthz", observability.HandleHealth)
	r.Get("/readyz", observability.HandleReady(deps.ReadinessChecks))
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	metrics := deps.MetricsMiddleware
	if metrics == nil {
		metrics = func(next http.Handler) http.Handler { return next }
	}

	// Authenticated API routes.
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(observability.TracingMiddleware)
		r.Use(BuildRequestContext)
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(metrics)

		r.Post("/v1/workflows/{workflowId}/instances", handleInstanceStart(deps.Workflows))
		r.Get("/v1/instances", handleInstanceList(deps.Workflows))
		r.Get("/v1/instances/{instanceId}", handleInstanceGet(deps.Workflows))
		r.Post("/v1/instances/{instanceId}/resolve", handleInstanceResolve(deps.Workflows))
		r.Post("/v1/instances/{instanceId}/actions", handleRecoveryAction(deps.Recovery, deps.RecordRecoveryAction))
	})

	return r
}
