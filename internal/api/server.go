// Package api exposes the engine and rule lifecycle over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/aegis-decision-engine/autorule/internal/engine"
	"github.com/aegis-decision-engine/autorule/internal/health"
	"github.com/aegis-decision-engine/autorule/internal/middleware"
	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/oracle"
	"github.com/aegis-decision-engine/autorule/internal/ratelimit"
)

// Engine is the evaluation surface served by the API
type Engine interface {
	RunTick(ctx context.Context) (*models.TickSummary, error)
	RunForOwner(ctx context.Context, ownerID string) (*models.TickSummary, error)
	RunSingle(ctx context.Context, ruleID string) (*engine.SingleResult, error)
	EvaluateOwner(ctx context.Context, ownerID string) ([]models.RulePreview, error)
	UpdateOracles(ctx context.Context) (oracle.RefreshResult, error)
	Status(ctx context.Context) (*models.Status, error)
}

// Rules is the rule lifecycle surface
type Rules interface {
	CreateFromJSON(ctx context.Context, doc []byte) (*models.Rule, error)
	Get(ctx context.Context, id string) (*models.Rule, error)
	Deploy(ctx context.Context, id string) (*models.Rule, error)
	Pause(ctx context.Context, id string) (*models.Rule, error)
	Disable(ctx context.Context, id string) (*models.Rule, error)
}

// History reads the execution audit trail
type History interface {
	ListByRule(ctx context.Context, ruleID string, limit int) ([]*models.ExecutionRecord, error)
}

// Deps are the server's collaborators. Health, Limiter and Metrics are
// optional.
type Deps struct {
	Engine  Engine
	Rules   Rules
	History History
	Health  *health.Checker
	Limiter *ratelimit.RateLimiter
	Metrics http.Handler
}

// Server is the HTTP API
type Server struct {
	engine  Engine
	rules   Rules
	history History
	health  *health.Checker
	limiter *ratelimit.RateLimiter
	metrics http.Handler
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the router
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  deps.Engine,
		rules:   deps.Rules,
		history: deps.History,
		health:  deps.Health,
		limiter: deps.Limiter,
		metrics: deps.Metrics,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(s.logger).Wrap)
	r.Use(middleware.NewRecoveryMiddleware(s.logger).Wrap)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(2 * time.Minute))

		r.Get("/status", s.handleStatus)
		r.Post("/oracles/refresh", s.handleRefreshOracles)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Post("/evaluate", s.handleEvaluateAll)

			r.Route("/{ruleID}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Post("/deploy", s.handleTransition(s.rules.Deploy))
				r.Post("/pause", s.handleTransition(s.rules.Pause))
				r.Post("/disable", s.handleTransition(s.rules.Disable))
				r.Get("/executions", s.handleListExecutions)
				r.With(s.throttle("rule", "ruleID")).Post("/execute", s.handleExecuteRule)
			})
		})

		r.Route("/owners/{ownerID}/rules", func(r chi.Router) {
			r.Get("/evaluation", s.handleEvaluateOwner)
			r.With(s.throttle("owner", "ownerID")).Post("/run", s.handleRunOwner)
		})
	})

	s.router = r
}

// throttle limits manual triggers per path parameter
func (s *Server) throttle(prefix, param string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(s.limiter, func(r *http.Request) string {
		return prefix + ":" + chi.URLParam(r, param)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
