/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logging:    zap request log with a request-scoped logger in context
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for browser clients

ROUTE GROUPS:
  /api/calculations/*   Calculation runs and records
  /api/taxpayers/*      Per-taxpayer history and loss balances
  /api/losses/*         Loss ledger and expiration sweeps
  /api/advances/*       Advance reconciliation
  /api/rules            Rule catalog
  /healthz              Liveness and storage check

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/tax-engine/logging"
	"go.uber.org/zap"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/calculations", func(r chi.Router) {
			r.Post("/", h.Calculate)
			r.Get("/{id}", h.GetCalculation)
		})

		r.Route("/taxpayers/{id}", func(r chi.Router) {
			r.Get("/calculations", h.ListCalculations)
			r.Get("/losses", h.ListLosses)
		})

		r.Route("/losses", func(r chi.Router) {
			r.Post("/", h.RecordLoss)
			r.Post("/expire", h.ExpireLosses)
			r.Get("/expirations", h.ListExpirationRuns)
		})

		r.Post("/advances/reconcile", h.ReconcileAdvance)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
		})
	})

	return r
}
