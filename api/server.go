/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for browser clients
  5. Auth:       Bearer JWT and role checks, when a secret is configured

ROUTE GROUPS:
  /api/timecards/*      Submission, decisions, settlement, documents
  /api/contracts/*      Contract stand-in
  /api/payers/*         Payment methods and statements
  /api/workers/*        Payout accounts
  /api/admin/*          Operator operations
  /api/scenarios/*      Demo scenarios
  /metrics, /healthz    Prometheus and liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/policy.go: Which roles may call which routes
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/shift-settlement/auth"
)

// RouterOptions configures the ambient parts of the router.
type RouterOptions struct {
	CORSOrigins []string
	// Auth is optional; nil or an empty secret leaves the API open.
	Auth *auth.Middleware
	// Metrics is optional; when set /metrics serves it.
	Metrics *Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	if opts.Auth != nil {
		r.Use(opts.Auth.Wrap)
	}

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/timecards", func(r chi.Router) {
			r.Get("/", h.ListTimecards)
			r.Post("/", h.SubmitTimecard)
			r.Post("/preview", h.PreviewTimecard)
			r.Get("/{id}", h.GetTimecard)
			r.Get("/{id}/events", h.GetTimecardEvents)
			r.Get("/{id}/receipt.pdf", h.GetReceipt)
			r.Post("/{id}/approve", h.ApproveTimecard)
			r.Post("/{id}/reject", h.RejectTimecard)
			r.Post("/{id}/retry-payment", h.RetryPayment)
		})

		r.Get("/attention", h.ListAttention)

		// Contract and readiness stand-ins
		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
		})
		r.Route("/payers/{id}", func(r chi.Router) {
			r.Put("/payment-method", h.SetPaymentMethod)
			r.Get("/statement.xlsx", h.GetPayerStatement)
		})
		r.Put("/workers/{id}/payout-account", h.SetPayoutAccount)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/sweep", h.SweepStatus)
			r.Post("/sweep", h.TriggerSweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
