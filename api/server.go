/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  slog line + Prometheus sample per request
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for a browser frontend
  5. RequireAuth:    Bearer token on /api only

ROUTE GROUPS:
  /api/accounts/*   Accounts, sharing, balances, purchases, payments
  /api/purchases/*  Purchase deletion
  /api/payments/*   Payment deletion
  /healthz          Liveness
  /metrics          Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/debt-engine/auth"
)

// RouterOptions carries the cross-cutting pieces of the router.
type RouterOptions struct {
	JWT            *auth.JWTManager
	AllowedOrigins []string

	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Observer receives per-request samples; may be nil.
	Observer HTTPObserver
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger, opts.Observer))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireAuth(opts.JWT))

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Patch("/", h.RenameAccount)
				r.Post("/grants", h.GrantAccess)
				r.Delete("/grants/{userID}", h.RevokeAccess)
				r.Get("/stats", h.GetAccountStats)
				r.Post("/reconcile", h.Reconcile)
				r.Get("/consistency", h.CheckConsistency)
				r.Get("/purchases", h.ListPurchases)
				r.Post("/purchases", h.CreatePurchase)
				r.Get("/payments", h.ListPayments)
				r.Post("/payments", h.CreatePayment)
			})
		})

		r.Delete("/purchases/{id}", h.DeletePurchase)
		r.Delete("/payments/{id}", h.DeletePayment)
	})

	return r
}
