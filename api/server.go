/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the billing frontend

ROUTE GROUPS:
  /api/referrers/*      Referrer read model
  /api/transactions/*   Lifecycle events
  /api/rebates/*        Ledger and consistency
  /api/expenses/*       Expense mirror
  /api/audit            Audit trail
  /api/scenarios/*      Demo scenarios
  /api/reset            Database reset (dev only)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/referrers", func(r chi.Router) {
			r.Get("/", h.ListReferrers)
			r.Post("/", h.CreateReferrer)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/cancel", h.CancelTransaction)
			r.Post("/{id}/refunds", h.RefundTestDetails)
			r.Put("/{id}/referrer", h.ChangeReferrer)
		})

		r.Route("/rebates", func(r chi.Router) {
			r.Get("/", h.ListRebates)
			r.Get("/{date}/consistency", h.CheckConsistency)
		})

		r.Get("/expenses/{date}", h.GetExpense)
		r.Get("/audit", h.ListAudit)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})

		r.Post("/reset", h.ResetDatabase)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Rebate Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Referrer Rebate Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/referrers">/api/referrers</a> - List referrers</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
<li>/api/rebates?date=YYYY-MM-DD - Ledger rows for a day</li>
<li>/api/expenses/YYYY-MM-DD - Rebate expense for a day</li>
</ul>
</body>
</html>`))
	})

	return r
}
