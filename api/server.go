/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request log (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends
  6. RateLimit:  Per-IP token bucket (golang.org/x/time/rate)

ROUTE GROUPS:
  /api/earnings                 Appointment-completed intake
  /api/payout-methods/types     Method catalogue
  /api/doctors/{doctorID}/*     Doctor-facing balance, earnings, payouts
  /api/admin/*                  Operator reconciliation and audit
  /healthz                      Liveness + database ping

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that authenticates
  doctors and restricts /api/admin to operators.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the cross-cutting middleware.
type RouterOptions struct {
	AllowedOrigins  []string
	RateLimitPerMin int // 0 disables rate limiting
	RateLimitBurst  int
	RequestTimeout  time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	if opts.RateLimitPerMin > 0 {
		r.Use(newIPRateLimiter(opts.RateLimitPerMin, opts.RateLimitBurst, h.Log).Handler)
	}

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/earnings", h.RecordEarning)
		r.Get("/payout-methods/types", h.ListMethodTypes)

		// Doctor routes
		r.Route("/doctors/{doctorID}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/earnings", h.ListEarnings)
			r.Get("/earnings/summary", h.GetEarningsSummary)

			r.Route("/payouts", func(r chi.Router) {
				r.Get("/", h.ListPayouts)
				r.Post("/", h.CreatePayout)
				r.Get("/stats", h.GetPayoutStats)
				r.Get("/{requestID}", h.GetPayout)
				r.Post("/{requestID}/cancel", h.CancelPayout)
				r.Post("/{requestID}/retry", h.RetryPayout)
			})

			r.Route("/payout-methods", func(r chi.Router) {
				r.Get("/", h.ListPayoutMethods)
				r.Post("/", h.AddPayoutMethod)
				r.Post("/{methodID}/default", h.SetDefaultPayoutMethod)
				r.Delete("/{methodID}", h.DeletePayoutMethod)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Route("/payouts/{requestID}", func(r chi.Router) {
				r.Post("/processing", h.MarkProcessing)
				r.Post("/complete", h.MarkCompleted)
				r.Post("/fail", h.MarkFailed)
				r.Post("/retry", h.AdminRetry)
				r.Get("/reservations", h.GetReservationHistory)
			})
			r.Get("/audit", h.GetLastAudit)
			r.Get("/audit/{doctorID}", h.AuditDoctor)
		})
	})

	return r
}
