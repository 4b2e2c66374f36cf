/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, picked up by the access log
  2. Logger:     zap access log (logging.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request duration histogram by route pattern
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/students/*    Students, credits, history
  /api/sessions/*    Classes, check-in, cancellation
  /api/plans         Class-pack catalog
  /api/admin/*       Settings, reminder trigger
  /api/scenarios/*   Demo scenarios
  /metrics           Prometheus
  /healthz           Store health

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

	"github.com/warp/studio-booking/logging"
)

// MetricsCollector is the instrumentation the router mounts.
type MetricsCollector interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
}

// RouterOptions configures optional router behaviour.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        MetricsCollector
}

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(h.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
			r.Get("/{id}", h.GetStudent)
			r.Get("/{id}/availability", h.GetAvailability)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/batches", h.GrantCredits)
			r.Delete("/{id}/batches/{bid}", h.DeleteBatch)
			r.Post("/{id}/purchases", h.PurchasePlan)
			r.Post("/{id}/extra-grants", h.GrantExtraClasses)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Delete("/{id}", h.DeleteSession)
			r.Post("/{id}/checkins", h.CheckIn)
			r.Post("/{id}/cancellations", h.Cancel)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
			r.Post("/expiry-reminders", h.RunExpiryReminders)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
