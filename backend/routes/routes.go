package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/policy-gate/backend/app"
	"github.com/upb/policy-gate/backend/handlers"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck(deps))
	r.Get("/readyz", handlers.ReadinessCheck(deps))

	// Gate evaluation surface
	r.Route("/gate", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.ExtractTenant)

		// Preflight shares the evaluation path with the fair-use caps
		r.Group(func(r chi.Router) {
			r.Use(deps.FairUseMiddleware.Limit)
			r.Post("/terraform/preflight", handlers.TerraformPreflightHandler(deps))
		})

		// The admission budget is tighter than anything else here; the
		// webhook path skips the fair-use lease round trips.
		r.Post("/k8s/admission/review", handlers.AdmissionReviewHandler(deps))

		r.Get("/decisions/{id}", handlers.GetDecisionHandler(deps))

		r.Route("/reservations", func(r chi.Router) {
			r.Get("/{id}", handlers.GetReservationHandler(deps))
			r.With(deps.AuthMiddleware.RequireRole("operator")).
				Post("/{id}/release", handlers.ReleaseReservationHandler(deps))
		})

		r.Route("/breaker/{tenant_id}", func(r chi.Router) {
			r.Get("/", handlers.GetBreakerHandler(deps))
			r.Post("/outcome", handlers.ReportOutcomeHandler(deps))
			r.With(deps.AuthMiddleware.RequireRole("operator")).
				Post("/reset", handlers.ResetBreakerHandler(deps))
		})
	})

	// Approval lifecycle
	r.Route("/approvals", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.ExtractTenant)

		r.With(deps.AuthMiddleware.RequireRole("approver")).
			Post("/{approval_id}/approve", handlers.ApproveHandler(deps))
		r.With(deps.AuthMiddleware.RequireRole("approver")).
			Post("/{approval_id}/reject", handlers.RejectHandler(deps))
		r.Post("/consume", handlers.ConsumeHandler(deps))
	})

	// Policy management (admin only)
	r.Route("/policies", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.ExtractTenant)
		r.Use(deps.AuthMiddleware.RequireRole("admin"))

		r.Get("/active", handlers.GetActivePolicyHandler(deps))
		r.Post("/{policy_id}/versions", handlers.PublishPolicyHandler(deps))
		r.Get("/{policy_id}/versions/{version}", handlers.GetPolicyVersionHandler(deps))
	})

	// Evidence trail
	r.Route("/audit", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.AuthMiddleware.ExtractTenant)

		r.Get("/logs", handlers.ListAuditTrailHandler(deps))
		r.Get("/logs/resource/{resource_id}", handlers.GetResourceTrailHandler(deps))
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
