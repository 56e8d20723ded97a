package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	ListIssues       http.HandlerFunc
	GetIssue         http.HandlerFunc
	UpdateStatus     http.HandlerFunc
	AssignIssue      http.HandlerFunc
	SetPriority      http.HandlerFunc
	ListEvents       http.HandlerFunc
	ListBreadcrumbs  http.HandlerFunc
	ListTransitions  http.HandlerFunc
	IngestHandler    http.HandlerFunc
	CheckRegressions http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.NotFound(w, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/issues", orNotImplemented(deps.ListIssues))
			r.Get("/api/v1/issues/{id}", orNotImplemented(deps.GetIssue))
			r.Get("/api/v1/issues/{id}/events", orNotImplemented(deps.ListEvents))
			r.Get("/api/v1/issues/{id}/events/{eventID}/breadcrumbs", orNotImplemented(deps.ListBreadcrumbs))
			r.Get("/api/v1/issues/{id}/transitions", orNotImplemented(deps.ListTransitions))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeTriage))

			r.Patch("/api/v1/issues/{id}/status", orNotImplemented(deps.UpdateStatus))
			r.Put("/api/v1/issues/{id}/assign", orNotImplemented(deps.AssignIssue))
			r.Put("/api/v1/issues/{id}/priority", orNotImplemented(deps.SetPriority))
			r.Post("/api/v1/regressions/check", orNotImplemented(deps.CheckRegressions))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeIngest))

			r.Post("/api/v1/ingest", orNotImplemented(deps.IngestHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
