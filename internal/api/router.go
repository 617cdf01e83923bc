package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/sanchitrk/postflow/internal/api/middleware"
	"github.com/sanchitrk/postflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	RateLimit   *mw.RateLimit
	HealthGuard *mw.HealthGuard

	HealthHandler         http.HandlerFunc
	GenerateHandler       http.HandlerFunc
	QuotaStatusHandler    http.HandlerFunc
	QuotaHistoryHandler   http.HandlerFunc
	QuotaBreakdownHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		// The guard only wraps the route that spends upstream quota.
		r.Group(func(r chi.Router) {
			r.Use(deps.HealthGuard.Guard)
			r.Post("/api/v1/generate", orNotImplemented(deps.GenerateHandler))
		})

		r.Get("/api/v1/quota/status", orNotImplemented(deps.QuotaStatusHandler))
		r.Get("/api/v1/quota/history", orNotImplemented(deps.QuotaHistoryHandler))
		r.Get("/api/v1/quota/breakdown", orNotImplemented(deps.QuotaBreakdownHandler))
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
