package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/atlas-saas/atlas/internal/observability"
	"github.com/atlas-saas/atlas/internal/permissions"
	"github.com/atlas-saas/atlas/internal/policies"
	"github.com/atlas-saas/atlas/internal/roles"
	"github.com/atlas-saas/atlas/internal/shared"
	"github.com/atlas-saas/atlas/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	RolesHandler       *roles.Handler
	PoliciesHandler    *policies.Handler
	PermissionsHandler *permissions.Handler
	JobsHandler        *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Atlas defaults. Health and metrics
// stay outside the principal check so probes and scrapers need no identity
// headers.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(PrincipalMiddleware)
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
			r.Route("/users", params.RolesHandler.MountUserRoutes)
		}
		if params.PoliciesHandler != nil {
			r.Route("/policies", params.PoliciesHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.JobsHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(shared.RequireAdmin)
				params.JobsHandler.MountRoutes(r)
			})
		}
	})

	return r
}
