package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/guardian/internal/middleware"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Auth      *AuthHandler
	Incidents *IncidentHandler
	Workers   *WorkerHandler
	Audit     *AuditHandler
	Feed      *FeedHub
	JWT       *middleware.JWTAuth
}

// NewRouter builds the full route tree. Login, health, metrics and the
// websocket feed (token in query) sit outside the JWT middleware; everything
// else requires a bearer token.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.HTTPMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/auth/login", d.Auth.Login)
	r.Post("/api/v1/auth/refresh", d.Auth.Refresh)

	r.Get("/api/v1/incidents/feed", d.Feed.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(d.JWT.Middleware)

		r.Route("/api/v1/incidents", func(r chi.Router) {
			r.Get("/", d.Incidents.List)
			r.Get("/{id}", d.Incidents.Get)
			r.Post("/{id}/acknowledge", d.Incidents.Acknowledge)
			r.Post("/{id}/snooze", d.Incidents.Snooze)
			r.Post("/{id}/escalate", d.Incidents.Escalate)
			r.Post("/{id}/resolve", d.Incidents.Resolve)
			r.Post("/{id}/false-positive", d.Incidents.FalsePositive)
			r.Post("/{id}/relabel", d.Incidents.Relabel)
		})

		r.Route("/api/v1/workers", func(r chi.Router) {
			r.Get("/", d.Workers.List)
			r.Get("/{camera_id}", d.Workers.Get)
			r.Post("/{camera_id}/start", d.Workers.Start)
			r.Post("/{camera_id}/stop", d.Workers.Stop)
		})

		r.Route("/api/v1/audit", func(r chi.Router) {
			r.Get("/entries", d.Audit.Query)
			r.Get("/export", d.Audit.Export)
		})
	})

	return r
}
