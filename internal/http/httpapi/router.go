package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"forgelab/internal/http/handlers"
	"forgelab/internal/middleware"
)

func NewRouter(app *handlers.App, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimiddleware.RealIP,
		middleware.RequestID,
		middleware.Identity,
		middleware.Logger(logger),
		chimiddleware.Recoverer,
	)

	r.Get("/v1/healthz", app.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.JobsCreate)
		r.Get("/{id}", app.JobsGet)
		r.Post("/{id}/retry", app.JobsRetry)
		r.Post("/{id}/cancel", app.JobsCancel)
		r.Delete("/{id}", app.JobsDelete)
	})

	r.Route("/v1/tokens", func(r chi.Router) {
		r.Get("/balance", app.TokensBalance)
		r.Post("/topup", app.TokensTopup)
	})

	r.Post("/v1/worker/tick", app.WorkerTick)
	r.Get("/v1/admin/overview", app.AdminOverview)

	return r
}
