package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/delivery/http/handler"
	"github.com/user/price-tracker/internal/delivery/http/middleware"
)

func New(h *handler.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/health", h.HandleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", h.HandleListRuns)
		r.Get("/freshness", h.HandleListFreshness)
		r.Post("/refresh/{kind}", h.HandleTriggerRefresh)
		r.Get("/refresh/{kind}", h.HandleLastReport)
		r.Post("/categories/{id}", h.HandleLoadCategory)
		r.Get("/products/{id}/prices", h.HandleGetPrices)
	})

	return r
}
