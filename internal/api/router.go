package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

func requestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// NewRouter mounts the handlers. limiter may be nil to disable per-tenant
// rate limiting.
func NewRouter(h *Handler, limiter Limiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, TenantKeyFunc))

		r.Post("/compliance/evaluate", h.Evaluate)
		r.Post("/messages", h.Send)
		r.Post("/inbound", h.Inbound)

		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)

		r.Post("/leads/{id}/assign", h.AssignLead)
		r.Post("/tenants/{id}/quality", h.ReportQuality)

		r.Get("/audit/verify", h.VerifyAudit)
		r.Post("/audit/anonymize", h.Anonymize)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
