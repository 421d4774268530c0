package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "crmsync/internal/api/context"
	"crmsync/internal/api/handlers"
	"crmsync/internal/api/middleware"
	"crmsync/internal/platform/auth"
	"crmsync/internal/platform/config"
)

type Dependencies struct {
	WebhookHandler *handlers.WebhookHandler
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler
	AdminHandler   *handlers.AdminHandler
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
	Limits         config.RateLimitConfig
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	// Inbound CRM webhook
	router.POST("/api/v1/crm/webhook",
		chain(deps.WebhookHandler.Receive, deps.RateLimiter.Limit("webhook", deps.Limits.WebhookPerMinute)))
	router.OPTIONS("/api/v1/crm/webhook", wrap(deps.WebhookHandler.Options))

	if deps.AdminHandler == nil {
		return router
	}

	admin := []func(http.HandlerFunc) http.HandlerFunc{
		deps.RateLimiter.Limit("admin", deps.Limits.AdminPerMinute),
		deps.AuthMiddleware.Handle,
		middleware.RequireRole(auth.RoleAdmin),
	}

	router.GET("/api/v1/crm/streams", chain(deps.AdminHandler.Streams, admin...))
	router.GET("/api/v1/crm/funnel", chain(deps.AdminHandler.Funnel, admin...))
	router.GET("/api/v1/crm/actions", chain(deps.AdminHandler.Actions, admin...))
	router.POST("/api/v1/crm/cleanup", chain(deps.AdminHandler.Cleanup, admin...))
	router.POST("/api/v1/crm/cleanup/orders/:order_id", chain(deps.AdminHandler.CleanupOrder, admin...))
	router.POST("/api/v1/crm/audit", chain(deps.AdminHandler.Audit, admin...))
	router.GET("/api/v1/crm/jobs/:job_id", chain(deps.AdminHandler.Job, admin...))
	router.POST("/api/v1/crm/orders/:order_id/sync", chain(deps.AdminHandler.SyncOrder, admin...))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

// MetricsRouter serves only /metrics and /health, for the worker process.
func MetricsRouter(metrics *handlers.MetricsHandler, health *handlers.HealthHandler) *httprouter.Router {
	router := httprouter.New()
	router.GET("/metrics", wrap(metrics.Export))
	router.GET("/health", wrap(health.Check))
	return router
}
