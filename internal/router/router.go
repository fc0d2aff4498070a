package router // package router defines how HTTP routes are registered for the API

import (
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/funnel-ingest/internal/handler"
    "github.com/iliyamo/funnel-ingest/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication or a
// tenant: liveness and readiness checks.
func RegisterRoutes(e *echo.Echo, ready *handler.ReadyHandler) {
    e.GET("/healthz", handler.Health)
    if ready != nil {
        e.GET("/readyz", ready.Ready)
    }
}

// RegisterWebhooks registers the inbound webhook endpoints under
// /webhooks/:tenant/:platform.  A tenant lookup failure is acknowledged
// with 200 so platforms do not retry into an outage; an unknown tenant is
// a 404.  The optional cache middleware serves the GET description.
func RegisterWebhooks(e *echo.Echo, h *handler.WebhookHandler, tenants middleware.TenantLookup, cache echo.MiddlewareFunc) {
    g := e.Group("/webhooks/:tenant", middleware.ResolveTenant(tenants, http.StatusOK))
    g.POST("/:platform", h.Receive)
    if cache != nil {
        g.GET("/:platform", h.Describe, cache)
    } else {
        g.GET("/:platform", h.Describe)
    }
}

// RegisterOperator registers the operator endpoints under
// /v1/admin/:tenant.  Every route requires a valid access token with the
// OPERATOR or ADMIN role; limiter (optional) throttles per tenant and user.
func RegisterOperator(e *echo.Echo, h *handler.OperatorHandler, tenants middleware.TenantLookup, jwtSecret string, limiter echo.MiddlewareFunc) {
    mws := []echo.MiddlewareFunc{
        middleware.JWTAuth(jwtSecret),
        middleware.RequireRole(middleware.RoleOperator, middleware.RoleAdmin),
        middleware.ResolveTenant(tenants, http.StatusServiceUnavailable),
    }
    if limiter != nil {
        mws = append(mws, limiter)
    }
    g := e.Group("/v1/admin/:tenant", mws...)

    g.GET("/orphans", h.ListOrphans)
    g.POST("/payments/:id/link", h.LinkPayment)
    g.POST("/webhook-logs/:id/replay", h.ReplayWebhook)
    g.GET("/conversions/failed", h.ListFailedConversions)
    g.POST("/conversions/:id/retry", h.RetryConversion)
}
