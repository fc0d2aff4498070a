package handler

// This file defines the inbound webhook endpoints.  Every POST is
// acknowledged with HTTP 200 and a {success, status, ...} body, whatever
// happens inside, because the calling platforms retry aggressively on any
// other status.  The only exceptions are an unknown tenant (404, from the
// tenant middleware) and an unknown platform (404).

import (
    "fmt"
    "io"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/funnel-ingest/internal/adapter"
    "github.com/iliyamo/funnel-ingest/internal/middleware"
    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/service"
)

// DefaultMaxBodyBytes caps the webhook body that is read and logged.
const DefaultMaxBodyBytes = 1 << 20

// WebhookHandler receives platform webhooks for a tenant.
type WebhookHandler struct {
    Processor    *service.Processor // runs the ingestion pipeline
    MaxBodyBytes int64              // body read limit
}

// NewWebhookHandler constructs a WebhookHandler.  The processor must be
// non-nil.
func NewWebhookHandler(p *service.Processor) *WebhookHandler {
    if p == nil {
        panic("nil processor passed to NewWebhookHandler")
    }
    return &WebhookHandler{Processor: p, MaxBodyBytes: DefaultMaxBodyBytes}
}

// Receive handles POST /webhooks/:tenant/:platform.
func (h *WebhookHandler) Receive(c echo.Context) (err error) {
    platform, ok := model.ParsePlatform(c.Param("platform"))
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"success": false, "error": "unknown platform"})
    }
    tenant, ok := middleware.TenantFrom(c)
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"success": false, "error": "unknown tenant"})
    }
    defer func() {
        if r := recover(); r != nil {
            c.Logger().Errorf("webhook: panic for %s/%s: %v", tenant.Slug, platform, r)
            err = c.JSON(http.StatusOK, service.Outcome{Status: model.WebhookError, Error: fmt.Sprint(r)})
        }
    }()

    body, rerr := io.ReadAll(io.LimitReader(c.Request().Body, h.MaxBodyBytes))
    if rerr != nil {
        c.Logger().Warnf("webhook: read body for %s/%s: %v", tenant.Slug, platform, rerr)
        return c.JSON(http.StatusOK, service.Outcome{Status: model.WebhookError, Error: "could not read body"})
    }
    out := h.Processor.Process(c.Request().Context(), tenant, platform, body, c.Request().Header)
    return c.JSON(http.StatusOK, out)
}

// Describe handles GET /webhooks/:tenant/:platform.  It returns a static
// description (tenant name, accepted event types) for diagnostics.
func (h *WebhookHandler) Describe(c echo.Context) error {
    platform, ok := model.ParsePlatform(c.Param("platform"))
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown platform"})
    }
    tenant, ok := middleware.TenantFrom(c)
    if !ok {
        return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown tenant"})
    }
    d, err := adapter.Describe(tenant, platform)
    if err != nil {
        return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
    }
    return c.JSON(http.StatusOK, d)
}
