package middleware

import (
    "context"
    "errors"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/funnel-ingest/internal/model"
    "github.com/iliyamo/funnel-ingest/internal/repository"
)

const tenantKey = "tenant"

// TenantLookup resolves a tenant slug.
type TenantLookup interface {
    GetBySlug(ctx context.Context, slug string) (model.Tenant, error)
}

// ResolveTenant loads the tenant named by the :tenant path parameter and
// stores it in the context.  An unknown slug ends the request with 404; a
// lookup failure responds with failStatus.  Webhook routes pass 200 so a
// store outage does not set off the platforms' retries.
func ResolveTenant(tenants TenantLookup, failStatus int) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            slug := c.Param("tenant")
            t, err := tenants.GetBySlug(c.Request().Context(), slug)
            if errors.Is(err, repository.ErrNotFound) {
                return c.JSON(http.StatusNotFound, echo.Map{"success": false, "error": "unknown tenant"})
            }
            if err != nil {
                c.Logger().Errorf("tenant: lookup %q: %v", slug, err)
                return c.JSON(failStatus, echo.Map{"success": false, "error": "tenant lookup failed"})
            }
            c.Set(tenantKey, t)
            return next(c)
        }
    }
}

// TenantFrom returns the tenant stored by ResolveTenant.
func TenantFrom(c echo.Context) (model.Tenant, bool) {
    t, ok := c.Get(tenantKey).(model.Tenant)
    return t, ok
}
