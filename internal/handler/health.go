package handler

import (
    "context"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"
)

// Health is a liveness endpoint for load balancers.  It returns a plain
// text "ok" with HTTP 200 while the process is serving.
func Health(c echo.Context) error {
    return c.String(http.StatusOK, "ok")
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
    PingContext(ctx context.Context) error
}

// ReadyHandler reports whether the database is reachable.
type ReadyHandler struct {
    DB Pinger
}

// Ready handles GET /readyz.  It answers 503 when the database ping fails
// within two seconds.
func (h *ReadyHandler) Ready(c echo.Context) error {
    ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
    defer cancel()
    if err := h.DB.PingContext(ctx); err != nil {
        c.Logger().Warnf("readyz: database ping failed: %v", err)
        return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "database": "down"})
    }
    return c.JSON(http.StatusOK, echo.Map{"status": "ready", "database": "up"})
}
