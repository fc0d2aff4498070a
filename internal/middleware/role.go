package middleware

import (
    "net/http"

    "github.com/labstack/echo/v4"
)

// Roles carried in operator tokens.
const (
    RoleOperator = "OPERATOR"
    RoleAdmin    = "ADMIN"
)

// RequireRole answers 403 unless the token role is one of roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
    allowed := make(map[string]bool, len(roles))
    for _, r := range roles {
        allowed[r] = true
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if !allowed[operatorRole(c)] {
                return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
            }
            return next(c)
        }
    }
}
