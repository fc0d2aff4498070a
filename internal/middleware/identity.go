package middleware

import (
    "github.com/labstack/echo/v4"
)

// Context keys written by JWTAuth.
const (
    operatorKey = "operator"
    roleKey     = "operator_role"
)

// Operator returns the token subject of the calling operator.  Requests
// that did not pass JWTAuth report "anon".
func Operator(c echo.Context) string {
    if s, ok := c.Get(operatorKey).(string); ok && s != "" {
        return s
    }
    return "anon"
}

func operatorRole(c echo.Context) string {
    s, _ := c.Get(roleKey).(string)
    return s
}

func tenantParam(c echo.Context) string {
    if s := c.Param("tenant"); s != "" {
        return s
    }
    return "-"
}
