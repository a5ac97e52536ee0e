package middleware

import (
	"github.com/labstack/echo/v4"
)

// strippedRequestHeaders are proxy-addressed headers that must never reach
// the transport selection or the backend. Connection and Upgrade are NOT
// stripped here: this proxy's whole purpose is to honor them.
var strippedRequestHeaders = []string{
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Keep-Alive",
	"Trailer",
}

// SecurityHeaders returns an Echo middleware that strips proxy-addressed
// headers from requests and adds security headers to ordinary responses.
// Upgraded connections bypass the response writer, so headers are set before
// the handler runs.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range strippedRequestHeaders {
				c.Request().Header.Del(h)
			}

			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
