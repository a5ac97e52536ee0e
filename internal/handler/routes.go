package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The tunnel
// handler is the catch-all; echo resolves the static health routes first.
func RegisterRoutes(e *echo.Echo, tunnel *TunnelHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/*", tunnel.Handle)
	e.Any("/", tunnel.Handle)
}
