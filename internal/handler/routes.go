package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, stream *StreamHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.GET("/proxy/:fileId", stream.Handle)
	e.HEAD("/proxy/:fileId", stream.Handle)
	e.OPTIONS("/proxy/:fileId", stream.Handle)
}
