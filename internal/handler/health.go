package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"gdrive-stream-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// TokenState reports the cached access token's expiry and validity.
type TokenState interface {
	Expiry() (time.Time, bool)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	tokens  TokenState
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, tokens TokenState) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, tokens: tokens}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Token values are never exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Drive.APIBaseURL,
		"token_cached": false,
	}

	if expiry, valid := h.tokens.Expiry(); valid {
		body["token_cached"] = true
		body["token_expires_at"] = expiry.UTC().Format(time.RFC3339)
	}

	return c.JSON(http.StatusOK, body)
}
