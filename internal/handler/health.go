package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"audit-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	UpstreamURL     string `json:"upstream_url"`
	StorageBackend  string `json:"storage_backend"`
	AuditPrefix     string `json:"audit_prefix"`
	AuditOnFailure  string `json:"audit_on_failure"`
	StrippedHeaders int    `json:"stripped_headers"`
}

// Status reports how the proxy is configured. Bucket names and credentials
// are left out.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:          "ok",
		Version:         string(h.version),
		UpstreamURL:     h.cfg.Upstream.BaseURL,
		StorageBackend:  h.cfg.Storage.Backend,
		AuditPrefix:     h.cfg.Audit.Prefix,
		AuditOnFailure:  h.cfg.Audit.OnFailure,
		StrippedHeaders: len(h.cfg.Proxy.StripHeaders),
	})
}
