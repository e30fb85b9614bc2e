package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stream-forwarder/internal/config"
	"stream-forwarder/internal/metrics"
	"stream-forwarder/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. m may be
// nil when metrics are disabled.
//
// Local routes are registered as static paths, which echo's router prefers
// over the catch-all, so they can never be shadowed by an embedded target.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	local := middleware.SecurityHeaders()

	e.GET("/healthz", health.Healthz, local)
	e.GET("/proxy/status", health.Status, local)

	if m != nil && cfg.Metrics.Enabled {
		h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
		e.GET(cfg.Metrics.Path, echo.WrapHandler(h), local)
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	// Any only covers the standard methods; everything else lands here.
	e.RouteNotFound("/*", proxy.Handle)
}
