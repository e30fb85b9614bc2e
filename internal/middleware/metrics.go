package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"stream-forwarder/internal/metrics"
	"stream-forwarder/internal/model"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Recording happens in a deferred call so aborted
// streams are counted.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				m.RequestsInFlight.Dec()

				// When a handler returns an *echo.HTTPError the response status
				// hasn't been written yet; Echo's central error handler does
				// that later, so take the code from the error.
				statusCode := c.Response().Status
				if err != nil {
					var he *echo.HTTPError
					if errors.As(err, &he) {
						statusCode = he.Code
					}
				}

				status := strconv.Itoa(statusCode)
				method := metrics.NormalizeMethod(c.Request().Method)
				path := metrics.NormalizePath(c.Request().URL.Path)
				duration := time.Since(start).Seconds()

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(duration)

				if ex, ok := c.Get(model.ExchangeKey).(*model.Exchange); ok {
					out := ex.Outcome()
					m.Outcomes.WithLabelValues(out.Kind.String()).Inc()
					m.BytesRelayed.WithLabelValues("request").Add(float64(out.BytesIn))
					m.BytesRelayed.WithLabelValues("response").Add(float64(out.BytesOut))
				}
			}()

			return next(c)
		}
	}
}
