// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"stream-forwarder/internal/model"
)

// RequestIDKey is the echo context key holding the request ID.
const RequestIDKey = "request_id"

// credentialsPattern matches the password part of userinfo in URLs.
var credentialsPattern = regexp.MustCompile(`(://[^/@:\s"]*:)[^/@\s"]*@`)

// Redact hides URL passwords in s.
func Redact(s string) string {
	return credentialsPattern.ReplaceAllString(s, "${1}[REDACTED]@")
}

// RequestLogger returns an Echo middleware that writes one access log line
// per request. The line is written from a deferred call so that requests
// aborted mid-stream are logged too.
//
// The request ID is taken from X-Request-Id when the caller sends one and
// generated otherwise. It is kept on the context only; relayed responses are
// not modified.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			req := c.Request()

			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(RequestIDKey, rid)

			defer func() {
				res := c.Response()
				attrs := []any{
					"remote_ip", c.RealIP(),
					"method", req.Method,
					"path", Redact(req.RequestURI),
					"proto", req.Proto,
					"status", res.Status,
					"bytes_out", res.Size,
					"referer", req.Referer(),
					"user_agent", req.UserAgent(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", rid,
				}

				level := slog.LevelInfo
				if ex, ok := c.Get(model.ExchangeKey).(*model.Exchange); ok {
					out := ex.Outcome()
					attrs = append(attrs,
						"bytes_in", out.BytesIn,
						"target", Redact(out.Target),
						"outcome", out.Kind.String(),
						"state", out.State.String(),
					)
					if out.Err != nil {
						attrs = append(attrs, "err", Redact(out.Err.Error()))
					}
					if out.Kind.Fault() {
						level = slog.LevelWarn
					}
				}
				if err != nil {
					attrs = append(attrs, "handler_err", err.Error())
				}

				logger.Log(context.Background(), level, "request", attrs...)
			}()

			return next(c)
		}
	}
}
