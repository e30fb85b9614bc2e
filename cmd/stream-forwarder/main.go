package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"stream-forwarder/internal/client"
	"stream-forwarder/internal/config"
	"stream-forwarder/internal/handler"
	"stream-forwarder/internal/listener"
	"stream-forwarder/internal/metrics"
	"stream-forwarder/internal/middleware"
	"stream-forwarder/internal/service"
	"stream-forwarder/internal/target"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("stream-forwarder"),
		kong.Description("Transparent HTTP forwarder: relays each request to the URL it carries and streams the response back."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	// Loaded up front so the shutdown timeout can size fx's stop deadline.
	cfg, err := config.Load(&cli)
	kctx.FatalIfErrorf(err)

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			func() handler.Version { return handler.Version(version) },
			newLogger,
			newMetrics,
			newEcho,
			client.NewUpstreamClient,
			func(c *client.UpstreamClient) service.Doer { return c },
			service.NewProxyService,
			target.NewResolver,
			handler.NewHomeHandler,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.StopTimeout(cfg.Server.ShutdownTimeout()+time.Second),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newMetrics returns nil when metrics are disabled; every consumer accepts that.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	// Bodies stream in both directions for as long as they take, so there is
	// no read or write deadline on the whole request.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := listener.Listen(&cfg.Server)
			if err != nil {
				return err
			}

			bodyLimit := "unlimited"
			if cfg.Server.BodyMaxBytes > 0 {
				bodyLimit = humanize.IBytes(uint64(cfg.Server.BodyMaxBytes))
			}
			logger.Info("starting server",
				"addr", ln.Addr().String(),
				"version", version,
				"mode", cfg.Target.Mode,
				"body_limit", bodyLimit,
				"proxy_protocol", cfg.Server.ProxyProtocol,
				"metrics", cfg.Metrics.Enabled,
			)
			if cfg.Server.ProxyProtocol && len(cfg.Server.ProxyProtocolTrusted) == 0 {
				logger.Warn("proxy_protocol accepts headers from any peer; set server.proxy_protocol_trusted")
			}
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout())
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
			defer cancel()
			return e.Shutdown(ctx)
		},
	})
}
