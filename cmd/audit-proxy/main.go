package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"audit-proxy-go/internal/client"
	"audit-proxy-go/internal/config"
	"audit-proxy-go/internal/handler"
	"audit-proxy-go/internal/metrics"
	"audit-proxy-go/internal/middleware"
	"audit-proxy-go/internal/reshape"
	"audit-proxy-go/internal/service"
	"audit-proxy-go/internal/storage"
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
		kong.Name("audit-proxy"),
		kong.Description("Forwarding proxy that records every request/response pair to a blob store."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	switch kctx.Command() {
	case "serve":
		fx.New(
			baseOptions(&cli),
			proxyOptions(),
			fx.Provide(
				newEcho,
				handler.NewProxyHandler,
				handler.NewHealthHandler,
			),
			fx.Invoke(handler.RegisterRoutes, startServer),
		).Run()
	case "reshape":
		kctx.FatalIfErrorf(runReshape(&cli))
	default:
		kctx.FatalIfErrorf(runLambda(&cli))
	}
}

// baseOptions provides what every subcommand needs: config, logging, metrics.
func baseOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
		),
		fx.Invoke(warnConfigPermissions),
	)
}

// proxyOptions provides the proxy service and its two capabilities.
func proxyOptions() fx.Option {
	return fx.Provide(
		newStore,
		newUpstream,
		newProxy,
	)
}

func runLambda(cli *config.CLI) error {
	var fh *handler.FunctionHandler
	var logger *slog.Logger
	app := fx.New(
		baseOptions(cli),
		proxyOptions(),
		fx.Provide(handler.NewFunctionHandler),
		fx.Populate(&fh, &logger),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	logger.Info("starting function handler", "version", version)
	lambda.StartWithOptions(fh.Invoke, lambda.WithEnableSIGTERM(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = app.Stop(stopCtx)
	}))
	return nil
}

func runReshape(cli *config.CLI) error {
	var job *reshape.Job
	var logger *slog.Logger
	app := fx.New(
		baseOptions(cli),
		fx.Provide(newLister, reshape.NewJob),
		fx.Populate(&job, &logger),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	sum, err := job.Run(ctx)
	if err != nil {
		logger.Error("reshape failed", "err", err,
			"published", sum.Published, "skipped", sum.Skipped, "invalid", sum.Invalid)
		return err
	}
	return nil
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

	// The stdout storage backend owns stdout; keep diagnostics apart from records.
	out := os.Stdout
	if cfg.Storage.Backend == config.BackendStdout {
		out = os.Stderr
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	s, err := storage.Open(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	lc.Append(fx.StopHook(s.Close))
	logger.Info("audit storage ready", "backend", cfg.Storage.Backend, "prefix", cfg.Audit.Prefix)
	return s, nil
}

func newLister(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (storage.Lister, error) {
	l, err := storage.OpenLister(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	lc.Append(fx.StopHook(l.Close))
	return l, nil
}

func newUpstream(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.Upstream {
	u := client.NewUpstream(cfg, logger, m)
	lc.Append(fx.StopHook(u.Close))
	return u
}

func newProxy(u *client.Upstream, s storage.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *service.Proxy {
	return service.NewProxy(u, s, cfg, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Responses are fully buffered, so a write can only start after the
	// upstream call and the audit write are done.
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second + 30*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "upstream", cfg.Upstream.BaseURL)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
