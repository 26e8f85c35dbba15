// Package app wires the market service together and runs it: the store,
// the optional redis and s3 integrations, notifications, the HTTP API and
// the websocket hub.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/condmarket/internal/config"
	"github.com/alanyoungcy/condmarket/internal/server"
	"github.com/alanyoungcy/condmarket/internal/server/handler"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the hub, the event forwarder and the
// HTTP server, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("program", a.cfg.Program.Address().Hex()),
		slog.String("store", a.cfg.Store.Backend),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Hub.Run(ctx)
	})
	if deps.Forwarder != nil {
		g.Go(func() error {
			return deps.Forwarder.Run(ctx)
		})
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	<-ctx.Done()
	return g.Wait()
}

// startHTTPServer adds the API server and its graceful shutdown to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Port:              sc.Port,
		CORSOrigins:       sc.CORSOrigins,
		APIKey:            sc.APIKey,
		RequireSignatures: sc.RequireSignatures,
		MaxClockSkew:      sc.MaxClockSkew.Duration,
		RateLimit:         sc.RateLimit,
		RateWindow:        sc.RateWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Markets: handler.NewMarketHandler(deps.Engine, deps.Deriver, deps.MarketCache, a.logger),
	}, deps.Hub, server.Guards{Limiter: deps.RateLimiter, Nonces: deps.Nonces}, a.logger)

	if !sc.RequireSignatures {
		a.logger.WarnContext(ctx, "request signatures disabled; X-Caller is trusted")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		timeout := sc.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
