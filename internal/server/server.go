package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/server/handler"
	"github.com/alanyoungcy/condmarket/internal/server/middleware"
	"github.com/alanyoungcy/condmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	RequireSignatures bool
	MaxClockSkew      time.Duration

	// RateLimit requests per RateWindow per client; ignored without a limiter.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
}

// Guards are the request guards shared between server instances. Either
// may be nil: without a Limiter requests are not rate limited, and without
// Nonces replayed signatures are tracked in-process only.
type Guards struct {
	Limiter domain.RateLimiter
	Nonces  domain.NonceStore
}

// Server is the HTTP + WebSocket API of the market service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, guards Guards, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, handlers, wsHub, guards, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, guards Guards, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/markets", handlers.Markets.Initialize)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/addresses", handlers.Markets.Addresses)
	mux.HandleFunc("POST /api/markets/{id}/split", handlers.Markets.Split)
	mux.HandleFunc("POST /api/markets/{id}/merge", handlers.Markets.Merge)
	mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Markets.Settle)
	mux.HandleFunc("POST /api/markets/{id}/claim", handlers.Markets.Claim)
	mux.HandleFunc("GET /api/markets/{id}/positions/{owner}", handlers.Markets.GetPosition)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Innermost first: the limiter keys on the caller that Identity attaches.
	var h http.Handler = mux
	if guards.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(guards.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Identity(middleware.IdentityConfig{
		RequireSignatures: cfg.RequireSignatures,
		MaxSkew:           cfg.MaxClockSkew,
		Nonces:            guards.Nonces,
	})(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
