package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/condmarket/internal/address"
	s3blob "github.com/alanyoungcy/condmarket/internal/blob/s3"
	"github.com/alanyoungcy/condmarket/internal/cache/redis"
	"github.com/alanyoungcy/condmarket/internal/config"
	"github.com/alanyoungcy/condmarket/internal/domain"
	"github.com/alanyoungcy/condmarket/internal/engine"
	"github.com/alanyoungcy/condmarket/internal/notify"
	"github.com/alanyoungcy/condmarket/internal/server/handler"
	"github.com/alanyoungcy/condmarket/internal/server/ws"
	"github.com/alanyoungcy/condmarket/internal/store/memory"
	"github.com/alanyoungcy/condmarket/internal/store/postgres"
)

// Dependencies bundles everything the service runs on. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Deriver address.Deriver
	Store   domain.Store
	Audit   domain.AuditStore
	Engine  *engine.Engine

	// Redis-backed; nil when redis is disabled.
	LockManager domain.LockManager
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	Nonces      domain.NonceStore
	SignalBus   domain.SignalBus

	// Settlement archive; nil when s3 is disabled.
	Archiver *s3blob.SettlementArchiver

	Notifier  *notify.Notifier
	Hub       *ws.Hub
	Forwarder *EventForwarder

	// Health probes keyed by dependency name.
	Health map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from cfg and
// returns them with a cleanup function that releases resources in reverse
// order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Deriver: address.New(cfg.Program.Address()),
		Health:  map[string]handler.HealthCheck{},
	}

	// --- Store ---
	switch strings.ToLower(cfg.Store.Backend) {
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			applied, err := pg.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "applied migrations", slog.Any("files", applied))
			}
		}
		deps.Store = pg.Store()
		deps.Audit = pg.Audit()
		deps.Health["postgres"] = func(ctx context.Context) error { return pg.Pool().Ping(ctx) }
	default:
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
		deps.Store = memory.New()
	}

	// --- Redis ---
	var groups domain.StreamGroups
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.LockManager = redis.NewLockManager(rc, cfg.Market.LockRetry.Duration)
		deps.MarketCache = redis.NewMarketCache(rc, cfg.Market.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Nonces = redis.NewNonceStore(rc)
		bus := redis.NewSignalBus(rc)
		deps.SignalBus = bus
		groups = bus
		deps.Health["redis"] = rc.Ping
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Engine ---
	publishers := &fanout{}
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithPublisher(publishers),
		engine.WithDeadlineEnforcement(cfg.Market.EnforceDeadline),
	}
	if deps.Audit != nil {
		opts = append(opts, engine.WithAudit(deps.Audit))
	}
	if deps.LockManager != nil {
		opts = append(opts, engine.WithLocker(deps.LockManager, cfg.Market.LockTTL.Duration))
	}
	if deps.MarketCache != nil {
		opts = append(opts, engine.WithCache(deps.MarketCache))
	}
	deps.Engine = engine.New(deps.Store, deps.Deriver, opts...)

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewSettlementArchiver(deps.Engine, s3blob.NewWriter(sc), s3blob.NewReader(sc), deps.Audit, logger)
		deps.Health["s3"] = sc.Health
	}

	// --- Event delivery ---
	// With redis, events travel through the bus: the hub subscribes to the
	// live channels and the forwarder tails the stream for the slower sinks.
	// Without it they are delivered in-process.
	var sinks []domain.EventPublisher
	if deps.Notifier.Enabled() {
		sinks = append(sinks, deps.Notifier)
	}
	if deps.Archiver != nil {
		sinks = append(sinks, deps.Archiver)
	}
	if deps.SignalBus != nil {
		deps.Hub = ws.NewHub(deps.SignalBus, logger)
		publishers.add(redis.NewEventPublisher(deps.SignalBus))
		if len(sinks) > 0 {
			deps.Forwarder = NewEventForwarder(groups, redis.EventStream, time.Now(), sinks, logger)
		}
	} else {
		deps.Hub = ws.NewHub(nil, logger)
		publishers.add(deps.Hub)
		for _, s := range sinks {
			publishers.add(s)
		}
	}

	return deps, cleanup, nil
}

// OpenPostgres connects to the configured database.
func OpenPostgres(ctx context.Context, cfg *config.Config) (*postgres.Client, error) {
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:             cfg.Postgres.DSN,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.PoolMaxConns,
		MinConns:        cfg.Postgres.PoolMinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return pg, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
