package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/chatmeter/chatmeter/internal/api"
	"github.com/chatmeter/chatmeter/internal/config"
	"github.com/chatmeter/chatmeter/internal/database"
	"github.com/chatmeter/chatmeter/internal/detector"
	"github.com/chatmeter/chatmeter/internal/middleware"
	inats "github.com/chatmeter/chatmeter/internal/nats"
	"github.com/chatmeter/chatmeter/internal/notify"
	iredis "github.com/chatmeter/chatmeter/internal/redis"
	"github.com/chatmeter/chatmeter/internal/server"
	"github.com/chatmeter/chatmeter/internal/tracker"
	"github.com/chatmeter/chatmeter/internal/xmpp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("validating config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx := context.Background()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var (
		natsClient *inats.Client
		notifier   notify.Notifier = notify.NewLogNotifier()
	)
	if cfg.NATS.Enabled {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		notifier = notify.NewNATSNotifier(inats.NewPublisher(natsClient.JetStream()))
	}

	// Tracker
	repo := tracker.NewRepository(pool)
	sessions := tracker.NewSessionStore(redisClient, cfg.Tracking.SessionTTL)
	svc, err := tracker.NewService(ctx, repo, sessions, notifier, cfg.Tracking)
	if err != nil {
		slog.Error("initializing tracker", "error", err)
		os.Exit(1)
	}

	det := detector.New(svc, detector.Options{Debounce: cfg.Tracking.DebounceWindow})
	handler := tracker.NewHandler(svc, det)

	// Periodic daily-reset check
	scheduler := tracker.NewResetScheduler(svc, cfg.Tracking.ResetCheckEvery)
	scheduler.Start(ctx)

	// XMPP alert relay (optional, requires NATS)
	var xmppComponent *xmpp.Component
	if cfg.XMPP.Enabled {
		xmppComponent, err = xmpp.NewComponent(cfg.XMPP)
		if err != nil {
			slog.Error("creating XMPP component", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := xmppComponent.Start(ctx); err != nil {
				slog.Error("XMPP component stopped", "error", err)
			}
		}()

		relay := xmpp.NewAlertRelay(
			xmppComponent.Sender(),
			inats.NewConsumerManager(natsClient.JetStream()),
			cfg.XMPP.ComponentName,
			cfg.XMPP.AlertJID,
		)
		go func() {
			if err := relay.Start(ctx); err != nil {
				slog.Error("alert relay stopped", "error", err)
			}
		}()
	}

	// Snapshot rate limiter
	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.Tracking.SnapshotRateLimit, cfg.Tracking.SnapshotRateSec)

	// Router
	router := api.NewRouter(pool, natsClient, api.RouterConfig{
		CORSAllowedOrigins:  cfg.Server.CORSAllowedOrigins,
		SnapshotRateLimiter: rateLimiter.Middleware,
	}, api.HandlerSet{
		Events:         handler.Events,
		GetStats:       handler.GetStats,
		IngestSnapshot: handler.IngestSnapshot,
		AddManualFile:  handler.AddManualFile,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(func() {
		scheduler.Stop()
		if xmppComponent != nil {
			xmppComponent.Stop()
		}
	}); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
