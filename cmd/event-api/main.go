package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/listener"
	"github.com/k1networth/dispatch-relay/internal/outbox"
	"github.com/k1networth/dispatch-relay/internal/process"
	"github.com/k1networth/dispatch-relay/internal/publisher"
	"github.com/k1networth/dispatch-relay/internal/realtime"
	"github.com/k1networth/dispatch-relay/internal/shared/auth"
	"github.com/k1networth/dispatch-relay/internal/shared/config"
	"github.com/k1networth/dispatch-relay/internal/shared/db"
	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
	"github.com/k1networth/dispatch-relay/internal/stream"
)

const appName = "event-api"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	if cfg.JWTSecret == "" {
		log.Error("config_error", logger.Err(auth.ErrNoSecret))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := realtime.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis_connect_failed", logger.Err(err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	store := realtime.NewRedisStore(rdb, realtime.WithTTL(cfg.RedisEventTTL), realtime.WithLogger(log))

	ch, err := channel.Open(ctx, channel.Config{
		Driver:            cfg.ChannelDriver,
		KafkaBrokers:      cfg.KafkaBrokers,
		KafkaTopic:        cfg.KafkaTopic,
		NATSURL:           cfg.NATSURL,
		NATSStream:        cfg.NATSStream,
		NATSSubjectPrefix: cfg.NATSSubjectPrefix,
		WriteTimeout:      5 * time.Second,
	}, log)
	if err != nil {
		log.Error("channel_open_failed", slog.String("driver", cfg.ChannelDriver), logger.Err(err))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pubOpts := []publisher.Option{publisher.WithLogger(log), publisher.WithMetrics(reg)}
	var procStore process.Store = process.NewInMemoryStore()

	// With a database, processes are persisted and failed durable publishes
	// are parked for the outbox-relay.
	if cfg.DatabaseURL != "" {
		if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			log.Error("db_migrate_failed", logger.Err(err))
			os.Exit(1)
		}
		pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
		if err != nil {
			log.Error("db_open_failed", logger.Err(err))
			os.Exit(1)
		}
		defer func() { _ = pg.Close() }()

		procStore = process.NewPostgresStore(pg)
		pubOpts = append(pubOpts, publisher.WithParker(outbox.NewStore(pg)))
	} else {
		log.Warn("database_disabled", slog.String("store", "memory"))
	}

	pub := publisher.New(store, ch, pubOpts...)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Error("channel_close_failed", logger.Err(err))
		}
	}()

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	procH := &process.Handler{
		Log:    log,
		Store:  procStore,
		Events: pub,
		Auth:   issuer.Middleware,
	}
	streamH := &stream.Handler{
		Log:      log,
		Listener: listener.New(store, listener.WithWindow(cfg.ListenerWindow), listener.WithLogger(log)),
		Auth:     issuer.Middleware,
	}

	srv := httpx.NewServer(cfg.HTTPAddr, httpx.NewRouter(log, reg, procH, streamH))
	// Websocket writes manage their own deadlines.
	srv.WriteTimeout = 0

	if err := httpx.Run(ctx, log, srv, 10*time.Second); err != nil {
		os.Exit(1)
	}
}
