package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/outbox"
	"github.com/k1networth/dispatch-relay/internal/shared/config"
	"github.com/k1networth/dispatch-relay/internal/shared/db"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

const appName = "outbox-relay"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		log.Error("config_error", logger.Err(db.ErrNoDatabaseURL))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Error("db_open_failed", logger.Err(err))
		os.Exit(1)
	}
	defer func() {
		if err := pg.Close(); err != nil {
			log.Error("db_close_failed", logger.Err(err))
		}
	}()

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
	defer func() { _ = ch.Close() }()

	reg := prometheus.NewRegistry()
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics_listen", slog.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics_server_error", logger.Err(err))
		}
	}()

	r := &outbox.Republisher{
		Queue:             outbox.NewStore(pg),
		Publisher:         ch,
		Metrics:           outbox.NewMetrics(reg),
		Log:               log,
		BatchSize:         cfg.OutboxBatchSize,
		ProcessingTimeout: cfg.OutboxProcessingTimeout,
		MaxAttempts:       cfg.OutboxMaxAttempts,
	}

	log.Info("relay_start",
		slog.Int("batch_size", cfg.OutboxBatchSize),
		slog.String("poll_interval", cfg.OutboxPollInterval.String()),
		slog.String("processing_timeout", cfg.OutboxProcessingTimeout.String()),
	)
	r.Run(ctx, cfg.OutboxPollInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("relay_shutdown")
}
