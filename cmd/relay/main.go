package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k1networth/dispatch-relay/internal/realtime"
	"github.com/k1networth/dispatch-relay/internal/relay"
	"github.com/k1networth/dispatch-relay/internal/shared/config"
	"github.com/k1networth/dispatch-relay/internal/shared/httpx"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

const appName = "relay"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	if cfg.RelayToken == "" {
		log.Warn("relay_token_disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := realtime.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis_connect_failed", logger.Err(err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	reg := prometheus.NewRegistry()
	store := realtime.NewRedisStore(rdb, realtime.WithTTL(cfg.RedisEventTTL), realtime.WithLogger(log))
	h := relay.NewHandler(store,
		relay.WithToken(cfg.RelayToken),
		relay.WithLogger(log),
		relay.WithMetrics(reg),
	)

	if cfg.RetentionMaxAge > 0 {
		pruner := realtime.NewPruner(rdb, cfg.RetentionMaxAge, log, reg)
		go pruner.Run(ctx, cfg.RetentionInterval)
	}

	srv := httpx.NewServer(cfg.HTTPAddr, httpx.NewRouter(log, reg, h))
	if err := httpx.Run(ctx, log, srv, 10*time.Second); err != nil {
		os.Exit(1)
	}
}
