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
	"github.com/k1networth/dispatch-relay/internal/pusher"
	"github.com/k1networth/dispatch-relay/internal/shared/config"
	"github.com/k1networth/dispatch-relay/internal/shared/kafkax"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
	"github.com/k1networth/dispatch-relay/internal/shared/natsx"
)

const appName = "push-subscriber"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	p, err := pusher.New(pusher.Config{
		Endpoint:     cfg.RelayEndpoint,
		Token:        cfg.RelayToken,
		Subscription: cfg.PushSubscription,
		MaxElapsed:   cfg.PushMaxElapsed,
	}, pusher.WithLogger(log), pusher.WithMetrics(reg))
	if err != nil {
		log.Error("config_error", logger.Err(err))
		os.Exit(2)
	}

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
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	switch cfg.ChannelDriver {
	case "", channel.DriverKafka:
		err = runKafka(ctx, cfg, p)
	case channel.DriverNATS:
		err = runNATS(ctx, cfg, log, p)
	default:
		err = channel.ErrUnknownDriver
	}
	if err != nil {
		log.Error("push_subscriber_failed", slog.String("driver", cfg.ChannelDriver), logger.Err(err))
		os.Exit(1)
	}
}

func runKafka(ctx context.Context, cfg config.Config, p *pusher.Pusher) error {
	consumer := kafkax.NewConsumer(kafkax.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
	defer func() { _ = consumer.Close() }()

	dlq := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaDLQTopic,
		ClientID: appName,
	})
	defer func() { _ = dlq.Close() }()

	p.RunKafka(ctx, consumer, dlq)
	return nil
}

func runNATS(ctx context.Context, cfg config.Config, log *slog.Logger, p *pusher.Pusher) error {
	client, err := natsx.Connect(natsx.DefaultConfig(cfg.NATSURL), log)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.EnsureStream(ctx, cfg.NATSStream, []string{cfg.NATSSubjectPrefix + ".>"}, 7*24*time.Hour); err != nil {
		return err
	}
	if err := client.EnsureStream(ctx, cfg.NATSStream+"_DLQ", []string{cfg.NATSDLQSubject}, 30*24*time.Hour); err != nil {
		return err
	}

	// Retries happen inside Push, so the redelivery budget only covers
	// crashes and failed dead-letter publishes.
	cons, err := client.EnsureConsumer(ctx, natsx.ConsumerConfig{
		Stream:        cfg.NATSStream,
		Name:          cfg.NATSConsumer,
		FilterSubject: cfg.NATSSubjectPrefix + ".>",
		AckWait:       cfg.PushMaxElapsed + 30*time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return err
	}

	log.Info("push_subscriber_start", slog.String("driver", channel.DriverNATS), slog.String("consumer", cfg.NATSConsumer))
	return client.Consume(ctx, cons, 5*time.Second, p.JetStreamHandler(client, cfg.NATSDLQSubject))
}
