package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/k1networth/dispatch-relay/internal/channel"
	"github.com/k1networth/dispatch-relay/internal/realtime"
	"github.com/k1networth/dispatch-relay/internal/shared/config"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
	"github.com/k1networth/dispatch-relay/internal/shared/logger"
)

// cli carries what every subcommand shares. Flags override config.Load.
type cli struct {
	cfg config.Config
	log *slog.Logger

	redisURL string
	tenant   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: config.Load()}

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Inspect and drive the dispatch relay",
		Long: `relayctl talks to the realtime store and the durable channel directly.

It can mint session tokens, publish or seed events and follow a tenant's
event collections the way the dashboard does.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.log = logger.NewWriter(cmd.ErrOrStderr(), "relayctl", c.cfg.AppEnv, c.logLevel)
		},
	}

	root.PersistentFlags().StringVar(&c.redisURL, "redis-url", c.cfg.RedisURL, "realtime store url")
	root.PersistentFlags().StringVar(&c.tenant, "tenant", "", "tenant id")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		newTokenCmd(c),
		newPublishCmd(c),
		newSeedCmd(c),
		newListenCmd(c),
		newWatchCmd(c),
	)
	return root
}

func (c *cli) requireTenant() error {
	if c.tenant == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

func (c *cli) store(ctx context.Context) (*realtime.RedisStore, *redis.Client, error) {
	rdb, err := realtime.Connect(ctx, c.redisURL)
	if err != nil {
		return nil, nil, err
	}
	return realtime.NewRedisStore(rdb, realtime.WithTTL(c.cfg.RedisEventTTL), realtime.WithLogger(c.log)), rdb, nil
}

// channel opens the configured durable channel, or a no-op one when the
// event should only reach the realtime store.
func (c *cli) channel(ctx context.Context, realtimeOnly bool) (channel.Publisher, error) {
	if realtimeOnly {
		return nopChannel{}, nil
	}
	return channel.Open(ctx, channel.Config{
		Driver:            c.cfg.ChannelDriver,
		KafkaBrokers:      c.cfg.KafkaBrokers,
		KafkaTopic:        c.cfg.KafkaTopic,
		NATSURL:           c.cfg.NATSURL,
		NATSStream:        c.cfg.NATSStream,
		NATSSubjectPrefix: c.cfg.NATSSubjectPrefix,
	}, c.log)
}

type nopChannel struct{}

func (nopChannel) Publish(context.Context, channel.Message) error { return nil }

func (nopChannel) Close() error { return nil }

func parseTypes(raw []string) ([]events.Type, error) {
	if len(raw) == 0 {
		return events.Types, nil
	}
	out := make([]events.Type, 0, len(raw))
	for _, s := range raw {
		t, err := events.ParseType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
