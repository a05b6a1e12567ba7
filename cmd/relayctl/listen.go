package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/k1networth/dispatch-relay/internal/dashboard"
	"github.com/k1networth/dispatch-relay/internal/listener"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

func (c *cli) listener(window time.Duration) listener.Option {
	if window <= 0 {
		window = c.cfg.ListenerWindow
	}
	return listener.WithWindow(window)
}

// runFor bounds ctx by d when d is positive.
func runFor(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func newListenCmd(c *cli) *cobra.Command {
	var (
		types  []string
		window time.Duration
		dur    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print a tenant's fresh events as json lines",
		Example: `  relayctl listen --tenant acme
  relayctl listen --tenant acme --type process --window 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			typs, err := parseTypes(types)
			if err != nil {
				return err
			}
			ctx, cancel := runFor(cmd.Context(), dur)
			defer cancel()

			store, rdb, err := c.store(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()
			l := listener.New(store, c.listener(window), listener.WithLogger(c.log))

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(env events.Envelope) {
				mu.Lock()
				defer mu.Unlock()
				_ = enc.Encode(env)
			}

			subs := make([]*listener.Subscription, 0, len(typs))
			defer func() {
				for _, s := range subs {
					s.Unsubscribe()
					<-s.Done()
				}
			}()
			for _, typ := range typs {
				s, err := l.Subscribe(ctx, c.tenant, typ, emit)
				if err != nil {
					return err
				}
				subs = append(subs, s)
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "event types (default all)")
	cmd.Flags().DurationVar(&window, "window", 0, "staleness window (default LISTENER_WINDOW)")
	cmd.Flags().DurationVar(&dur, "for", 0, "stop after this long (default until interrupted)")
	return cmd
}

func newWatchCmd(c *cli) *cobra.Command {
	var (
		types    []string
		window   time.Duration
		interval time.Duration
		dur      time.Duration
	)
	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Print a live per-type summary of a tenant's events",
		Example: `  relayctl watch --tenant acme --interval 2s`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			typs, err := parseTypes(types)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = time.Second
			}
			ctx, cancel := runFor(cmd.Context(), dur)
			defer cancel()

			store, rdb, err := c.store(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()
			l := listener.New(store, c.listener(window), listener.WithLogger(c.log))

			agg, err := dashboard.New(ctx, l, c.tenant, typs)
			if err != nil {
				return err
			}
			defer agg.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return enc.Encode(agg.Status())
				case <-t.C:
					if err := enc.Encode(agg.Status()); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "event types (default all)")
	cmd.Flags().DurationVar(&window, "window", 0, "staleness window (default LISTENER_WINDOW)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "summary interval")
	cmd.Flags().DurationVar(&dur, "for", 0, "stop after this long (default until interrupted)")
	return cmd
}
