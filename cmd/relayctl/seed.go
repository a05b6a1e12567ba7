package main

import (
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/k1networth/dispatch-relay/internal/publisher"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

var processStatuses = []string{"open", "in_progress", "waiting_documents", "done", "cancelled"}

// fakeEvent builds a plausible action and payload for typ.
func fakeEvent(f *gofakeit.Faker, typ events.Type) (string, map[string]any) {
	switch typ {
	case events.TypeProcess:
		if f.Bool() {
			return "created", map[string]any{
				"processId": f.UUID(),
				"plate":     strings.ToUpper(f.LetterN(3)) + f.DigitN(1) + strings.ToUpper(f.LetterN(1)) + f.DigitN(2),
				"service":   f.RandomString([]string{"transfer", "licensing", "inspection", "plate_change"}),
				"status":    "open",
			}
		}
		return "status_changed", map[string]any{
			"processId": f.UUID(),
			"from":      "open",
			"status":    f.RandomString(processStatuses),
		}
	case events.TypeClient:
		return "created", map[string]any{
			"clientId": f.UUID(),
			"name":     f.Name(),
			"email":    f.Email(),
			"phone":    f.Phone(),
		}
	case events.TypeNotification:
		return "sent", map[string]any{
			"notificationId": f.UUID(),
			"title":          f.Sentence(4),
			"body":           f.Sentence(12),
			"recipient":      f.Email(),
		}
	default:
		return "ping", map[string]any{"host": f.DomainName()}
	}
}

func newSeedCmd(c *cli) *cobra.Command {
	var (
		count        int
		types        []string
		seed         int64
		realtimeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish fake events for a tenant",
		Example: `  relayctl seed --tenant acme --count 50
  relayctl seed --tenant acme --type process,client --realtime-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			typs, err := parseTypes(types)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, rdb, err := c.store(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()
			ch, err := c.channel(ctx, realtimeOnly)
			if err != nil {
				return err
			}
			pub := publisher.New(store, ch, publisher.WithLogger(c.log))
			defer func() { _ = pub.Close() }()

			f := gofakeit.New(seed)
			failed := 0
			for i := 0; i < count; i++ {
				typ := typs[f.Number(0, len(typs)-1)]
				action, data := fakeEvent(f, typ)
				res, err := pub.Publish(ctx, c.tenant, typ, action, data, publisher.WithUserID(f.Username()))
				if err != nil {
					return err
				}
				if res.Err() != nil {
					failed++
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %d events (%d with failed branches)\n", count, failed)
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of events")
	cmd.Flags().StringSliceVar(&types, "type", nil, "event types to draw from (default all)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().BoolVar(&realtimeOnly, "realtime-only", false, "skip the durable channel")
	return cmd
}
