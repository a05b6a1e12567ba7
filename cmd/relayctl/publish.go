package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k1networth/dispatch-relay/internal/publisher"
	"github.com/k1networth/dispatch-relay/internal/shared/events"
)

func newPublishCmd(c *cli) *cobra.Command {
	var (
		data         string
		user         string
		id           string
		realtimeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "publish <type> <action>",
		Short: "Publish one event to the realtime store and the durable channel",
		Example: `  relayctl publish process status_changed --tenant acme --data '{"processId":"p1","status":"done"}'
  relayctl publish system ping --tenant acme --realtime-only`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			typ, err := events.ParseType(args[0])
			if err != nil {
				return err
			}
			var payload any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid json")
				}
				payload = json.RawMessage(data)
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

			res, err := pub.Publish(ctx, c.tenant, typ, args[1], payload,
				publisher.WithUserID(user), publisher.WithEventID(id))
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(res.Envelope)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "event payload as json")
	cmd.Flags().StringVar(&user, "user", "", "acting user id")
	cmd.Flags().StringVar(&id, "id", "", "event id (generated when empty)")
	cmd.Flags().BoolVar(&realtimeOnly, "realtime-only", false, "skip the durable channel")
	return cmd
}
