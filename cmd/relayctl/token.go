package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/k1networth/dispatch-relay/internal/shared/auth"
)

func newTokenCmd(c *cli) *cobra.Command {
	var (
		user   string
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for the event API",
		Long: `Mint an HS256 session token carrying a tenant and a user.

Examples:
  relayctl token --tenant acme --user agent-7
  wscat -c "ws://localhost:8080/ws/events?access_token=$(relayctl token --tenant acme)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireTenant(); err != nil {
				return err
			}
			if secret == "" {
				return auth.ErrNoSecret
			}
			tok, err := auth.NewIssuer(secret, ttl).Issue(auth.Principal{TenantID: c.tenant, UserID: user})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "relayctl", "user id")
	cmd.Flags().StringVar(&secret, "secret", c.cfg.JWTSecret, "signing secret (default JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", c.cfg.TokenTTL, "token lifetime")
	return cmd
}
