package main

import (
	"fmt"

	"docvault/internal/server/app"
	"docvault/internal/server/config"

	"github.com/spf13/cobra"
)

func newScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one expiry scan now",
		Long:  `Runs a single expiry scan against the configured stores and reports what was sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			stores, err := app.OpenStores(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer stores.Close()

			tracker, release, err := app.NewPresence(ctx, cfg, stores.Users)
			if err != nil {
				return err
			}
			defer release()

			res := app.NewScanner(cfg, stores.Docs, stores.Users, tracker, app.NewSender(ctx, cfg)).RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "collections=%d offline=%d sent=%d skipped=%d failed=%d\n",
				res.Collections, res.Offline, res.Sent, res.Skipped, res.Failed)
			return nil
		},
	}
}
