package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"togglsync/internal/app"
)

var webhookUser int64

var setupWebhooksCmd = &cobra.Command{
	Use:   "setup-webhooks",
	Short: "Register Toggl webhook subscriptions for every workspace of a user",
	Long: "Creates, re-enables or repoints one subscription per workspace so Toggl\n" +
		"delivers time entry events to https://$WEBHOOK_DOMAIN/webhook/toggl/<token>/.\n" +
		"Run sync-metadata first so workspaces have tokens.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if webhookUser <= 0 {
			return errors.New("--user is required")
		}
		ctx := cmd.Context()
		application, err := app.New(ctx, logger, cfg)
		if err != nil {
			return err
		}
		defer func() {
			c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = application.Close(c)
		}()

		rep, err := application.SetupWebhooks(ctx, webhookUser)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d existing=%d enabled=%d failed=%d\n",
			rep.Created, rep.Updated, rep.Existing, rep.Enabled, rep.Failed)
		return nil
	},
}

func init() {
	setupWebhooksCmd.Flags().Int64Var(&webhookUser, "user", 0, "User id to set up")
	rootCmd.AddCommand(setupWebhooksCmd)
}
