package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"togglsync/internal/app"
)

var metadataUser int64

var syncMetadataCmd = &cobra.Command{
	Use:   "sync-metadata",
	Short: "Pull organizations, workspaces, projects, tags and webhooks for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if metadataUser <= 0 {
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

		rep, err := application.SyncMetadata(ctx, metadataUser)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"organizations=%d workspaces=%d projects=%d tags=%d webhooks=%d failures=%d\n",
			rep.Organizations, rep.Workspaces, rep.Projects, rep.Tags, rep.Webhooks, rep.Failures)
		return nil
	},
}

func init() {
	syncMetadataCmd.Flags().Int64Var(&metadataUser, "user", 0, "User id to sync")
	rootCmd.AddCommand(syncMetadataCmd)
}
