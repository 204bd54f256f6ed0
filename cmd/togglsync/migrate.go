package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	msql "togglsync/internal/adapter/mysql"
	"togglsync/internal/migrate"
)

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := msql.NormalizeDSN(cfg.MySQL.DSN)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if !migrateStatus {
			if err := migrate.Run(ctx, dsn, logger); err != nil {
				return err
			}
		}
		all, err := migrate.Status(ctx, dsn)
		if err != nil {
			return err
		}
		for _, m := range all {
			state := "pending"
			if m.AppliedAt != nil {
				state = "applied " + m.AppliedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%04d  %-30s %s\n", m.Version, m.File, state)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Only list migrations and their state")
	rootCmd.AddCommand(migrateCmd)
}
