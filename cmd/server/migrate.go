package main

import (
	"infinite-experiment/warden/internal/db"
	"infinite-experiment/warden/internal/logging"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := db.Open(opts.cfg)
			if err != nil {
				return err
			}
			if sqlDB, err := gdb.DB(); err == nil {
				defer sqlDB.Close()
			}

			if err := db.Migrate(gdb); err != nil {
				return err
			}
			logging.Info("Schema migrated", "driver", opts.cfg.DBDriver)
			return nil
		},
	}
}
