package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var version uint
	var force int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("version") {
				version = cfg.DatabaseMigrationVersion
			}
			if !cmd.Flags().Changed("force") {
				force = cfg.DatabaseMigrationForce
			}

			a := newApp(cfg, logger)
			defer a.close(context.WithoutCancel(cmd.Context()))

			if err := a.openDatabase(cmd.Context()); err != nil {
				return err
			}
			return a.migrate(cmd.Context(), version, force)
		},
	}

	cmd.Flags().UintVar(&version, "version", 0, "Target version (default: latest)")
	cmd.Flags().IntVar(&force, "force", 0, "Force the schema version before migrating, to clear a dirty state")
	return cmd
}
