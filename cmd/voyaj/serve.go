package main

import (
	"github.com/spf13/cobra"

	"github.com/practpec/voyaj-api/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the daily maintenance loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "api", func(a *app.App) error {
			a.Logger.Info().
				Str("version", Version).
				Str("storage", a.Config.Storage.Backend).
				Bool("scheduler", a.Config.Scheduler.Enabled).
				Msg("starting voyaj subscription service")
			return a.Serve(cmd.Context())
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the storage schema",
	Long: `Applies SQL migrations for the postgres backend or ensures indexes for
the mongo backend. The memory backend has nothing to migrate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "migrate", func(a *app.App) error {
			if err := a.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.Logger.Info().Str("storage", a.Config.Storage.Backend).Msg("schema up to date")
			return nil
		})
	},
}
