package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/practpec/voyaj-api/internal/app"
	"github.com/practpec/voyaj-api/internal/config"
	"github.com/practpec/voyaj-api/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:           "voyaj",
	Short:         "Voyaj subscription and entitlement service",
	Long:          `Serves the Voyaj subscription API and runs its trial and webhook maintenance jobs.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voyaj %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(trialsCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadApp reads configuration, sets up logging and wires the service.
// The caller closes the returned App.
func loadApp(cmd *cobra.Command, component string) (*app.App, zerolog.Logger, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	logger := logging.New(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: component,
		Output:    cmd.ErrOrStderr(),
	})

	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, logger, fmt.Errorf("failed to initialize: %w", err)
	}
	return a, logger, nil
}

// withApp runs fn against a freshly wired App and closes it afterwards
func withApp(cmd *cobra.Command, component string, fn func(a *app.App) error) error {
	a, logger, err := loadApp(cmd, component)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to close storage")
		}
	}()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
