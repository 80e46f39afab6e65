package main

import (
	"github.com/spf13/cobra"

	"github.com/practpec/voyaj-api/internal/app"
)

var (
	trialsDaysAhead int
	trialsExtendBy  int
	eventsLimit     int
)

var trialsCmd = &cobra.Command{
	Use:   "trials",
	Short: "Run trial maintenance jobs",
	Long: `Trial jobs are idempotent; re-running one finds nothing new.

Examples:
  voyaj trials check --days 3     # warn trials ending in three days
  voyaj trials expire             # expire trials that have ended
  voyaj trials daily              # warnings, expiry, event retries and cache sweep
  voyaj trials extend user_1 --days 7`,
}

var trialsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Warn trials ending in --days days",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "trials", func(a *app.App) error {
			days := trialsDaysAhead
			if !cmd.Flags().Changed("days") {
				days = a.Config.Scheduler.WarningDays
			}
			report, err := a.Scheduler.CheckExpiringTrials(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var trialsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire every trial whose end has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "trials", func(a *app.App) error {
			report, err := a.Scheduler.ExpireTrials(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var trialsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print trial conversion statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "trials", func(a *app.App) error {
			stats, err := a.Scheduler.RunWeekly(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		})
	},
}

var trialsDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run the daily maintenance once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "trials", func(a *app.App) error {
			report, err := a.Scheduler.RunDaily(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var trialsExtendCmd = &cobra.Command{
	Use:   "extend <user-id>",
	Short: "Extend a user's trial by --days days",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "trials", func(a *app.App) error {
			sub, err := a.Scheduler.ExtendTrial(cmd.Context(), args[0], trialsExtendBy)
			if err != nil {
				return err
			}
			return printJSON(cmd, sub)
		})
	},
}

var trialsConvertCmd = &cobra.Command{
	Use:   "convert <user-id>",
	Short: "Convert a user's trial to a paid subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "trials", func(a *app.App) error {
			changed, err := a.Scheduler.ConvertTrialToPaid(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{"userId": args[0], "changed": changed})
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and repair webhook event processing",
}

var eventsRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-dispatch failed webhook events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "events", func(a *app.App) error {
			report, err := a.Processor.RetryFailedEvents(cmd.Context(), eventsLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

func init() {
	trialsCheckCmd.Flags().IntVar(&trialsDaysAhead, "days", 3, "days ahead of today to look for ending trials (default SCHEDULER_WARNING_DAYS)")
	trialsExtendCmd.Flags().IntVar(&trialsExtendBy, "days", 7, "days to add to the trial")
	eventsRetryCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum events to retry")

	trialsCmd.AddCommand(trialsCheckCmd, trialsExpireCmd, trialsStatsCmd, trialsDailyCmd, trialsExtendCmd, trialsConvertCmd)
	eventsCmd.AddCommand(eventsRetryCmd)
}
