package main

import (
	"context"
	"errors"

	"bcsync/internal/app"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one incremental pass: preview, decide, apply, commit cursors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Engine.RunSync(ctx)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		})
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Preview both change feeds and print the direction a pass would take",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			d, err := a.Engine.Decide(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		})
	},
}

var (
	syncProjectNos       []string
	syncProjectDirection string
	fullDirection        string
)

var syncProjectCmd = &cobra.Command{
	Use:   "sync-project",
	Short: "Sync specific projects in one direction",
	Example: `  synccli sync-project --project PR00042
  synccli sync-project --project PR00042 --project PR00043 --direction premiumToBc`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if len(syncProjectNos) == 0 {
			return errors.New("at least one --project is required")
		}
		direction, err := parseDirection(syncProjectDirection)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sum, err := a.Engine.SyncProjects(ctx, direction, syncProjectNos)
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		})
	},
}

var fullCmd = &cobra.Command{
	Use:   "full",
	Short: "Reconcile every project in one direction",
	RunE: func(cmd *cobra.Command, _ []string) error {
		direction, err := parseDirection(fullDirection)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sum, err := a.Engine.RunFullSync(ctx, direction)
			if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process one batch of queued webhook jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Worker.Drain(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	syncProjectCmd.Flags().StringSliceVarP(&syncProjectNos, "project", "p", nil, "Project number (repeatable)")
	syncProjectCmd.Flags().StringVar(&syncProjectDirection, "direction", "", "bcToPremium (default) or premiumToBc")
	fullCmd.Flags().StringVar(&fullDirection, "direction", "", "bcToPremium (default) or premiumToBc")

	rootCmd.AddCommand(runCmd, decideCmd, syncProjectCmd, fullCmd, drainCmd)
}
