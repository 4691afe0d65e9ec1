package main

import (
	"context"

	"bcsync/internal/app"

	"github.com/spf13/cobra"
)

var projectNote string

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Per-project sync switches",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects that have a stored sync setting",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return printJSON(cmd.OutOrStdout(), a.ProjectSettings.List(ctx))
		})
	},
}

var projectsEnableCmd = &cobra.Command{
	Use:   "enable <projectNo>",
	Short: "Resume syncing a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProjectDisabled(cmd, args[0], false)
	},
}

var projectsDisableCmd = &cobra.Command{
	Use:   "disable <projectNo>",
	Short: "Exclude a project from every sync path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProjectDisabled(cmd, args[0], true)
	},
}

func setProjectDisabled(cmd *cobra.Command, projectNo string, disabled bool) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		setting, err := a.ProjectSettings.SetProjectDisabled(ctx, projectNo, disabled, projectNote)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), setting)
	})
}

func init() {
	for _, c := range []*cobra.Command{projectsEnableCmd, projectsDisableCmd} {
		c.Flags().StringVar(&projectNote, "note", "", "Reason recorded with the setting")
	}
	projectsCmd.AddCommand(projectsListCmd, projectsEnableCmd, projectsDisableCmd)
	rootCmd.AddCommand(projectsCmd)
}
