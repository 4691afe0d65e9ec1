package main

import (
	"context"
	"fmt"

	"bcsync/internal/app"

	"github.com/spf13/cobra"
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "Manage the ERP webhook subscription",
}

var subscriptionsEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the subscription, or renew it when close to expiry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sub, err := a.SubscriptionSvc.EnsureSubscription(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		})
	},
}

var subscriptionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored subscriptions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return printJSON(cmd.OutOrStdout(), a.SubscriptionSvc.List(ctx))
		})
	},
}

var subscriptionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a subscription upstream and from the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.SubscriptionSvc.DeleteSubscription(ctx, args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		})
	},
}

func init() {
	subscriptionsCmd.AddCommand(subscriptionsEnsureCmd, subscriptionsListCmd, subscriptionsDeleteCmd)
	rootCmd.AddCommand(subscriptionsCmd)
}
