package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func (c *cli) usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and adjust token usage",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Print the usage row of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := c.app.Usage.GetUserUsage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(u)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create <user-id>",
		Short: "Create an empty usage row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Usage.CreateEmptyUserUsage(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Created usage row for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "increment <user-id> <tokens>",
		Short: "Add tokens to a user's usage",
		Long: `Add tokens to a user's usage and print the remaining allowance.

Fractions are floored; negative or non-numeric amounts count as zero.

Examples:
  ledgerctl usage increment user_123 1500`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid token amount %q: %w", args[1], err)
			}
			res := c.app.Usage.IncrementTokenUsage(cmd.Context(), args[0], tokens)
			if res.UsageError {
				return fmt.Errorf("failed to increment usage: %w", res.Err)
			}
			return c.printJSON(res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <user-id>",
		Short: "Print the remaining allowance of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := c.app.Usage.CheckTokenUsage(cmd.Context(), args[0])
			if res.NotFound {
				return fmt.Errorf("no usage row for user %s", args[0])
			}
			if res.UsageError {
				return fmt.Errorf("failed to check usage: %w", res.Err)
			}
			return c.printJSON(res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-max <user-id> <tokens>",
		Short: "Assign a user's token allowance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid allowance %q: %w", args[1], err)
			}
			if err := c.app.Usage.SetMaxTokenUsage(cmd.Context(), args[0], limit); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Set allowance of %s to %d\n", args[0], max(limit, 0))
			return nil
		},
	})

	return cmd
}

func (c *cli) subscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Inspect and record subscription status",
	}

	var status, payment, cycle string
	setCmd := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Create or update the subscription status of a user",
		Long: `Create or update the subscription status of a user.

Examples:
  ledgerctl subscription set user_123 --status active --payment paid --cycle monthly`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Usage.CreateOrUpdateUserSubscriptionStatus(cmd.Context(), args[0], status, payment, cycle); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Updated subscription of %s\n", args[0])
			return nil
		},
	}
	setCmd.Flags().StringVar(&status, "status", "active", "Subscription status")
	setCmd.Flags().StringVar(&payment, "payment", "paid", "Payment status")
	setCmd.Flags().StringVar(&cycle, "cycle", "monthly", "Billing cycle")
	cmd.AddCommand(setCmd)

	var failStatus, failPayment string
	failCmd := &cobra.Command{
		Use:   "fail <user-id>",
		Short: "Record a failed payment for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Usage.HandleFailedPayment(cmd.Context(), args[0], failStatus, failPayment); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Recorded failed payment for %s\n", args[0])
			return nil
		},
	}
	failCmd.Flags().StringVar(&failStatus, "status", "past_due", "Subscription status")
	failCmd.Flags().StringVar(&failPayment, "payment", "failed", "Payment status")
	cmd.AddCommand(failCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "check <user-id>",
		Short: "Print whether a user has an active paid subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := c.app.Usage.CheckUserSubscriptionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(map[string]bool{"active": active})
		},
	})

	return cmd
}
