package main

import (
	"errors"
	"fmt"

	"usageledger/internal/repository"

	"github.com/spf13/cobra"
)

func (c *cli) claimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Manage the Christmas token grant",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check <user-id>",
		Short: "Print whether a user has claimed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claimed, err := c.app.Claims.HasClaimedChristmasTokens(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(map[string]bool{"claimed": claimed})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "record <user-id>",
		Short: "Record a claim without granting tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claim, err := c.app.Claims.RecordChristmasClaim(cmd.Context(), args[0])
			if errors.Is(err, repository.ErrAlreadyClaimed) {
				return fmt.Errorf("user %s has already claimed", args[0])
			}
			if err != nil {
				return err
			}
			return c.printJSON(claim)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "grant <user-id>",
		Short: "Record a claim and raise the user's allowance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grant, err := c.app.Claims.ClaimChristmasTokens(cmd.Context(), args[0])
			if errors.Is(err, repository.ErrAlreadyClaimed) {
				return fmt.Errorf("user %s has already claimed", args[0])
			}
			if err != nil {
				return err
			}
			return c.printJSON(grant)
		},
	})

	return cmd
}
