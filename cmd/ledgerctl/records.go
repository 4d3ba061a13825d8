package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func (c *cli) deploymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Inspect linked deployments",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's linked deployments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := c.app.Deployments.ListDeployments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(tokens)
		},
	})

	return cmd
}

func (c *cli) fileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Inspect uploaded files",
	}

	var limit, offset int
	listCmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's uploaded files, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := c.app.Files.ListFiles(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			return c.printJSON(files)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of files")
	listCmd.Flags().IntVar(&offset, "offset", 0, "Number of files to skip")
	cmd.AddCommand(listCmd)
	cmd.AddCommand(c.deadLetterCmd())

	return cmd
}

func (c *cli) deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue failed processing jobs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			letters, err := c.app.DeadLetters.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return c.printJSON(letters)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of dead letters")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Reset the job's file to pending and send the job back to the work queue",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			_, err := parseMessageID(args[0])
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := parseMessageID(args[0])
			msgID, err := c.app.DeadLetters.Requeue(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]int64{"dead_letter_id": id, "msg_id": msgID})
		},
	})

	return cmd
}

func parseMessageID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return id, nil
}
