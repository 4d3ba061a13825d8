// Package main implements ledgerctl, the operator CLI for the usage ledger.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"usageledger/internal/app"
	"usageledger/internal/config"
	"usageledger/internal/database"
	"usageledger/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "1.0.0"

type cli struct {
	app *app.App
	out io.Writer
}

func main() {
	c := &cli{out: os.Stdout}
	if err := c.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "ledgerctl",
		Short:   "Usage ledger CLI tool",
		Long:    `ledgerctl inspects and adjusts token usage, subscriptions, promotional claims, deployments and uploaded files.`,
		Version: version,
		// Commands with subcommands only print help, so they need no connection.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Runnable() {
				return nil
			}
			return c.connect(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(c.migrateCmd())
	rootCmd.AddCommand(c.usageCmd())
	rootCmd.AddCommand(c.subscriptionCmd())
	rootCmd.AddCommand(c.claimCmd())
	rootCmd.AddCommand(c.deploymentCmd())
	rootCmd.AddCommand(c.fileCmd())

	return rootCmd
}

func (c *cli) connect(cmd *cobra.Command) error {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)
	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Migrate(cmd.Context(), c.app.DB); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Schema is up to date")
			return nil
		},
	}
}
