package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/payables-engine/config"
	"github.com/warp/payables-engine/logger"
)

var version = "0.1.0"

var (
	cfg    *config.Config
	cfgErr error
)

var rootCmd = &cobra.Command{
	Use:   "apengine",
	Short: "Recurring invoice and distribution engine for accounts payable",
	Long: `apengine splits invoice amounts across GL accounts and profit centers
using distribution templates, and materializes recurring invoices once per
cadence period.

Configuration is read from APENGINE_* environment variables and an optional
.env file.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return fmt.Errorf("load configuration: %w", cfgErr)
		}
		return nil
	},
}

// Execute runs the root command with the loaded configuration.
func Execute(c *config.Config, err error) {
	cfg, cfgErr = c, err
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides APENGINE_DB_PATH)")
}

// dbPath returns the --db flag or the configured path.
func dbPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		return path
	}
	return cfg.DBPath
}
