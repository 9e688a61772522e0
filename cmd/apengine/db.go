package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/payables-engine/api"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the store migrates it.
		a, err := newApp(cmd.Context(), dbPath(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		version, err := a.store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %d\n", version)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <scenario>",
	Short: "Reset the database and load a demo scenario",
	Long: `Seed wipes every table and loads one of the demo scenarios. Only use it
against development databases.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), dbPath(cmd))
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.handler.Load(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("loaded scenario %s\n", args[0])
		return nil
	},
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List demo scenarios",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, s := range api.Scenarios() {
			fmt.Printf("%-18s %s\n", s.ID, s.Description)
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, seedCmd, scenariosCmd)
}
