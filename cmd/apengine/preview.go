package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/payables-engine/engine"
)

var previewCmd = &cobra.Command{
	Use:   "preview <definition-id>",
	Short: "Show the next occurrences of a recurring definition",
	Example: `  apengine preview office-rent
  apengine preview office-rent -n 12`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)
	previewCmd.Flags().IntP("count", "n", 6, "Number of occurrences")
}

func runPreview(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("count")
	if n < 1 {
		return fmt.Errorf("count must be positive")
	}

	a, err := newApp(cmd.Context(), dbPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	id := engine.DefinitionID(args[0])
	state, err := a.recurring.State(cmd.Context(), id)
	if err != nil {
		return err
	}
	occs, err := a.recurring.Preview(cmd.Context(), id, n)
	if err != nil {
		return err
	}

	fmt.Printf("%s is %s today\n\n", id, state)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tCREATE ON\tINVOICE\tEXPENSE\tDUE")
	for _, o := range occs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.Period.Key(), o.CreationDate, o.InvoiceDate, o.ExpenseDate, o.DueDate)
	}
	return w.Flush()
}
