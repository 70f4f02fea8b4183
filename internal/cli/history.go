package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent session summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, projectID, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := db.RunHistory(projectID, limit)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return printJSON(cmd.OutOrStdout(), runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-26s %-20s %-6s %-8s %-8s %-5s %s\n",
			"RUN", "PHASE", "STEPS", "DONE", "FAILED", "PRS", "STARTED")
		for _, r := range runs {
			fmt.Fprintf(w, "%-26s %-20s %-6d %-8d %-8d %-5d %s\n",
				r.RunID, r.Phase, r.Steps, r.TicketsCompleted, r.TicketsFailed, r.PRsCreated, r.StartedAt)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Maximum rows to show")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
	addRepoFlag(historyCmd)
}
