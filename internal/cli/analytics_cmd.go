package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Aggregate ticket, QA, and session metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		since := ""
		if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
			since = time.Now().Add(-d).UTC().Format(time.RFC3339)
		}
		report, err := analytics.BuildReport(db, since)
		if err != nil {
			return err
		}

		raw, _ := cmd.Flags().GetBool("raw")
		if raw {
			return printJSON(cmd.OutOrStdout(), report)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Sessions:  %d (%.1f h, %d steps, %d PRs)\n",
			len(report.Sessions), report.SessionHrs, report.TotalSteps, report.TotalPRs)

		if len(report.Categories) > 0 {
			fmt.Fprintf(w, "\n%-12s %-7s %-6s %-8s %s\n", "CATEGORY", "TOTAL", "DONE", "BLOCKED", "SUCCESS")
			for _, c := range report.Categories {
				fmt.Fprintf(w, "%-12s %-7d %-6d %-8d %.1f%%\n", c.Category, c.Total, c.Done, c.Blocked, c.SuccessRate)
			}
		}
		if len(report.Errors) > 0 {
			fmt.Fprintf(w, "\n%-14s %-6s %s\n", "ERROR CLASS", "COUNT", "TOP MESSAGE")
			for _, e := range report.Errors {
				msg := e.TopMessage
				if len(msg) > 60 {
					msg = msg[:57] + "..."
				}
				fmt.Fprintf(w, "%-14s %-6d %s\n", e.Class, e.Count, msg)
			}
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			if len(report.QACommands) > 0 {
				fmt.Fprintf(w, "\n%-6s %-8s %-9s %-9s %s\n", "RUNS", "PASS", "AVG MS", "P95 MS", "COMMAND")
				for _, q := range report.QACommands {
					fmt.Fprintf(w, "%-6d %-7.1f%% %-9.0f %-9.0f %s\n", q.Runs, q.PassRate, q.AvgMs, q.P95Ms, q.Command)
				}
			}
			if len(report.Sectors) > 0 {
				fmt.Fprintf(w, "\n%-7s %-6s %-9s %s\n", "TOTAL", "DONE", "SUCCESS", "SECTOR")
				for _, s := range report.Sectors {
					fmt.Fprintf(w, "%-7d %-6d %-8.1f%% %s\n", s.Total, s.Done, s.SuccessRate, s.Sector)
				}
			}
		}

		system, _ := cmd.Flags().GetBool("system")
		if system && len(report.Sessions) > 0 {
			fmt.Fprintf(w, "\n%-26s %-20s %-6s %-8s %s\n", "RUN", "PHASE", "STEPS", "MINUTES", "PRS")
			for _, s := range report.Sessions {
				fmt.Fprintf(w, "%-26s %-20s %-6d %-8.1f %d\n",
					s.RunID, s.Phase, s.Steps, s.DurationMinutes, s.PRsCreated)
			}
		}
		return nil
	},
}

func init() {
	analyticsCmd.Flags().Bool("raw", false, "Emit the full report as JSON")
	analyticsCmd.Flags().Bool("verbose", false, "Include per-command and per-sector tables")
	analyticsCmd.Flags().Bool("system", false, "Include the per-session table")
	analyticsCmd.Flags().Duration("since", 0, "Restrict to the last duration, e.g. 168h")
	addRepoFlag(analyticsCmd)
}
