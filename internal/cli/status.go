package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/runfs"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/runstate"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active session and the ticket queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		dir := runlog.New(root)
		w := cmd.OutOrStdout()

		ls, err := dir.ReadLoopState()
		if err != nil {
			return err
		}
		if ls == nil {
			fmt.Fprintln(w, "No active session.")
		} else {
			var run runstate.Run
			if err := runfs.ReadJSON(dir.StatePath(ls.RunID), &run); err != nil {
				return fmt.Errorf("load run %s: %w", ls.RunID, err)
			}
			fmt.Fprintf(w, "Run:       %s\n", run.RunID)
			fmt.Fprintf(w, "Phase:     %s\n", run.Phase)
			fmt.Fprintf(w, "Steps:     %d / %d\n", run.StepCount, run.StepBudget)
			fmt.Fprintf(w, "Tickets:   %d completed, %d failed, %d blocked\n",
				run.TicketsCompleted, run.TicketsFailed, run.TicketsBlocked)
			fmt.Fprintf(w, "PRs:       %d / %d\n", run.PRsCreated, run.MaxPRs)
			if run.CurrentTicketID != "" {
				fmt.Fprintf(w, "Ticket:    %s\n", run.CurrentTicketID)
			}
			if len(run.TicketWorkers) > 0 {
				var parts []string
				for id, ws := range run.TicketWorkers {
					parts = append(parts, fmt.Sprintf("%s(%s)", id, ws.Phase))
				}
				fmt.Fprintf(w, "Workers:   %s\n", strings.Join(parts, " "))
			}
		}

		db, projectID, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		tickets, err := db.List(projectID, "")
		if err != nil {
			return err
		}
		if len(tickets) == 0 {
			fmt.Fprintln(w, "No tickets.")
			return nil
		}

		counts := map[string]int{}
		for _, t := range tickets {
			counts[t.Status]++
		}
		fmt.Fprintf(w, "\n%-10s %s\n", "STATUS", "COUNT")
		for _, status := range []string{"backlog", "ready", "leased", "in_progress", "in_review", "done", "blocked", "aborted"} {
			if counts[status] > 0 {
				fmt.Fprintf(w, "%-10s %d\n", status, counts[status])
			}
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			fmt.Fprintf(w, "\n%-12s %-12s %-10s %s\n", "ID", "STATUS", "CATEGORY", "TITLE")
			for _, t := range tickets {
				title := t.Title
				if len(title) > 50 {
					title = title[:47] + "..."
				}
				fmt.Fprintf(w, "%-12s %-12s %-10s %s\n", t.ID, t.Status, t.Category, title)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("verbose", false, "List every ticket")
	addRepoFlag(statusCmd)
}
