package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

// exportBundle is the whole project state in one JSON document, for
// backup or inspection.
type exportBundle struct {
	ProjectID  string              `json:"project_id"`
	ExportedAt string              `json:"exported_at"`
	Tickets    []ticket.Ticket     `json:"tickets"`
	History    []ticket.RunSummary `json:"history"`
	Runs       []string            `json:"runs"`
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump tickets, history, and run ids as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
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
		history, err := db.RunHistory(projectID, 1000)
		if err != nil {
			return err
		}
		runs, err := runlog.New(root).ListRuns()
		if err != nil {
			return err
		}

		bundle := exportBundle{
			ProjectID:  projectID,
			ExportedAt: time.Now().UTC().Format(time.RFC3339),
			Tickets:    tickets,
			History:    history,
			Runs:       runs,
		}

		if out, _ := cmd.Flags().GetString("out"); out != "" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			defer f.Close()
			return printJSON(f, bundle)
		}
		return printJSON(cmd.OutOrStdout(), bundle)
	},
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List the step artifacts of a run",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		dir := runlog.New(root)

		runID, _ := cmd.Flags().GetString("run")
		if runID == "" {
			runs, err := dir.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs.")
				return nil
			}
			runID = runs[len(runs)-1]
		}

		names, err := dir.ListArtifacts(runID)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "run %s: %d artifacts\n", runID, len(names))
		for _, name := range names {
			fmt.Fprintln(w, "  "+name)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "Write to a file instead of stdout")
	artifactsCmd.Flags().String("run", "", "Run id (default: latest)")
	addRepoFlag(exportCmd, artifactsCmd)
}
