package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/ticket"
)

var approveCmd = &cobra.Command{
	Use:   "approve [ticket-id...]",
	Short: "Promote backlog tickets to ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if len(args) == 0 && !all {
			return fmt.Errorf("name ticket ids or pass --all")
		}

		db, projectID, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ids := args
		if all {
			backlog, err := db.List(projectID, ticket.StatusBacklog)
			if err != nil {
				return err
			}
			ids = nil
			for _, t := range backlog {
				ids = append(ids, t.ID)
			}
		}
		for _, id := range ids {
			if err := db.SetStatus(id, ticket.StatusReady, "", "approved by operator"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ready\n", id)
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No backlog tickets.")
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <ticket-id>",
	Short: "Start a session targeted at one ticket and print its plan prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		t, err := e.DB().Get(args[0])
		if err != nil {
			return err
		}
		switch t.Status {
		case ticket.StatusReady, ticket.StatusInProgress:
		default:
			if err := e.DB().SetStatus(t.ID, ticket.StatusReady, "", "queued via solo run"); err != nil {
				return err
			}
		}

		if _, err := startSession(cmd, e); err != nil {
			return err
		}
		res, err := e.Advance(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <ticket-id>",
	Short: "Reset a blocked ticket back to ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, cleanup, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		t, err := db.Get(args[0])
		if err != nil {
			return err
		}
		if t.Status != ticket.StatusBlocked && t.Status != ticket.StatusAborted {
			return fmt.Errorf("ticket %s is %s, not blocked", t.ID, t.Status)
		}
		if err := db.SetLastError(t.ID, ""); err != nil {
			return err
		}
		if err := db.SetStatus(t.ID, ticket.StatusReady, "", "retried by operator"); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ready (was %s)\n", t.ID, t.Status)
		return nil
	},
}

func init() {
	approveCmd.Flags().Bool("all", false, "Approve every backlog ticket")
	addSessionFlags(runCmd)
	addRepoFlag(approveCmd, runCmd, retryCmd)
}
