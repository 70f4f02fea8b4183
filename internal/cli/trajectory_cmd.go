package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/runfs"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/trajectory"
)

var trajectoryCmd = &cobra.Command{
	Use:   "trajectory",
	Short: "Manage long-term improvement plans",
}

func trajectoryStore(cmd *cobra.Command) (*trajectory.Store, string, error) {
	root, err := projectRoot(cmd)
	if err != nil {
		return nil, "", err
	}
	base := runlog.New(root).Base()
	return trajectory.NewStore(base), base, nil
}

var trajectoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trajectories and their progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, base, err := trajectoryStore(cmd)
		if err != nil {
			return err
		}
		names, err := store.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No trajectories.")
			return nil
		}

		var marker activeTrajectoryMarker
		runfs.ReadJSON(trajectoryMarkerPath(base), &marker)

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-20s %-10s %-8s %s\n", "NAME", "PROGRESS", "PAUSED", "ACTIVE")
		for _, name := range names {
			t, err := store.Load(name)
			if err != nil {
				return err
			}
			st, err := store.LoadState(name)
			if err != nil {
				return err
			}
			done := 0
			for _, s := range t.Steps {
				if ss := st.StepStates[s.ID]; ss != nil && ss.Status == trajectory.StatusCompleted {
					done++
				}
			}
			active := ""
			if marker.Name == name {
				active = "*"
			}
			fmt.Fprintf(w, "%-20s %d/%-8d %-8v %s\n", name, done, len(t.Steps), st.Paused, active)
		}
		return nil
	},
}

var trajectoryShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a trajectory's steps and their states",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := trajectoryStore(cmd)
		if err != nil {
			return err
		}
		t, err := store.Load(args[0])
		if err != nil {
			return err
		}
		st, err := store.LoadState(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s", t.Name)
		if t.Description != "" {
			fmt.Fprintf(w, " — %s", t.Description)
		}
		fmt.Fprintln(w)
		if st.Paused {
			fmt.Fprintln(w, "(paused)")
		}
		for _, s := range t.Steps {
			status := trajectory.StatusPending
			attempts := 0
			if ss := st.StepStates[s.ID]; ss != nil {
				status = ss.Status
				attempts = ss.CyclesAttempted
			}
			fmt.Fprintf(w, "  [%-9s] %s: %s", status, s.ID, s.Title)
			if len(s.DependsOn) > 0 {
				fmt.Fprintf(w, " (after %v)", s.DependsOn)
			}
			if attempts > 0 {
				fmt.Fprintf(w, " attempts=%d", attempts)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

var trajectoryActivateCmd = &cobra.Command{
	Use:   "activate <name>",
	Short: "Make a trajectory gate the scout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, base, err := trajectoryStore(cmd)
		if err != nil {
			return err
		}
		if _, err := store.Load(args[0]); err != nil {
			return err
		}
		if err := store.SetPaused(args[0], false); err != nil {
			return err
		}
		if err := runfs.WriteJSON(trajectoryMarkerPath(base), activeTrajectoryMarker{Name: args[0]}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "trajectory %s active\n", args[0])
		return nil
	},
}

var trajectoryPauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Pause a trajectory without losing progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := trajectoryStore(cmd)
		if err != nil {
			return err
		}
		return store.SetPaused(args[0], true)
	},
}

var trajectoryResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a paused trajectory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := trajectoryStore(cmd)
		if err != nil {
			return err
		}
		return store.SetPaused(args[0], false)
	},
}

var trajectorySkipCmd = &cobra.Command{
	Use:   "skip <name> <step-id>",
	Short: "Skip a step so its dependents unblock",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := trajectoryStore(cmd)
		if err != nil {
			return err
		}
		return store.Skip(args[0], args[1])
	},
}

var trajectoryResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Reset every step back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, base, err := trajectoryStore(cmd)
		if err != nil {
			return err
		}
		if err := store.Reset(args[0]); err != nil {
			return err
		}
		var marker activeTrajectoryMarker
		if err := runfs.ReadJSON(trajectoryMarkerPath(base), &marker); err == nil && marker.Name == args[0] {
			if err := os.Remove(trajectoryMarkerPath(base)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	},
}

func init() {
	addRepoFlag(trajectoryListCmd, trajectoryShowCmd, trajectoryActivateCmd,
		trajectoryPauseCmd, trajectoryResumeCmd, trajectorySkipCmd, trajectoryResetCmd)

	trajectoryCmd.AddCommand(trajectoryListCmd)
	trajectoryCmd.AddCommand(trajectoryShowCmd)
	trajectoryCmd.AddCommand(trajectoryActivateCmd)
	trajectoryCmd.AddCommand(trajectoryPauseCmd)
	trajectoryCmd.AddCommand(trajectoryResumeCmd)
	trajectoryCmd.AddCommand(trajectorySkipCmd)
	trajectoryCmd.AddCommand(trajectoryResetCmd)
}
