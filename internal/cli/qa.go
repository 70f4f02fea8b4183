package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/config"
	"github.com/promptwheel/promptwheel/internal/qa"
	"github.com/promptwheel/promptwheel/internal/runlog"
)

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "Run the verification commands against the working tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		base := runlog.New(root).Base()

		commands, _ := cmd.Flags().GetStringSlice("command")
		if len(commands) == 0 {
			formula, _ := cmd.Flags().GetString("formula")
			cfg, err := config.Compose(base, formula, nil)
			if err != nil {
				return err
			}
			commands = cfg.QACommands
		}
		if len(commands) == 0 {
			return fmt.Errorf("no verification commands; pass --command or set qa_commands in a formula")
		}

		stats, err := qa.LoadStats(filepath.Join(base, "qa-stats.json"))
		if err != nil {
			return err
		}
		runner := qa.NewRunner(&qa.ExecRunner{}, stats, nil)
		if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
			runner.Timeout = timeout
		}

		rep := runner.RunAll(cmd.Context(), root, commands)
		if err := stats.Save(); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, res := range rep.Results {
			state := "PASS"
			switch {
			case res.Skipped:
				state = "SKIP"
			case res.TimedOut:
				state = "TIMEOUT"
			case !res.Passed:
				state = "FAIL"
			}
			fmt.Fprintf(w, "%-8s %6dms  %s\n", state, res.DurationMs, res.Command)
		}
		if !rep.Passed {
			return fmt.Errorf("qa failed (%s): %s", rep.Class, rep.FailingCommands[0])
		}
		fmt.Fprintln(w, "qa passed")
		return nil
	},
}

func init() {
	qaCmd.Flags().StringSlice("command", nil, "Verification command (repeatable)")
	qaCmd.Flags().String("formula", "", "Formula supplying qa_commands")
	qaCmd.Flags().Duration("timeout", 5*time.Minute, "Per-command timeout")
	addRepoFlag(qaCmd)
}
