// Package cli is the solo command tree, a thin wrapper over the engine.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// Exit codes beyond the usual 0/1. 130 is the conventional SIGINT code;
// spindle aborts get their own so wrappers can tell them apart.
const (
	ExitInterrupted = 130
	ExitSpindle     = 75
)

// ExitError carries a specific process exit code up to main.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// ExitCode maps an Execute error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "solo",
	Short: "promptwheel — an autonomous code-improvement orchestrator",
	Long: `promptwheel scouts a repository for improvement opportunities, turns the
best ones into tickets, and drives an external coding agent through a
bounded PLAN -> EXECUTE -> QA -> PR lifecycle per ticket.

All state lives under <repo>/.promptwheel/ (SQLite for tickets and
history, JSON for run state and caches). The agent host calls the
"session" and "ticket" subcommands to advance the loop; the rest are
operator commands.`,
	SilenceUsage: true,
}

// ExecuteContext runs the command tree under the given context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(scoutCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(prCmd)
	rootCmd.AddCommand(qaCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(trajectoryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(artifactsCmd)
	rootCmd.AddCommand(formulasCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(ticketCmd)
	rootCmd.AddCommand(hookCmd)
}
