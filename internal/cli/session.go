package cli

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/config"
	"github.com/promptwheel/promptwheel/internal/daemon"
	"github.com/promptwheel/promptwheel/internal/engine"
	"github.com/promptwheel/promptwheel/internal/runfs"
	"github.com/promptwheel/promptwheel/internal/runstate"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Agent-facing session operations (JSON in/out)",
}

// addSessionFlags attaches the config overrides shared by session start
// and the one-shot commands.
func addSessionFlags(c *cobra.Command) {
	c.Flags().String("formula", "", "Formula to compose the session config from")
	c.Flags().Int("step-budget", 0, "Total advance() budget for the session")
	c.Flags().Int("max-prs", 0, "Stop after this many PRs")
	c.Flags().Int("parallel", 0, "Number of parallel ticket workers")
	c.Flags().Bool("direct", false, "Commit directly instead of branching")
	c.Flags().Bool("draft", false, "Open PRs as drafts")
	c.Flags().Bool("skip-review", false, "Skip the adversarial proposal review")
	c.Flags().Bool("no-prs", false, "Complete tickets without creating PRs")
	c.Flags().StringSlice("qa-command", nil, "Verification command (repeatable)")
	c.Flags().StringSlice("category", nil, "Allowed proposal category (repeatable)")
	c.Flags().String("expires-after", "", "Wall-clock session budget, e.g. 2h")
}

// sessionConfig composes defaults, the formula, and explicit flags.
func sessionConfig(cmd *cobra.Command, base string) (runstate.Config, error) {
	formula, _ := cmd.Flags().GetString("formula")
	return config.Compose(base, formula, func(c *runstate.Config) {
		f := cmd.Flags()
		if f.Changed("step-budget") {
			c.StepBudget, _ = f.GetInt("step-budget")
		}
		if f.Changed("max-prs") {
			c.MaxPRs, _ = f.GetInt("max-prs")
		}
		if f.Changed("parallel") {
			c.Parallel, _ = f.GetInt("parallel")
		}
		if f.Changed("direct") {
			c.Direct, _ = f.GetBool("direct")
		}
		if f.Changed("draft") {
			c.Draft, _ = f.GetBool("draft")
		}
		if f.Changed("skip-review") {
			c.SkipReview, _ = f.GetBool("skip-review")
		}
		if f.Changed("no-prs") {
			noPRs, _ := f.GetBool("no-prs")
			c.CreatePRs = !noPRs
		}
		if f.Changed("qa-command") {
			c.QACommands, _ = f.GetStringSlice("qa-command")
		}
		if f.Changed("category") {
			c.Categories, _ = f.GetStringSlice("category")
		}
		if f.Changed("expires-after") {
			c.ExpiresAfter, _ = f.GetString("expires-after")
		}
	})
}

// startSession refuses to stomp a live session, then creates the run.
func startSession(cmd *cobra.Command, e *engine.Engine) (*engine.StartResult, error) {
	if ls, err := e.Dir().ReadLoopState(); err != nil {
		return nil, err
	} else if ls != nil {
		return nil, &ExitError{Code: 1, Msg: "session " + ls.RunID + " is still active; end it first or remove loop-state.json"}
	}
	cfg, err := sessionConfig(cmd, e.Dir().Base())
	if err != nil {
		return nil, err
	}
	return e.StartSession(cmd.Context(), cfg)
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session and print {run_id, phase, step_budget, ...}",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := startSession(cmd, e)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var sessionAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Advance the state machine one turn and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}

		res, err := e.Advance(cmd.Context())
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if res.NextAction == engine.ActionStop && res.Phase == string(runstate.PhaseFailedSpindle) {
			return &ExitError{Code: ExitSpindle, Msg: "session stopped: " + res.Reason}
		}
		return nil
	},
}

var sessionEventCmd = &cobra.Command{
	Use:   "event <type>",
	Short: "Ingest an agent event; payload from --payload or stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd)
		if err != nil {
			return err
		}

		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}

		res, err := e.IngestEvent(cmd.Context(), strings.ToUpper(args[0]), payload)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the active session's phase and digest",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}

		st, err := e.SessionStatus()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end",
	Short: "Finalize the session and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}

		sum, err := e.EndSession()
		if err != nil {
			return err
		}
		// The daemon reads this after each wake; harmless when no daemon runs.
		metrics := daemon.WakeMetrics{
			RunID:            sum.RunID,
			TicketsCompleted: sum.TicketsCompleted,
			TicketsFailed:    sum.TicketsFailed,
			PRsCreated:       sum.PRsCreated,
			Phase:            sum.Phase,
		}
		if err := runfs.WriteJSON(filepath.Join(e.Dir().Base(), "daemon-wake-metrics.json"), metrics); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sum)
	},
}

var sessionNudgeCmd = &cobra.Command{
	Use:   "nudge <hint...>",
	Short: "Queue an operator hint for the next scout prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}
		return e.Nudge(strings.Join(args, " "))
	},
}

var sessionScopeCmd = &cobra.Command{
	Use:   "scope [path]",
	Short: "Print the current ticket's scope policy, optionally checking a path",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}

		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		check, err := e.GetScopePolicy(path)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), check)
	},
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Per-ticket worker operations for parallel execution",
}

var ticketAdvanceCmd = &cobra.Command{
	Use:   "advance <ticket-id>",
	Short: "Advance one ticket worker and print its prompt or completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}

		res, err := e.AdvanceTicket(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var ticketEventCmd = &cobra.Command{
	Use:   "event <ticket-id> <type>",
	Short: "Route an agent event to one ticket worker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd)
		if err != nil {
			return err
		}

		e, cleanup, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := resumeSession(e); err != nil {
			return err
		}

		res, err := e.TicketEvent(cmd.Context(), args[0], strings.ToUpper(args[1]), payload)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	addSessionFlags(sessionStartCmd)
	sessionEventCmd.Flags().String("payload", "", "JSON payload (default: read stdin)")
	ticketEventCmd.Flags().String("payload", "", "JSON payload (default: read stdin)")

	addRepoFlag(sessionStartCmd, sessionAdvanceCmd, sessionEventCmd, sessionStatusCmd,
		sessionEndCmd, sessionNudgeCmd, sessionScopeCmd, ticketAdvanceCmd, ticketEventCmd)

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionAdvanceCmd)
	sessionCmd.AddCommand(sessionEventCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionNudgeCmd)
	sessionCmd.AddCommand(sessionScopeCmd)

	ticketCmd.AddCommand(ticketAdvanceCmd)
	ticketCmd.AddCommand(ticketEventCmd)
}
