package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/scope"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

// Advance actions.
const (
	ActionPrompt = "PROMPT"
	ActionStop   = "STOP"
)

// AdvanceResult is one turn of the state machine.
type AdvanceResult struct {
	NextAction  string                 `json:"next_action"` // PROMPT or STOP
	Phase       string                 `json:"phase"`
	Prompt      string                 `json:"prompt,omitempty"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
	Digest      Digest                 `json:"digest"`
	Reason      string                 `json:"reason,omitempty"`
}

func stopResult(run *runstate.Run, reason string) *AdvanceResult {
	return &AdvanceResult{
		NextAction: ActionStop,
		Phase:      string(run.Phase),
		Digest:     digestOf(run),
		Reason:     reason,
	}
}

func promptResult(run *runstate.Run, prompt string, constraints map[string]interface{}) *AdvanceResult {
	return &AdvanceResult{
		NextAction:  ActionPrompt,
		Phase:       string(run.Phase),
		Prompt:      prompt,
		Constraints: constraints,
		Digest:      digestOf(run),
	}
}

// Advance runs one turn: budget accounting, then phase dispatch until a
// prompt is composed or the session stops.
func (e *Engine) Advance(ctx context.Context) (*AdvanceResult, error) {
	var stop *AdvanceResult
	err := e.mgr.Mutate(func(r *runstate.Run) {
		r.StepCount++
		if r.StepCount > r.StepBudget {
			r.Phase = runstate.PhaseFailedBudget
			stop = stopResult(r, "step budget exhausted")
			return
		}
		if r.ExpiresAt != "" {
			if exp, perr := time.Parse(time.RFC3339, r.ExpiresAt); perr == nil && time.Now().After(exp) {
				r.Phase = runstate.PhaseFailedBudget
				stop = stopResult(r, "time budget exhausted")
				return
			}
		}
		if r.Phase.Terminal() {
			stop = stopResult(r, terminalReason(r.Phase))
		}
	})
	if err != nil {
		return nil, err
	}
	if stop != nil {
		return stop, nil
	}

	if err := e.fireBudgetWarnings(); err != nil {
		return nil, err
	}
	if err := e.mgr.EnsureLearningsLoaded(); err != nil {
		return nil, err
	}
	return e.dispatch(ctx)
}

func terminalReason(p runstate.Phase) string {
	switch p {
	case runstate.PhaseDone:
		return "session complete"
	case runstate.PhaseFailedBudget:
		return "budget exhausted"
	case runstate.PhaseFailedValidation:
		return "validation failed"
	case runstate.PhaseFailedSpindle:
		return "loop detected"
	case runstate.PhaseBlockedHuman:
		return "needs human attention"
	}
	return string(p)
}

// fireBudgetWarnings emits each threshold crossing exactly once.
func (e *Engine) fireBudgetWarnings() error {
	run, err := e.mgr.Require()
	if err != nil {
		return err
	}
	if run.StepBudget <= 0 {
		return nil
	}
	pct := run.StepCount * 100 / run.StepBudget
	for _, threshold := range budgetWarnAt {
		if pct < threshold || fired(run.BudgetWarningsFired, threshold) {
			continue
		}
		t := threshold
		if err := e.mgr.Mutate(func(r *runstate.Run) {
			r.BudgetWarningsFired = append(r.BudgetWarningsFired, t)
		}); err != nil {
			return err
		}
		if err := e.mgr.AppendEvent(runlog.EventBudgetWarning, map[string]int{
			"percent": t,
			"step":    run.StepCount,
			"budget":  run.StepBudget,
		}); err != nil {
			return err
		}
		e.logf("budget warning: %d%% of %d steps used", t, run.StepBudget)
	}
	return nil
}

func fired(list []int, threshold int) bool {
	for _, v := range list {
		if v == threshold {
			return true
		}
	}
	return false
}

// dispatch walks phase transitions until a prompt or a stop. The loop is
// bounded; a transition chain longer than the phase count is a bug.
func (e *Engine) dispatch(ctx context.Context) (*AdvanceResult, error) {
	for i := 0; i < 8; i++ {
		run, err := e.mgr.Require()
		if err != nil {
			return nil, err
		}
		if run.Phase.Terminal() {
			return stopResult(run, terminalReason(run.Phase)), nil
		}

		switch run.Phase {
		case runstate.PhaseScout:
			res, err := e.advanceScout(ctx, run)
			if err != nil || res != nil {
				return res, err
			}

		case runstate.PhaseNextTicket:
			res, err := e.advanceNextTicket(ctx, run)
			if err != nil || res != nil {
				return res, err
			}

		case runstate.PhasePlan:
			return e.advancePlan(run)

		case runstate.PhaseExecute:
			return e.advanceExecute(run)

		case runstate.PhaseQA:
			return e.advanceQA(run)

		case runstate.PhasePR:
			return e.advancePR(run)

		case runstate.PhaseParallelExecute:
			res, err := e.advanceParallel(ctx, run)
			if err != nil || res != nil {
				return res, err
			}

		default:
			return nil, fmt.Errorf("advance: unknown phase %q", run.Phase)
		}
	}
	return nil, fmt.Errorf("advance: phase dispatch did not settle")
}

// advanceScout either hands pending proposals to review, skips to
// NEXT_TICKET when work is queued, or composes a fresh scout prompt.
// A nil result means the phase changed and dispatch should continue.
func (e *Engine) advanceScout(ctx context.Context, run *runstate.Run) (*AdvanceResult, error) {
	if len(run.PendingProposals) > 0 && !run.Config.SkipReview {
		prompt, err := e.composeReviewPrompt(run)
		if err != nil {
			return nil, err
		}
		return promptResult(run, prompt, map[string]interface{}{"expects": runlog.EventProposalsReviewed}), nil
	}

	if ready, err := e.db.NextReady(run.ProjectID); err != nil {
		return nil, err
	} else if ready != nil {
		return nil, e.mgr.Mutate(func(r *runstate.Run) {
			r.Phase = runstate.PhaseNextTicket
		})
	}

	prompt, sectorPath, err := e.composeScoutPrompt(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.ScoutCycles++
		r.ScoutedDirs = append(r.ScoutedDirs, sectorPath)
	}); err != nil {
		return nil, err
	}
	run, _ = e.mgr.Require()
	e.logf("scouting sector %s (cycle %d)", sectorPath, run.ScoutCycles)
	return promptResult(run, prompt, map[string]interface{}{
		"sector":        sectorPath,
		"max_proposals": run.Config.MaxProposals,
		"expects":       runlog.EventScoutOutput,
	}), nil
}

// advanceNextTicket assigns work or ends the session. Returns nil result
// when it transitioned and the dispatch loop should continue.
func (e *Engine) advanceNextTicket(ctx context.Context, run *runstate.Run) (*AdvanceResult, error) {
	if run.MaxPRs > 0 && run.PRsCreated >= run.MaxPRs {
		if err := e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseDone }); err != nil {
			return nil, err
		}
		run, _ = e.mgr.Require()
		return stopResult(run, fmt.Sprintf("PR limit reached (%d)", run.MaxPRs)), nil
	}

	next, err := e.db.NextReady(run.ProjectID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if scoutedThisCycle(run) {
			if err := e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseDone }); err != nil {
				return nil, err
			}
			run, _ = e.mgr.Require()
			return stopResult(run, "no ready tickets after scouting"), nil
		}
		return nil, e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseScout })
	}

	if run.Config.Parallel > 1 {
		return nil, e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseParallelExecute })
	}

	if err := e.assignTicket(ctx, next); err != nil {
		return nil, err
	}
	return nil, nil
}

// assignTicket moves a ready ticket into the PLAN phase. Plan approval
// always resets on assignment.
func (e *Engine) assignTicket(ctx context.Context, t *ticket.Ticket) error {
	run, err := e.mgr.Require()
	if err != nil {
		return err
	}
	if err := e.db.SetStatus(t.ID, ticket.StatusInProgress, run.RunID, "assigned"); err != nil {
		return err
	}
	e.logf("ticket %s assigned: %s", t.ID, t.Title)
	return e.mgr.Mutate(func(r *runstate.Run) {
		r.Phase = runstate.PhasePlan
		r.CurrentTicketID = t.ID
		r.CurrentPlan = nil
		r.PlanApproved = false
		r.PlanRejections = 0
		r.LastPlanRejectionReason = ""
		r.QARetries = 0
		r.LastQAFailure = nil
		r.TicketStepCount = 0
	})
}

// scoutedThisCycle reports whether the current scout cycle has already
// produced output.
func scoutedThisCycle(run *runstate.Run) bool {
	for _, entry := range run.ScoutExplorationLog {
		if entry.Cycle == run.ScoutCycles {
			return true
		}
	}
	return false
}

func (e *Engine) advancePlan(run *runstate.Run) (*AdvanceResult, error) {
	if run.PlanRejections >= maxPlanRejections {
		if err := e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseBlockedHuman }); err != nil {
			return nil, err
		}
		run, _ = e.mgr.Require()
		return stopResult(run, fmt.Sprintf("plan rejected %d times", maxPlanRejections)), nil
	}
	t, err := e.currentTicket(run)
	if err != nil {
		return nil, err
	}
	prompt, err := e.composePlanPrompt(run, t)
	if err != nil {
		return nil, err
	}
	pol := e.policyFor(run, t)
	return promptResult(run, prompt, map[string]interface{}{
		"plan_required": true,
		"allowed_paths": pol.Allowed(),
		"max_lines":     pol.MaxLines(),
		"expects":       runlog.EventPlanSubmitted,
	}), nil
}

func (e *Engine) advanceExecute(run *runstate.Run) (*AdvanceResult, error) {
	if run.TicketStepCount >= run.TicketStepBudget {
		if err := e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseBlockedHuman }); err != nil {
			return nil, err
		}
		run, _ = e.mgr.Require()
		return stopResult(run, "ticket step budget exhausted"), nil
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) { r.TicketStepCount++ }); err != nil {
		return nil, err
	}
	run, _ = e.mgr.Require()

	t, err := e.currentTicket(run)
	if err != nil {
		return nil, err
	}
	prompt, err := e.composeExecutePrompt(run, t)
	if err != nil {
		return nil, err
	}
	pol := e.policyFor(run, t)
	return promptResult(run, prompt, map[string]interface{}{
		"allowed_paths": pol.Allowed(),
		"max_lines":     pol.MaxLines(),
		"expects":       runlog.EventTicketResult,
	}), nil
}

func (e *Engine) advanceQA(run *runstate.Run) (*AdvanceResult, error) {
	t, err := e.currentTicket(run)
	if err != nil {
		return nil, err
	}
	prompt, err := e.composeQAPrompt(run, t)
	if err != nil {
		return nil, err
	}
	return promptResult(run, prompt, map[string]interface{}{
		"commands": qaCommands(run, t),
		"expects":  []string{runlog.EventQAPassed, runlog.EventQAFailed},
	}), nil
}

func (e *Engine) advancePR(run *runstate.Run) (*AdvanceResult, error) {
	t, err := e.currentTicket(run)
	if err != nil {
		return nil, err
	}
	prompt, err := e.composePRPrompt(run, t)
	if err != nil {
		return nil, err
	}
	return promptResult(run, prompt, map[string]interface{}{
		"branch":  run.CurrentBranch,
		"draft":   run.Config.Draft,
		"expects": runlog.EventPRCreated,
	}), nil
}

func (e *Engine) currentTicket(run *runstate.Run) (*ticket.Ticket, error) {
	if run.CurrentTicketID == "" {
		return nil, fmt.Errorf("phase %s with no current ticket", run.Phase)
	}
	return e.db.Get(run.CurrentTicketID)
}

// policyFor builds the scope policy for a ticket with the event-log
// recorder attached.
func (e *Engine) policyFor(run *runstate.Run, t *ticket.Ticket) *scope.Policy {
	pol := scope.New(e.projectRoot, t.AllowedPaths, t.Category, run.Config.MaxLinesPerTicket)
	pol.AddDenied(t.ForbiddenPaths)
	pol.SetRecorder(func(path string, allowed bool, reason string) {
		eventType := runlog.EventScopeAllowed
		if !allowed {
			eventType = runlog.EventScopeBlocked
		}
		if err := e.mgr.AppendEvent(eventType, map[string]string{
			"ticket_id": t.ID,
			"path":      path,
			"reason":    reason,
		}); err != nil {
			e.logf("record scope decision for %s: %v", path, err)
		}
		if !allowed {
			if err := e.mgr.Mutate(func(r *runstate.Run) {
				if r.Spindle == nil {
					return
				}
				// The map can come back nil from a resumed state file.
				if r.Spindle.FileEditCounts == nil {
					r.Spindle.FileEditCounts = make(map[string]int)
				}
				r.Spindle.FileEditCounts[path]++
			}); err != nil {
				e.logf("record blocked edit for %s: %v", path, err)
			}
		}
	})
	return pol
}

func (e *Engine) policyForCurrentTicket(run *runstate.Run) (*scope.Policy, error) {
	if run.CurrentTicketID == "" {
		return scope.New(e.projectRoot, run.Config.Scope, "", run.Config.MaxLinesPerTicket), nil
	}
	t, err := e.currentTicket(run)
	if err != nil {
		return nil, err
	}
	return e.policyFor(run, t), nil
}

// qaCommands merges the ticket's verification commands with the session
// defaults, deduplicated in order.
func qaCommands(run *runstate.Run, t *ticket.Ticket) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range append(append([]string{}, t.VerificationCommands...), run.Config.QACommands...) {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
