package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/promptwheel/promptwheel/internal/prompt"
	"github.com/promptwheel/promptwheel/internal/qa"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/spindle"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

// advanceParallel tops up the worker pool and emits a prompt bundle, one
// section per worker awaiting agent input. Returns nil when the pool
// drained and dispatch should continue in NEXT_TICKET.
func (e *Engine) advanceParallel(ctx context.Context, run *runstate.Run) (*AdvanceResult, error) {
	ready, err := e.db.List(run.ProjectID, ticket.StatusReady)
	if err != nil {
		return nil, err
	}

	want := run.Config.Parallel
	if len(run.TicketWorkers)+len(ready) < want {
		want = len(run.TicketWorkers) + len(ready)
	}
	for i := 0; len(run.TicketWorkers) < want && i < len(ready); i++ {
		t := ready[i]
		if err := e.db.SetStatus(t.ID, ticket.StatusInProgress, run.RunID, "assigned"); err != nil {
			return nil, err
		}
		if _, err := e.mgr.InitTicketWorker(t.ID, spindleConfig()); err != nil {
			return nil, err
		}
		e.logf("worker started for ticket %s: %s", t.ID, t.Title)
		run, _ = e.mgr.Require()
	}

	if len(run.TicketWorkers) == 0 {
		return nil, e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseNextTicket })
	}

	ids := make([]string, 0, len(run.TicketWorkers))
	for id := range run.TicketWorkers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		res, err := e.AdvanceTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		if res.NextAction != ActionPrompt {
			continue
		}
		fmt.Fprintf(&b, "=== ticket %s [%s] ===\n%s\n\n", id, res.Phase, res.Prompt)
	}
	run, _ = e.mgr.Require()
	if b.Len() == 0 {
		// Every worker just completed; go pick up more work.
		return nil, e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseNextTicket })
	}
	return promptResult(run, strings.TrimRight(b.String(), "\n"), map[string]interface{}{
		"workers": ids,
	}), nil
}

// AdvanceTicket returns the next prompt for one worker, or a completion
// signal when its ticket is finished.
func (e *Engine) AdvanceTicket(ctx context.Context, ticketID string) (*AdvanceResult, error) {
	run, err := e.mgr.Require()
	if err != nil {
		return nil, err
	}
	w := run.TicketWorkers[ticketID]
	if w == nil {
		return nil, fmt.Errorf("no worker for ticket %s", ticketID)
	}
	t, err := e.db.Get(ticketID)
	if err != nil {
		return nil, err
	}

	switch w.Phase {
	case runstate.WorkerPlan:
		if w.PlanRejections >= maxPlanRejections {
			if _, err := e.failWorker(ctx, run, w, t, "plan", "plan rejected too many times"); err != nil {
				return nil, err
			}
			run, _ = e.mgr.Require()
			return stopResult(run, "worker blocked"), nil
		}
		prompt, err := e.composeWorkerPlanPrompt(run, w, t)
		if err != nil {
			return nil, err
		}
		return promptResult(run, prompt, map[string]interface{}{
			"ticket_id":     ticketID,
			"plan_required": true,
		}), nil

	case runstate.WorkerExecute:
		prompt, err := e.composeWorkerExecutePrompt(run, w, t)
		if err != nil {
			return nil, err
		}
		return promptResult(run, prompt, map[string]interface{}{"ticket_id": ticketID}), nil

	case runstate.WorkerQA:
		prompt, err := e.composeQAPrompt(run, t)
		if err != nil {
			return nil, err
		}
		return promptResult(run, prompt, map[string]interface{}{
			"ticket_id": ticketID,
			"commands":  qaCommands(run, t),
		}), nil

	case runstate.WorkerPR:
		prompt, err := e.composeWorkerPRPrompt(run, w, t)
		if err != nil {
			return nil, err
		}
		return promptResult(run, prompt, map[string]interface{}{"ticket_id": ticketID}), nil

	default:
		return stopResult(run, fmt.Sprintf("worker for %s is %s", ticketID, w.Phase)), nil
	}
}

// TicketEvent routes an agent event to one worker.
func (e *Engine) TicketEvent(ctx context.Context, ticketID, eventType string, payload json.RawMessage) (*IngestResult, error) {
	if err := e.mgr.AppendEvent(eventType, payload); err != nil {
		return nil, err
	}
	return e.ingestTicketEvent(ctx, ticketID, eventType, payload)
}

// ingestTicketEvent applies one event to a worker's mini state machine.
func (e *Engine) ingestTicketEvent(ctx context.Context, ticketID, eventType string, payload json.RawMessage) (*IngestResult, error) {
	run, err := e.mgr.Require()
	if err != nil {
		return nil, err
	}
	w := run.TicketWorkers[ticketID]
	if w == nil {
		return nil, fmt.Errorf("no worker for ticket %s", ticketID)
	}
	t, err := e.db.Get(ticketID)
	if err != nil {
		return nil, err
	}
	before := w.Phase

	var msg string
	switch eventType {
	case runlog.EventPlanSubmitted:
		msg, err = e.workerPlanSubmitted(ctx, run, w, t, payload)
	case runlog.EventTicketResult:
		msg, err = e.workerTicketResult(ctx, run, w, t, payload)
	case runlog.EventQAPassed:
		msg, err = e.workerQAPassed(ctx, run, w, t)
	case runlog.EventQAFailed:
		msg, err = e.workerQAFailed(ctx, run, w, t, payload)
	case runlog.EventQACommandResult:
		msg, err = e.onQACommandResult(run, payload)
	case runlog.EventPRCreated:
		msg, err = e.workerPRCreated(ctx, run, w, t, payload)
	default:
		msg = fmt.Sprintf("event %s recorded for ticket %s", eventType, ticketID)
	}
	if err != nil {
		return nil, err
	}

	run, rerr := e.mgr.Require()
	if rerr != nil {
		return nil, rerr
	}
	after := before
	if w := run.TicketWorkers[ticketID]; w != nil {
		after = w.Phase
	}
	return &IngestResult{
		Processed:    true,
		PhaseChanged: after != before,
		NewPhase:     string(after),
		Message:      msg,
		Step:         run.StepCount,
		CurrentPhase: string(run.Phase),
	}, nil
}

func (e *Engine) workerPlanSubmitted(ctx context.Context, run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket, payload json.RawMessage) (string, error) {
	var wrapped struct {
		Plan *runstate.Plan `json:"plan"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return "", fmt.Errorf("malformed plan payload: %w", err)
	}
	plan := wrapped.Plan
	if plan == nil {
		plan = &runstate.Plan{}
		if err := json.Unmarshal(payload, plan); err != nil {
			return "", fmt.Errorf("malformed plan payload: %w", err)
		}
	}

	pol := e.policyFor(run, t)
	var paths []string
	for _, f := range plan.FilesToTouch {
		paths = append(paths, f.Path)
	}
	if verr := pol.ValidatePlanFiles(paths, plan.EstLines); verr != nil {
		if err := e.mgr.Mutate(func(r *runstate.Run) {
			if ws := r.TicketWorkers[t.ID]; ws != nil {
				ws.PlanRejections++
			}
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("plan rejected: %v", verr), nil
	}

	if err := e.mgr.Mutate(func(r *runstate.Run) {
		if ws := r.TicketWorkers[t.ID]; ws != nil {
			ws.Plan = plan
			ws.PlanApproved = true
			ws.Phase = runstate.WorkerExecute
			ws.Spindle.Observe(spindle.Observation{Plan: planDigest(plan)})
		}
	}); err != nil {
		return "", err
	}

	if !run.Config.Direct {
		wt, werr := e.git.CreateWorktree(ctx, t.ID, t.Title)
		if werr != nil {
			e.logf("worktree for %s: %v", t.ID, werr)
		} else {
			e.db.SetBranch(t.ID, wt.Branch)
			if err := e.mgr.Mutate(func(r *runstate.Run) {
				if ws := r.TicketWorkers[t.ID]; ws != nil {
					ws.BranchName = wt.Branch
				}
			}); err != nil {
				return "", err
			}
		}
	}
	return "plan approved", nil
}

func (e *Engine) workerTicketResult(ctx context.Context, run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket, payload json.RawMessage) (string, error) {
	var p ticketResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed ticket result: %w", err)
	}

	var verdict spindle.Verdict
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		if ws := r.TicketWorkers[t.ID]; ws != nil && ws.Spindle != nil {
			verdict = ws.Spindle.Observe(spindle.Observation{
				Output:      p.Output,
				Diff:        p.Diff,
				EditedFiles: p.FilesChanged,
			})
		}
	}); err != nil {
		return "", err
	}
	if verdict.ShouldAbort || verdict.ShouldBlock {
		return e.failWorker(ctx, run, w, t, "spindle", verdict.Reason)
	}

	switch p.Status {
	case "done", "success":
		if err := e.setWorkerPhase(t.ID, runstate.WorkerQA); err != nil {
			return "", err
		}
		return "execution complete, moving to QA", nil
	default:
		return e.failWorker(ctx, run, w, t, "code", firstNonEmpty(p.Error, "ticket execution failed"))
	}
}

func (e *Engine) workerQAPassed(ctx context.Context, run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket) (string, error) {
	if !run.Config.CreatePRs {
		return e.completeWorker(ctx, run, t, "")
	}
	if err := e.setWorkerPhase(t.ID, runstate.WorkerPR); err != nil {
		return "", err
	}
	return "QA passed, moving to PR", nil
}

func (e *Engine) workerQAFailed(ctx context.Context, run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket, payload json.RawMessage) (string, error) {
	var p qaFailedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed QA failure: %w", err)
	}
	class := p.Class
	if class == "" {
		class = qa.Classify(qa.CommandResult{Output: p.Error, ExitCode: 1})
	}

	var verdict spindle.Verdict
	var retriesUsed int
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		if ws := r.TicketWorkers[t.ID]; ws != nil {
			if ws.Spindle != nil {
				verdict = ws.Spindle.Observe(spindle.Observation{
					Output:         p.Error,
					FailedCommands: p.FailingCommands,
				})
			}
			ws.QARetries++
			ws.LastQAFailure = &runstate.QAFailure{Class: class, Error: p.Error, FailingCommands: p.FailingCommands}
			retriesUsed = ws.QARetries
		}
	}); err != nil {
		return "", err
	}
	if verdict.ShouldAbort || verdict.ShouldBlock {
		return e.failWorker(ctx, run, w, t, "spindle", verdict.Reason)
	}

	if retriesUsed <= qa.RetryLimit(class) {
		if err := e.setWorkerPhase(t.ID, runstate.WorkerExecute); err != nil {
			return "", err
		}
		return fmt.Sprintf("QA failed (%s), retry %d of %d", class, retriesUsed, qa.RetryLimit(class)), nil
	}
	return e.failWorker(ctx, run, w, t, class, firstNonEmpty(p.Error, "QA retries exhausted"))
}

func (e *Engine) workerPRCreated(ctx context.Context, run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket, payload json.RawMessage) (string, error) {
	var p prCreatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed PR payload: %w", err)
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) { r.PRsCreated++ }); err != nil {
		return "", err
	}
	return e.completeWorker(ctx, run, t, p.URL)
}

func (e *Engine) setWorkerPhase(ticketID string, phase runstate.WorkerPhase) error {
	return e.mgr.Mutate(func(r *runstate.Run) {
		if ws := r.TicketWorkers[ticketID]; ws != nil {
			ws.Phase = phase
		}
	})
}

// completeWorker finishes a worker's ticket, removes it from the pool,
// and lets the scheduler dispatch the next ready ticket.
func (e *Engine) completeWorker(ctx context.Context, run *runstate.Run, t *ticket.Ticket, prURL string) (string, error) {
	status := ticket.StatusDone
	if prURL != "" {
		status = ticket.StatusInReview
		e.db.SetPRURL(t.ID, prURL)
	}
	e.db.SetStatus(t.ID, status, run.RunID, "")
	e.memory.MarkCompleted(t.Title)
	e.memory.Save()
	e.sectors.RecordOutcome(t.SectorPath, t.Category, true)
	e.sectors.Save()
	e.lstore.Credit(run.InjectedLearningIDs, true)
	e.lstore.Save()

	if err := e.mgr.Mutate(func(r *runstate.Run) {
		if ws := r.TicketWorkers[t.ID]; ws != nil {
			ws.Phase = runstate.WorkerDone
			ws.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}
		delete(r.TicketWorkers, t.ID)
		r.TicketsCompleted++
	}); err != nil {
		return "", err
	}
	e.logf("worker for ticket %s completed", t.ID)
	return fmt.Sprintf("ticket %s completed", t.ID), nil
}

// failWorker blocks the worker's ticket and removes it from the pool.
func (e *Engine) failWorker(ctx context.Context, run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket, class, reason string) (string, error) {
	e.db.SetStatus(t.ID, ticket.StatusBlocked, run.RunID, reason)
	e.db.SetLastError(t.ID, reason)
	e.db.LogError(t.ID, run.RunID, class, reason)
	e.mgr.Dir().AppendErrorLedger(map[string]string{
		"ticket_id": t.ID,
		"class":     class,
		"reason":    reason,
	})
	e.sectors.RecordOutcome(t.SectorPath, t.Category, false)
	e.sectors.Save()
	e.lstore.Credit(run.InjectedLearningIDs, false)
	e.lstore.Save()

	if !run.Config.Direct && w.BranchName != "" {
		if err := e.git.RemoveWorktree(ctx, t.ID, true, true); err != nil {
			e.logf("cleanup worktree %s: %v", t.ID, err)
		}
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		if ws := r.TicketWorkers[t.ID]; ws != nil {
			ws.Phase = runstate.WorkerFailed
		}
		delete(r.TicketWorkers, t.ID)
		r.TicketsFailed++
		r.TicketsBlocked++
	}); err != nil {
		return "", err
	}
	e.logf("worker for ticket %s blocked: %s", t.ID, reason)
	return fmt.Sprintf("ticket %s blocked: %s", t.ID, reason), nil
}

// Worker prompt variants carry per-worker plan and branch state.

func (e *Engine) composeWorkerPlanPrompt(run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket) (string, error) {
	pol := e.policyFor(run, t)
	maxLines := ""
	if pol.MaxLines() > 0 {
		maxLines = fmt.Sprintf("%d", pol.MaxLines())
	}
	return e.render(prompt.TemplatePlan, prompt.Vars{
		"ticket_id":          t.ID,
		"ticket_title":       t.Title,
		"ticket_description": t.Description,
		"learnings":          e.learningsFor(run, t.AllowedPaths, t.VerificationCommands),
		"allowed_paths":      formatAllowed(pol.Allowed()),
		"max_lines":          maxLines,
		"last_rejection":     "",
	})
}

func (e *Engine) composeWorkerExecutePrompt(run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket) (string, error) {
	planText := ""
	if w.Plan != nil {
		data, err := json.MarshalIndent(w.Plan, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal plan: %w", err)
		}
		planText = string(data)
	}
	qaFailure := ""
	if w.LastQAFailure != nil {
		qaFailure = fmt.Sprintf("class %s: %s", w.LastQAFailure.Class, w.LastQAFailure.Error)
	}
	return e.render(prompt.TemplateExecute, prompt.Vars{
		"ticket_id":    t.ID,
		"ticket_title": t.Title,
		"plan":         planText,
		"learnings":    e.learningsFor(run, t.AllowedPaths, t.VerificationCommands),
		"qa_failure":   qaFailure,
	})
}

func (e *Engine) composeWorkerPRPrompt(run *runstate.Run, w *runstate.WorkerState, t *ticket.Ticket) (string, error) {
	draft := ""
	if run.Config.Draft {
		draft = "true"
	}
	return e.render(prompt.TemplatePR, prompt.Vars{
		"ticket_id":    t.ID,
		"ticket_title": t.Title,
		"branch":       w.BranchName,
		"draft":        draft,
	})
}
