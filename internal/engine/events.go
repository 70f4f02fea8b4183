package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/promptwheel/promptwheel/internal/proposal"
	"github.com/promptwheel/promptwheel/internal/qa"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/sector"
	"github.com/promptwheel/promptwheel/internal/spindle"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

// IngestResult is what ingest_event returns to the agent.
type IngestResult struct {
	Processed    bool   `json:"processed"`
	PhaseChanged bool   `json:"phase_changed"`
	NewPhase     string `json:"new_phase,omitempty"`
	Message      string `json:"message"`
	Step         int    `json:"step"`
	CurrentPhase string `json:"current_phase"`
}

var reviewedBlockRe = regexp.MustCompile(`(?s)<reviewed-proposals>(.*?)</reviewed-proposals>`)

// IngestEvent applies one agent event: append to the log, route by
// type, persist every state change before returning.
func (e *Engine) IngestEvent(ctx context.Context, eventType string, payload json.RawMessage) (*IngestResult, error) {
	run, err := e.mgr.Require()
	if err != nil {
		return nil, err
	}
	before := run.Phase

	if err := e.mgr.AppendEvent(eventType, payload); err != nil {
		return nil, err
	}

	// Parallel mode: events naming a ticket go to that worker first.
	if run.Phase == runstate.PhaseParallelExecute {
		if ticketID := peekTicketID(payload); ticketID != "" {
			if w := e.mgr.GetTicketWorker(ticketID); w != nil {
				return e.ingestTicketEvent(ctx, ticketID, eventType, payload)
			}
		}
	}

	var msg string
	switch eventType {
	case runlog.EventScoutOutput:
		msg, err = e.onScoutOutput(ctx, run, payload)
	case runlog.EventProposalsReviewed:
		msg, err = e.onProposalsReviewed(ctx, run, payload)
	case runlog.EventPlanSubmitted:
		msg, err = e.onPlanSubmitted(ctx, run, payload)
	case runlog.EventTicketResult:
		msg, err = e.onTicketResult(ctx, run, payload)
	case runlog.EventQAPassed:
		msg, err = e.onQAPassed(ctx, run)
	case runlog.EventQAFailed:
		msg, err = e.onQAFailed(ctx, run, payload)
	case runlog.EventQACommandResult:
		msg, err = e.onQACommandResult(run, payload)
	case runlog.EventPRCreated:
		msg, err = e.onPRCreated(ctx, run, payload)
	case runlog.EventUserOverride:
		msg, err = e.onUserOverride(ctx, run, payload)
	default:
		msg = fmt.Sprintf("event %s recorded", eventType)
	}
	if err != nil {
		return nil, err
	}

	run, rerr := e.mgr.Require()
	if rerr != nil {
		return nil, rerr
	}
	res := &IngestResult{
		Processed:    true,
		PhaseChanged: run.Phase != before,
		Message:      msg,
		Step:         run.StepCount,
		CurrentPhase: string(run.Phase),
	}
	if res.PhaseChanged {
		res.NewPhase = string(run.Phase)
	}
	return res, nil
}

func peekTicketID(payload json.RawMessage) string {
	var probe struct {
		TicketID string `json:"ticket_id"`
	}
	json.Unmarshal(payload, &probe)
	return probe.TicketID
}

// scoutPayload is the shape the scout reports back.
type scoutPayload struct {
	Proposals        []runstate.Proposal `json:"proposals"`
	Note             string              `json:"note,omitempty"`
	Reclassification *struct {
		Purpose    string `json:"purpose"`
		Confidence string `json:"confidence"`
	} `json:"sector_reclassification,omitempty"`
	RawText string `json:"raw_text,omitempty"`
}

func (e *Engine) onScoutOutput(ctx context.Context, run *runstate.Run, payload json.RawMessage) (string, error) {
	if run.Phase != runstate.PhaseScout {
		return fmt.Sprintf("scout output ignored in phase %s", run.Phase), nil
	}

	var p scoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed scout payload: %w", err)
	}

	// Agents sometimes return the review result through the scout
	// channel; redirect when pending proposals are waiting on one.
	if len(run.PendingProposals) > 0 {
		if reviews := extractReviews(payload, p.RawText); reviews != nil {
			return e.applyReviews(ctx, run, reviews)
		}
	}

	sectorPath := currentSector(run)
	var reclass *sector.Reclassification
	if p.Reclassification != nil {
		reclass = &sector.Reclassification{
			Purpose:    p.Reclassification.Purpose,
			Confidence: p.Reclassification.Confidence,
		}
	}
	e.sectors.RecordScanResult(sectorPath, run.ScoutCycles, len(p.Proposals), reclass)
	if err := e.sectors.Save(); err != nil {
		return "", err
	}

	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.ScoutExplorationLog = append(r.ScoutExplorationLog, runstate.ExplorationEntry{
			Cycle:     r.ScoutCycles,
			Sector:    sectorPath,
			Proposals: len(p.Proposals),
			Note:      p.Note,
		})
	}); err != nil {
		return "", err
	}

	if len(p.Proposals) == 0 {
		return e.retryOrFinishScout(run, "scout found nothing")
	}

	if err := e.mgr.WriteArtifact("scout-proposals", p.Proposals); err != nil {
		return "", err
	}

	if run.Config.SkipReview {
		return e.runPipeline(ctx, run, p.Proposals)
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.PendingProposals = p.Proposals
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d proposals held for review", len(p.Proposals)), nil
}

// extractReviews finds review scores either as a structured field or as
// an embedded <reviewed-proposals> block in free text.
func extractReviews(payload json.RawMessage, rawText string) []proposal.ReviewScore {
	var probe struct {
		Reviewed []proposal.ReviewScore `json:"reviewed_proposals"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && len(probe.Reviewed) > 0 {
		return probe.Reviewed
	}
	text := rawText
	if text == "" {
		text = string(payload)
	}
	m := reviewedBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var reviews []proposal.ReviewScore
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &reviews); err != nil {
		return nil
	}
	return reviews
}

func (e *Engine) onProposalsReviewed(ctx context.Context, run *runstate.Run, payload json.RawMessage) (string, error) {
	reviews := extractReviews(payload, "")
	if reviews == nil {
		// An empty review keeps the original scores.
		reviews = []proposal.ReviewScore{}
	}
	return e.applyReviews(ctx, run, reviews)
}

func (e *Engine) applyReviews(ctx context.Context, run *runstate.Run, reviews []proposal.ReviewScore) (string, error) {
	merged := proposal.MergeReviewScores(run.PendingProposals, reviews)
	if err := e.mgr.WriteArtifact("reviewed-proposals", merged); err != nil {
		return "", err
	}
	return e.runPipeline(ctx, run, merged)
}

// runPipeline pushes a proposal batch through validation, dedup, and
// materialization, then moves on to ticket selection.
func (e *Engine) runPipeline(ctx context.Context, run *runstate.Run, batch []runstate.Proposal) (string, error) {
	pl := proposal.New(e.db, e.memory, run.ProjectID, run.Config)
	res, err := pl.Process(batch, currentSector(run))
	if err != nil {
		return "", err
	}
	if err := e.memory.Save(); err != nil {
		return "", err
	}
	if err := e.mgr.WriteArtifact("pipeline-result", res); err != nil {
		return "", err
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.PendingProposals = nil
	}); err != nil {
		return "", err
	}

	if len(res.Tickets) == 0 {
		return e.retryOrFinishScout(run, "all proposals rejected")
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.Phase = runstate.PhaseNextTicket
		r.ScoutRetries = 0
	}); err != nil {
		return "", err
	}
	e.logf("%d tickets created, %d proposals rejected", len(res.Tickets), len(res.Rejected))
	return fmt.Sprintf("%d tickets created", len(res.Tickets)), nil
}

// retryOrFinishScout keeps scouting while retries remain, otherwise ends
// the session.
func (e *Engine) retryOrFinishScout(run *runstate.Run, note string) (string, error) {
	var msg string
	err := e.mgr.Mutate(func(r *runstate.Run) {
		r.PendingProposals = nil
		r.ScoutRetries++
		if r.ScoutRetries >= maxScoutRetries {
			r.Phase = runstate.PhaseDone
			msg = fmt.Sprintf("%s; retries exhausted, session done", note)
			return
		}
		r.Phase = runstate.PhaseScout
		msg = fmt.Sprintf("%s; retrying (%d/%d)", note, r.ScoutRetries, maxScoutRetries)
	})
	return msg, err
}

func currentSector(run *runstate.Run) string {
	if len(run.ScoutedDirs) == 0 {
		return ""
	}
	return run.ScoutedDirs[len(run.ScoutedDirs)-1]
}

func (e *Engine) onPlanSubmitted(ctx context.Context, run *runstate.Run, payload json.RawMessage) (string, error) {
	if run.Phase != runstate.PhasePlan {
		return fmt.Sprintf("plan ignored in phase %s", run.Phase), nil
	}
	var wrapped struct {
		Plan *runstate.Plan `json:"plan"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return "", fmt.Errorf("malformed plan payload: %w", err)
	}
	plan := wrapped.Plan
	if plan == nil {
		// Agents also submit the plan fields at the top level.
		plan = &runstate.Plan{}
		if err := json.Unmarshal(payload, plan); err != nil {
			return "", fmt.Errorf("malformed plan payload: %w", err)
		}
	}

	t, err := e.currentTicket(run)
	if err != nil {
		return "", err
	}
	pol := e.policyFor(run, t)

	var paths []string
	for _, f := range plan.FilesToTouch {
		paths = append(paths, f.Path)
	}
	if verr := pol.ValidatePlanFiles(paths, plan.EstLines); verr != nil {
		if err := e.mgr.Mutate(func(r *runstate.Run) {
			r.PlanRejections++
			r.LastPlanRejectionReason = verr.Error()
		}); err != nil {
			return "", err
		}
		e.logf("plan for %s rejected: %v", t.ID, verr)
		return fmt.Sprintf("plan rejected: %v", verr), nil
	}

	if err := e.mgr.WriteArtifact("plan", plan); err != nil {
		return "", err
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.CurrentPlan = plan
		r.PlanApproved = true
		r.LastPlanRejectionReason = ""
		r.Phase = runstate.PhaseExecute
		if r.Spindle == nil {
			r.Spindle = spindle.NewState(spindleConfig())
		}
		r.Spindle.Observe(spindle.Observation{Plan: planDigest(plan)})
	}); err != nil {
		return "", err
	}

	// Branch setup happens once the plan is committed, not before.
	if !run.Config.Direct {
		wt, werr := e.git.CreateWorktree(ctx, t.ID, t.Title)
		if werr != nil {
			e.logf("worktree for %s: %v", t.ID, werr)
		} else {
			e.db.SetBranch(t.ID, wt.Branch)
			if err := e.mgr.Mutate(func(r *runstate.Run) { r.CurrentBranch = wt.Branch }); err != nil {
				return "", err
			}
		}
	}
	return "plan approved", nil
}

func planDigest(p *runstate.Plan) string {
	data, _ := json.Marshal(p)
	return string(data)
}

type ticketResultPayload struct {
	TicketID     string   `json:"ticket_id,omitempty"`
	Status       string   `json:"status"` // done, success, failed
	Output       string   `json:"output,omitempty"`
	Diff         string   `json:"diff,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Insertions   int      `json:"insertions,omitempty"`
	Deletions    int      `json:"deletions,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (e *Engine) onTicketResult(ctx context.Context, run *runstate.Run, payload json.RawMessage) (string, error) {
	if run.Phase != runstate.PhaseExecute {
		return fmt.Sprintf("ticket result ignored in phase %s", run.Phase), nil
	}
	var p ticketResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed ticket result: %w", err)
	}
	t, err := e.currentTicket(run)
	if err != nil {
		return "", err
	}

	if verdict, verr := e.observeSpindle(run, spindle.Observation{
		Output:      p.Output,
		Diff:        p.Diff,
		EditedFiles: p.FilesChanged,
	}); verr != nil {
		return "", verr
	} else if verdict != nil {
		return e.spindleStop(ctx, run, t, verdict)
	}

	switch p.Status {
	case "done", "success":
		if err := e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseQA }); err != nil {
			return "", err
		}
		return "execution complete, moving to QA", nil
	default:
		return e.failTicket(ctx, run, t, "code", firstNonEmpty(p.Error, "ticket execution failed"))
	}
}

// observeSpindle feeds the loop detector and returns a verdict when it
// fires.
func (e *Engine) observeSpindle(run *runstate.Run, obs spindle.Observation) (*spindle.Verdict, error) {
	var verdict spindle.Verdict
	err := e.mgr.Mutate(func(r *runstate.Run) {
		if r.Spindle == nil {
			r.Spindle = spindle.NewState(spindleConfig())
		}
		verdict = r.Spindle.Observe(obs)
	})
	if err != nil {
		return nil, err
	}
	if verdict.ShouldAbort || verdict.ShouldBlock {
		return &verdict, nil
	}
	return nil, nil
}

// spindleStop maps a spindle verdict to its terminal phase and dumps the
// detector state as an artifact.
func (e *Engine) spindleStop(ctx context.Context, run *runstate.Run, t *ticket.Ticket, v *spindle.Verdict) (string, error) {
	if err := e.mgr.WriteArtifact("spindle-dump", v); err != nil {
		return "", err
	}
	phase := runstate.PhaseFailedSpindle
	if v.ShouldBlock {
		phase = runstate.PhaseBlockedHuman
	}
	if t != nil {
		e.db.SetStatus(t.ID, ticket.StatusBlocked, run.RunID, "spindle: "+v.Reason)
		e.db.LogError(t.ID, run.RunID, "spindle", v.Reason)
		e.mgr.Dir().AppendErrorLedger(map[string]string{
			"ticket_id": t.ID,
			"class":     "spindle",
			"reason":    v.Reason,
			"risk":      v.Risk,
		})
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) { r.Phase = phase }); err != nil {
		return "", err
	}
	e.logf("spindle fired (%s): %s", v.Risk, v.Reason)
	return "loop detected: " + v.Reason, nil
}

// failTicket blocks the current ticket and returns to selection.
func (e *Engine) failTicket(ctx context.Context, run *runstate.Run, t *ticket.Ticket, class, reason string) (string, error) {
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

	if !run.Config.Direct {
		if err := e.git.RemoveWorktree(ctx, t.ID, true, true); err != nil {
			e.logf("cleanup worktree %s: %v", t.ID, err)
		}
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.TicketsFailed++
		r.TicketsBlocked++
		r.Phase = runstate.PhaseNextTicket
		r.CurrentTicketID = ""
		r.CurrentPlan = nil
		r.CurrentBranch = ""
	}); err != nil {
		return "", err
	}
	e.logf("ticket %s blocked: %s", t.ID, reason)
	return fmt.Sprintf("ticket %s blocked: %s", t.ID, reason), nil
}

func (e *Engine) onQAPassed(ctx context.Context, run *runstate.Run) (string, error) {
	if run.Phase != runstate.PhaseQA {
		return fmt.Sprintf("QA result ignored in phase %s", run.Phase), nil
	}
	t, err := e.currentTicket(run)
	if err != nil {
		return "", err
	}

	if !run.Config.CreatePRs {
		return e.completeTicket(ctx, run, t, "")
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.Phase = runstate.PhasePR
		r.LastQAFailure = nil
	}); err != nil {
		return "", err
	}
	return "QA passed, moving to PR", nil
}

// completeTicket finishes a ticket that will not get its own PR.
func (e *Engine) completeTicket(ctx context.Context, run *runstate.Run, t *ticket.Ticket, prURL string) (string, error) {
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
		r.TicketsCompleted++
		r.Phase = runstate.PhaseNextTicket
		r.CurrentTicketID = ""
		r.CurrentPlan = nil
		r.CurrentBranch = ""
		r.LastQAFailure = nil
		r.InjectedLearningIDs = nil
	}); err != nil {
		return "", err
	}
	e.logf("ticket %s completed", t.ID)
	return fmt.Sprintf("ticket %s completed", t.ID), nil
}

type qaFailedPayload struct {
	Class           string   `json:"class,omitempty"`
	Error           string   `json:"error"`
	FailingCommands []string `json:"failing_commands,omitempty"`
}

func (e *Engine) onQAFailed(ctx context.Context, run *runstate.Run, payload json.RawMessage) (string, error) {
	if run.Phase != runstate.PhaseQA {
		return fmt.Sprintf("QA result ignored in phase %s", run.Phase), nil
	}
	var p qaFailedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed QA failure: %w", err)
	}
	class := p.Class
	if class == "" {
		class = qa.Classify(qa.CommandResult{Output: p.Error, ExitCode: 1})
	}
	t, err := e.currentTicket(run)
	if err != nil {
		return "", err
	}

	if verdict, verr := e.observeSpindle(run, spindle.Observation{
		Output:         p.Error,
		FailedCommands: p.FailingCommands,
	}); verr != nil {
		return "", verr
	} else if verdict != nil {
		return e.spindleStop(ctx, run, t, verdict)
	}

	failure := &runstate.QAFailure{Class: class, Error: p.Error, FailingCommands: p.FailingCommands}
	var retriesUsed int
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.QARetries++
		r.LastQAFailure = failure
		retriesUsed = r.QARetries
	}); err != nil {
		return "", err
	}

	if retriesUsed <= qa.RetryLimit(class) {
		if err := e.mgr.Mutate(func(r *runstate.Run) { r.Phase = runstate.PhaseExecute }); err != nil {
			return "", err
		}
		return fmt.Sprintf("QA failed (%s), retry %d of %d", class, retriesUsed, qa.RetryLimit(class)), nil
	}
	return e.failTicket(ctx, run, t, class, firstNonEmpty(p.Error, "QA retries exhausted"))
}

type qaCommandPayload struct {
	Command    string `json:"command"`
	Passed     bool   `json:"passed"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

func (e *Engine) onQACommandResult(run *runstate.Run, payload json.RawMessage) (string, error) {
	var p qaCommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed QA command result: %w", err)
	}
	e.qaStats.Record(p.Command, qa.CommandResult{
		Command:    p.Command,
		Passed:     p.Passed,
		TimedOut:   p.TimedOut,
		ExitCode:   p.ExitCode,
		DurationMs: p.DurationMs,
	})
	if err := e.qaStats.Save(); err != nil {
		return "", err
	}
	if run.CurrentTicketID != "" {
		e.db.LogQACommandRun(run.CurrentTicketID, run.RunID, p.Command, p.Passed, p.TimedOut, p.ExitCode, int(p.DurationMs))
	}
	return "command result recorded", nil
}

type prCreatedPayload struct {
	URL string `json:"url"`
}

func (e *Engine) onPRCreated(ctx context.Context, run *runstate.Run, payload json.RawMessage) (string, error) {
	if run.Phase != runstate.PhasePR {
		return fmt.Sprintf("PR event ignored in phase %s", run.Phase), nil
	}
	var p prCreatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed PR payload: %w", err)
	}
	t, err := e.currentTicket(run)
	if err != nil {
		return "", err
	}
	if err := e.mgr.Mutate(func(r *runstate.Run) {
		r.PRsCreated++
	}); err != nil {
		return "", err
	}
	return e.completeTicket(ctx, run, t, p.URL)
}

type overridePayload struct {
	Action string `json:"action"` // hint, cancel, skip_review
	Hint   string `json:"hint,omitempty"`
}

func (e *Engine) onUserOverride(ctx context.Context, run *runstate.Run, payload json.RawMessage) (string, error) {
	var p overridePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("malformed override payload: %w", err)
	}
	switch p.Action {
	case "hint":
		if err := e.mgr.Mutate(func(r *runstate.Run) { r.Hints = append(r.Hints, p.Hint) }); err != nil {
			return "", err
		}
		return "hint recorded", nil
	case "cancel":
		if err := e.mgr.Mutate(func(r *runstate.Run) {
			r.Phase = runstate.PhaseDone
			r.PendingProposals = nil
		}); err != nil {
			return "", err
		}
		return "session cancelled", nil
	case "skip_review":
		if err := e.mgr.Mutate(func(r *runstate.Run) { r.Config.SkipReview = !r.Config.SkipReview }); err != nil {
			return "", err
		}
		run, _ = e.mgr.Require()
		if run.Config.SkipReview && len(run.PendingProposals) > 0 {
			return e.runPipeline(ctx, run, run.PendingProposals)
		}
		return fmt.Sprintf("skip_review now %v", run.Config.SkipReview), nil
	default:
		return "", fmt.Errorf("unknown override action %q", p.Action)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
