package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

type fakeGit struct {
	calls     []string
	responses map[string]string
	errs      map[string]error
}

func (f *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

type fakeCmd struct {
	calls     [][]string
	responses map[string]string
}

func (f *fakeCmd) Run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	return f.responses[strings.Join(args, " ")], nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeGit) {
	t.Helper()
	root := t.TempDir()
	git := &fakeGit{responses: map[string]string{
		"ls-files": "main.go\ninternal/api/server.go\ninternal/api/handler.go",
	}}
	e, err := New(root, Options{Git: git, Forge: &fakeCmd{responses: map[string]string{}}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, git
}

func sessionConfig() runstate.Config {
	return runstate.Config{
		Categories:        []string{"refactor"},
		StepBudget:        40,
		TicketStepBudget:  10,
		MaxProposals:      5,
		MaxPRs:            3,
		CreatePRs:         true,
		Parallel:          1,
		SkipReview:        true,
		Direct:            true,
		MaxLinesPerTicket: 400,
	}
}

func startSession(t *testing.T, e *Engine, cfg runstate.Config) *StartResult {
	t.Helper()
	res, err := e.StartSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return res
}

func mustAdvance(t *testing.T, e *Engine) *AdvanceResult {
	t.Helper()
	res, err := e.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return res
}

func ingest(t *testing.T, e *Engine, eventType string, payload any) *IngestResult {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.IngestEvent(context.Background(), eventType, data)
	if err != nil {
		t.Fatalf("ingest %s: %v", eventType, err)
	}
	return res
}

func scoutProposal() map[string]any {
	return map[string]any{
		"category":              "refactor",
		"title":                 "Tighten handler validation",
		"description":           "The API handlers accept unvalidated input.",
		"impact_score":          8,
		"confidence":            80,
		"allowed_paths":         []string{"internal/api/**"},
		"verification_commands": []string{"go test ./..."},
	}
}

// advanceToPlan drives a fresh session through scouting until a ticket is
// assigned and the plan prompt is composed.
func advanceToPlan(t *testing.T, e *Engine) *ticket.Ticket {
	t.Helper()
	if res := mustAdvance(t, e); res.Phase != string(runstate.PhaseScout) {
		t.Fatalf("phase = %s, want SCOUT", res.Phase)
	}
	ingest(t, e, runlog.EventScoutOutput, map[string]any{
		"proposals": []map[string]any{scoutProposal()},
	})
	res := mustAdvance(t, e)
	if res.NextAction != ActionPrompt || res.Phase != string(runstate.PhasePlan) {
		t.Fatalf("result = %+v, want a PLAN prompt", res)
	}
	run, err := e.Manager().Require()
	if err != nil {
		t.Fatal(err)
	}
	tk, err := e.DB().Get(run.CurrentTicketID)
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func submitPlan(t *testing.T, e *Engine, paths []string, estLines int) *IngestResult {
	t.Helper()
	files := make([]map[string]string, 0, len(paths))
	for _, p := range paths {
		files = append(files, map[string]string{"path": p})
	}
	return ingest(t, e, runlog.EventPlanSubmitted, map[string]any{
		"plan": map[string]any{
			"approach":        "small focused edits",
			"files_to_touch":  files,
			"estimated_lines": estLines,
		},
	})
}

func TestStartSessionInitializesRun(t *testing.T) {
	e, _ := newTestEngine(t)

	res := startSession(t, e, sessionConfig())
	if res.RunID == "" || res.Phase != string(runstate.PhaseScout) || res.StepBudget != 40 {
		t.Fatalf("result = %+v", res)
	}

	// The lock is held for the life of the session.
	if _, err := e.StartSession(context.Background(), sessionConfig()); err == nil {
		t.Fatal("second session should fail while the lock is held")
	}
}

func TestAdvanceComposesScoutPrompt(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())

	res := mustAdvance(t, e)
	if res.NextAction != ActionPrompt || res.Phase != string(runstate.PhaseScout) {
		t.Fatalf("result = %+v", res)
	}
	if res.Prompt == "" {
		t.Fatal("empty scout prompt")
	}
	if res.Constraints["sector"] == "" {
		t.Fatalf("constraints = %v, want a sector", res.Constraints)
	}
	if res.Digest.Step != 1 || res.Digest.BudgetRemaining != 39 {
		t.Fatalf("digest = %+v", res.Digest)
	}
}

func TestAdvanceStopsWhenBudgetExhausted(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg := sessionConfig()
	cfg.StepBudget = 2
	startSession(t, e, cfg)

	mustAdvance(t, e)
	mustAdvance(t, e)
	res := mustAdvance(t, e)
	if res.NextAction != ActionStop || res.Phase != string(runstate.PhaseFailedBudget) {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Reason, "budget") {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestScoutOutputCreatesAndAssignsTicket(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())

	tk := advanceToPlan(t, e)
	if tk.Status != ticket.StatusInProgress {
		t.Fatalf("status = %q, want in_progress on assignment", tk.Status)
	}
	if tk.Title != "Tighten handler validation" || tk.Category != "refactor" {
		t.Fatalf("ticket = %+v", tk)
	}
	if len(tk.AllowedPaths) != 1 || tk.AllowedPaths[0] != "internal/api/**" {
		t.Fatalf("allowed paths = %v", tk.AllowedPaths)
	}
}

func TestEmptyScoutRetriesThenFinishes(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())
	mustAdvance(t, e)

	empty := map[string]any{"proposals": []map[string]any{}}
	for i := 0; i < 2; i++ {
		res := ingest(t, e, runlog.EventScoutOutput, empty)
		if !strings.Contains(res.Message, "retrying") {
			t.Fatalf("message = %q", res.Message)
		}
	}
	res := ingest(t, e, runlog.EventScoutOutput, empty)
	if !strings.Contains(res.Message, "retries exhausted") {
		t.Fatalf("message = %q", res.Message)
	}
	if res.CurrentPhase != string(runstate.PhaseDone) {
		t.Fatalf("phase = %s, want DONE", res.CurrentPhase)
	}
}

func TestProposalsHeldForReview(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg := sessionConfig()
	cfg.SkipReview = false
	startSession(t, e, cfg)
	mustAdvance(t, e)

	res := ingest(t, e, runlog.EventScoutOutput, map[string]any{
		"proposals": []map[string]any{scoutProposal()},
	})
	if !strings.Contains(res.Message, "held for review") {
		t.Fatalf("message = %q", res.Message)
	}

	adv := mustAdvance(t, e)
	if adv.Constraints["expects"] != runlog.EventProposalsReviewed {
		t.Fatalf("constraints = %v, want a review prompt", adv.Constraints)
	}

	res = ingest(t, e, runlog.EventProposalsReviewed, map[string]any{
		"reviewed_proposals": []map[string]any{
			{"title": "Tighten handler validation", "verdict": "accept", "impact_score": 9},
		},
	})
	if !strings.Contains(res.Message, "1 tickets created") {
		t.Fatalf("message = %q", res.Message)
	}
	if res.CurrentPhase != string(runstate.PhaseNextTicket) {
		t.Fatalf("phase = %s", res.CurrentPhase)
	}
}

func TestPlanRejectionLimitBlocksTicket(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())
	advanceToPlan(t, e)

	for i := 0; i < 3; i++ {
		res := submitPlan(t, e, []string{"migrations/001.sql"}, 50)
		if !strings.Contains(res.Message, "plan rejected") {
			t.Fatalf("message = %q", res.Message)
		}
		if res.CurrentPhase != string(runstate.PhasePlan) {
			t.Fatalf("phase = %s after rejection %d", res.CurrentPhase, i+1)
		}
	}

	st, err := e.SessionStatus()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastPlanRejection == "" {
		t.Fatal("rejection reason not surfaced in status")
	}

	res := mustAdvance(t, e)
	if res.NextAction != ActionStop || res.Phase != string(runstate.PhaseBlockedHuman) {
		t.Fatalf("result = %+v", res)
	}
}

func TestPlanOverLineBudgetRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())
	advanceToPlan(t, e)

	res := submitPlan(t, e, []string{"internal/api/server.go"}, 5000)
	if !strings.Contains(res.Message, "line limit") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestPlanApprovalCreatesWorktree(t *testing.T) {
	e, git := newTestEngine(t)
	cfg := sessionConfig()
	cfg.Direct = false
	startSession(t, e, cfg)
	tk := advanceToPlan(t, e)

	res := submitPlan(t, e, []string{"internal/api/server.go"}, 50)
	if res.Message != "plan approved" || res.CurrentPhase != string(runstate.PhaseExecute) {
		t.Fatalf("result = %+v", res)
	}

	run, _ := e.Manager().Require()
	if run.CurrentBranch == "" || !strings.HasPrefix(run.CurrentBranch, "promptwheel/"+tk.ID) {
		t.Fatalf("branch = %q", run.CurrentBranch)
	}
	got, err := e.DB().Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Branch != run.CurrentBranch {
		t.Fatalf("ticket branch = %q, run branch = %q", got.Branch, run.CurrentBranch)
	}
	worktreeAdded := false
	for _, call := range git.calls {
		if strings.HasPrefix(call, "worktree add ") {
			worktreeAdded = true
		}
	}
	if !worktreeAdded {
		t.Fatalf("calls = %v, no worktree created", git.calls)
	}
}

func TestTicketLifecycleThroughPR(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg := sessionConfig()
	cfg.MaxPRs = 1
	startSession(t, e, cfg)
	tk := advanceToPlan(t, e)
	submitPlan(t, e, []string{"internal/api/server.go"}, 50)

	adv := mustAdvance(t, e)
	if adv.Phase != string(runstate.PhaseExecute) || adv.Prompt == "" {
		t.Fatalf("result = %+v", adv)
	}

	res := ingest(t, e, runlog.EventTicketResult, map[string]any{
		"status": "done",
		"output": "validation added",
		"diff":   "diff --git a/internal/api/server.go",
	})
	if res.CurrentPhase != string(runstate.PhaseQA) {
		t.Fatalf("phase = %s, want QA", res.CurrentPhase)
	}

	adv = mustAdvance(t, e)
	if adv.Phase != string(runstate.PhaseQA) || adv.Constraints["commands"] == nil {
		t.Fatalf("result = %+v", adv)
	}

	res = ingest(t, e, runlog.EventQAPassed, map[string]any{})
	if res.CurrentPhase != string(runstate.PhasePR) {
		t.Fatalf("phase = %s, want PR", res.CurrentPhase)
	}

	adv = mustAdvance(t, e)
	if adv.Phase != string(runstate.PhasePR) {
		t.Fatalf("result = %+v", adv)
	}

	res = ingest(t, e, runlog.EventPRCreated, map[string]any{"url": "https://example.com/pr/9"})
	if res.CurrentPhase != string(runstate.PhaseNextTicket) {
		t.Fatalf("phase = %s", res.CurrentPhase)
	}
	got, err := e.DB().Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ticket.StatusInReview || got.PRURL != "https://example.com/pr/9" {
		t.Fatalf("ticket = %+v", got)
	}

	// The PR cap ends the session instead of scouting again.
	stop := mustAdvance(t, e)
	if stop.NextAction != ActionStop || stop.Phase != string(runstate.PhaseDone) {
		t.Fatalf("result = %+v", stop)
	}
	if !strings.Contains(stop.Reason, "PR limit") {
		t.Fatalf("reason = %q", stop.Reason)
	}

	sum, err := e.EndSession()
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if sum.TicketsCompleted != 1 || sum.PRsCreated != 1 || sum.Phase != string(runstate.PhaseDone) {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestQARetryThenBlock(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())
	tk := advanceToPlan(t, e)
	submitPlan(t, e, []string{"internal/api/server.go"}, 50)
	ingest(t, e, runlog.EventTicketResult, map[string]any{
		"status": "done", "output": "first pass", "diff": "diff-a",
	})

	// Environment failures get one retry.
	res := ingest(t, e, runlog.EventQAFailed, map[string]any{
		"class": "environment", "error": "go: command not found",
	})
	if !strings.Contains(res.Message, "retry 1 of 1") {
		t.Fatalf("message = %q", res.Message)
	}
	if res.CurrentPhase != string(runstate.PhaseExecute) {
		t.Fatalf("phase = %s, want back to EXECUTE", res.CurrentPhase)
	}

	ingest(t, e, runlog.EventTicketResult, map[string]any{
		"status": "done", "output": "second pass", "diff": "diff-b",
	})
	res = ingest(t, e, runlog.EventQAFailed, map[string]any{
		"class": "environment", "error": "go: command not found again",
	})
	if res.CurrentPhase != string(runstate.PhaseNextTicket) {
		t.Fatalf("phase = %s, want the ticket given up", res.CurrentPhase)
	}

	got, err := e.DB().Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ticket.StatusBlocked || got.LastError == "" {
		t.Fatalf("ticket = %+v", got)
	}
	run, _ := e.Manager().Require()
	if run.TicketsFailed != 1 || run.CurrentTicketID != "" {
		t.Fatalf("run = failed %d current %q", run.TicketsFailed, run.CurrentTicketID)
	}
}

func TestOscillatingDiffsTripTheLoopDetector(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())
	tk := advanceToPlan(t, e)
	submitPlan(t, e, []string{"internal/api/server.go"}, 50)

	ingest(t, e, runlog.EventTicketResult, map[string]any{
		"status": "done", "output": "attempt one", "diff": "diff-a",
	})
	ingest(t, e, runlog.EventQAFailed, map[string]any{
		"class": "code", "error": "FAIL: TestServer", "failing_commands": []string{"go test ./..."},
	})
	ingest(t, e, runlog.EventTicketResult, map[string]any{
		"status": "done", "output": "attempt two", "diff": "diff-b",
	})
	ingest(t, e, runlog.EventQAFailed, map[string]any{
		"class": "code", "error": "FAIL: TestHandler", "failing_commands": []string{"go test ./..."},
	})

	// The third diff reverts the second; the detector calls it a loop.
	res := ingest(t, e, runlog.EventTicketResult, map[string]any{
		"status": "done", "output": "attempt three", "diff": "diff-a",
	})
	if !strings.Contains(res.Message, "loop detected") {
		t.Fatalf("message = %q", res.Message)
	}
	if res.CurrentPhase != string(runstate.PhaseFailedSpindle) {
		t.Fatalf("phase = %s, want FAILED_SPINDLE", res.CurrentPhase)
	}

	got, err := e.DB().Get(tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ticket.StatusBlocked {
		t.Fatalf("ticket status = %q", got.Status)
	}
}

func TestCancelOverrideEndsSession(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())

	res := ingest(t, e, runlog.EventUserOverride, map[string]any{"action": "cancel"})
	if res.CurrentPhase != string(runstate.PhaseDone) {
		t.Fatalf("phase = %s", res.CurrentPhase)
	}
	stop := mustAdvance(t, e)
	if stop.NextAction != ActionStop {
		t.Fatalf("result = %+v", stop)
	}
}

func TestNudgeRecordsHint(t *testing.T) {
	e, _ := newTestEngine(t)
	startSession(t, e, sessionConfig())

	if err := e.Nudge("focus on internal/api"); err != nil {
		t.Fatalf("nudge: %v", err)
	}
	run, err := e.Manager().Require()
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Hints) != 1 || run.Hints[0] != "focus on internal/api" {
		t.Fatalf("hints = %v", run.Hints)
	}
}

func TestScopeCheckAfterResume(t *testing.T) {
	root := t.TempDir()
	newEngine := func() *Engine {
		git := &fakeGit{responses: map[string]string{
			"ls-files": "main.go\ninternal/api/server.go\ninternal/api/handler.go",
		}}
		e, err := New(root, Options{Git: git, Forge: &fakeCmd{responses: map[string]string{}}})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		return e
	}

	e := newEngine()
	res := startSession(t, e, sessionConfig())
	advanceToPlan(t, e)
	submitPlan(t, e, []string{"internal/api/server.go"}, 50)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A new process picks the session back up from state.json.
	e = newEngine()
	defer e.Close()
	if err := e.Resume(res.RunID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	check, err := e.GetScopePolicy(".env")
	if err != nil {
		t.Fatalf("scope check: %v", err)
	}
	if check.Allowed {
		t.Fatalf("check = %+v, want .env denied", check)
	}

	run, err := e.Manager().Require()
	if err != nil {
		t.Fatal(err)
	}
	if run.Spindle == nil || run.Spindle.FileEditCounts[".env"] != 1 {
		t.Fatalf("spindle counts = %+v, blocked edit not recorded", run.Spindle)
	}
}

func TestCancelDuringReviewDropsHeldProposals(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg := sessionConfig()
	cfg.SkipReview = false
	startSession(t, e, cfg)
	mustAdvance(t, e)
	ingest(t, e, runlog.EventScoutOutput, map[string]any{
		"proposals": []map[string]any{scoutProposal()},
	})

	run, _ := e.Manager().Require()
	if len(run.PendingProposals) != 1 {
		t.Fatalf("pending = %d, want the proposal held", len(run.PendingProposals))
	}

	res := ingest(t, e, runlog.EventUserOverride, map[string]any{"action": "cancel"})
	if res.CurrentPhase != string(runstate.PhaseDone) {
		t.Fatalf("phase = %s, want DONE", res.CurrentPhase)
	}
	run, _ = e.Manager().Require()
	if len(run.PendingProposals) != 0 {
		t.Fatalf("pending = %d, held proposals survive cancellation", len(run.PendingProposals))
	}
}

func ticketEvent(t *testing.T, e *Engine, ticketID, eventType string, payload any) *IngestResult {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.TicketEvent(context.Background(), ticketID, eventType, data)
	if err != nil {
		t.Fatalf("ticket event %s for %s: %v", eventType, ticketID, err)
	}
	return res
}

func workerPlan(path string) map[string]any {
	return map[string]any{
		"plan": map[string]any{
			"approach":        "small focused edits",
			"files_to_touch":  []map[string]string{{"path": path}},
			"estimated_lines": 40,
		},
	}
}

func TestParallelWorkersDriveTicketsIndependently(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg := sessionConfig()
	cfg.Parallel = 2
	cfg.CreatePRs = false
	startSession(t, e, cfg)
	mustAdvance(t, e)

	proposal := func(title string) map[string]any {
		p := scoutProposal()
		p["title"] = title
		p["allowed_paths"] = []string{"internal/**"}
		return p
	}
	ingest(t, e, runlog.EventScoutOutput, map[string]any{
		"proposals": []map[string]any{
			proposal("Split server bootstrap into stages"),
			proposal("Remove dead flags from the config loader"),
			proposal("Unify error wrapping in the API handlers"),
		},
	})

	// Two workers start; the third ticket waits in the ready queue.
	res := mustAdvance(t, e)
	if res.NextAction != ActionPrompt || res.Phase != string(runstate.PhaseParallelExecute) {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Prompt, "=== ticket ") {
		t.Fatalf("prompt = %q, want per-worker sections", res.Prompt)
	}

	run, _ := e.Manager().Require()
	if len(run.TicketWorkers) != 2 {
		t.Fatalf("workers = %d, want 2", len(run.TicketWorkers))
	}
	var pooled []string
	for id := range run.TicketWorkers {
		pooled = append(pooled, id)
	}
	sort.Strings(pooled)
	first, second := pooled[0], pooled[1]

	ready, err := e.DB().List(run.ProjectID, ticket.StatusReady)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 {
		t.Fatalf("ready = %d, want one ticket awaiting a worker", len(ready))
	}
	third := ready[0].ID

	// First worker runs its whole lifecycle through the ticket channel.
	ticketEvent(t, e, first, runlog.EventPlanSubmitted, workerPlan("internal/api/server.go"))
	run, _ = e.Manager().Require()
	if run.TicketWorkers[first].Phase != runstate.WorkerExecute {
		t.Fatalf("worker phase = %s, want EXECUTE", run.TicketWorkers[first].Phase)
	}
	ticketEvent(t, e, first, runlog.EventTicketResult, map[string]any{
		"status": "done", "output": "first worker output", "diff": "diff-one",
	})
	done := ticketEvent(t, e, first, runlog.EventQAPassed, map[string]any{})
	if !strings.Contains(done.Message, "completed") {
		t.Fatalf("message = %q", done.Message)
	}
	run, _ = e.Manager().Require()
	if _, ok := run.TicketWorkers[first]; ok {
		t.Fatal("completed worker still pooled")
	}
	got, err := e.DB().Get(first)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ticket.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}

	// The next advance tops the pool back up with the waiting ticket.
	mustAdvance(t, e)
	run, _ = e.Manager().Require()
	if len(run.TicketWorkers) != 2 || run.TicketWorkers[third] == nil {
		t.Fatalf("workers = %v, want %s picked up", run.TicketWorkers, third)
	}

	// Events carrying ticket_id route to their worker through IngestEvent.
	plan := workerPlan("internal/config/load.go")
	plan["ticket_id"] = second
	ires := ingest(t, e, runlog.EventPlanSubmitted, plan)
	if ires.Message != "plan approved" {
		t.Fatalf("message = %q", ires.Message)
	}
	run, _ = e.Manager().Require()
	if run.TicketWorkers[second].Phase != runstate.WorkerExecute {
		t.Fatalf("worker phase = %s, want EXECUTE", run.TicketWorkers[second].Phase)
	}

	// A failing result blocks the ticket and drops its worker.
	fres := ingest(t, e, runlog.EventTicketResult, map[string]any{
		"ticket_id": second,
		"status":    "failed",
		"error":     "tests went red",
		"output":    "second worker output",
		"diff":      "diff-two",
	})
	if !strings.Contains(fres.Message, "blocked") {
		t.Fatalf("message = %q", fres.Message)
	}
	got, err = e.DB().Get(second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ticket.StatusBlocked {
		t.Fatalf("status = %q, want blocked", got.Status)
	}

	ticketEvent(t, e, third, runlog.EventPlanSubmitted, workerPlan("internal/api/handler.go"))
	ticketEvent(t, e, third, runlog.EventTicketResult, map[string]any{
		"status": "done", "output": "third worker output", "diff": "diff-three",
	})
	ticketEvent(t, e, third, runlog.EventQAPassed, map[string]any{})

	run, _ = e.Manager().Require()
	if len(run.TicketWorkers) != 0 {
		t.Fatalf("workers = %v, want an empty pool", run.TicketWorkers)
	}
	if run.TicketsCompleted != 2 || run.TicketsFailed != 1 {
		t.Fatalf("completed %d failed %d, want 2 and 1", run.TicketsCompleted, run.TicketsFailed)
	}
}

func TestSessionLockReclaimsStale(t *testing.T) {
	base := t.TempDir()

	lock, err := AcquireLock(base)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := AcquireLock(base); err == nil {
		t.Fatal("second acquire should fail while the holder lives")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	// A lock left behind by a dead process is reclaimed.
	if err := os.WriteFile(filepath.Join(base, "session.lock"), []byte("0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err = AcquireLock(base)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	lock.Release()
}
