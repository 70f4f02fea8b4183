// Package engine is the session core: the phase state machine, the event
// processor, and the parallel ticket scheduler. One Engine instance owns
// one repository's session at a time.
package engine

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/promptwheel/promptwheel/internal/dedup"
	"github.com/promptwheel/promptwheel/internal/forge"
	"github.com/promptwheel/promptwheel/internal/gitops"
	"github.com/promptwheel/promptwheel/internal/learnings"
	"github.com/promptwheel/promptwheel/internal/qa"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/sector"
	"github.com/promptwheel/promptwheel/internal/spindle"
	"github.com/promptwheel/promptwheel/internal/ticket"
	"github.com/promptwheel/promptwheel/internal/trajectory"
)

// Budget warning thresholds, percent of step_budget.
var budgetWarnAt = []int{50, 80, 95}

// maxScoutRetries bounds empty scout cycles before the session ends.
const maxScoutRetries = 3

// maxPlanRejections bounds plan resubmissions before the run blocks.
const maxPlanRejections = 3

// Engine wires the session stores together.
type Engine struct {
	projectRoot string
	projectID   string

	mgr     *runstate.Manager
	db      *ticket.DB
	sectors *sector.Map
	memory  *dedup.Memory
	lstore  *learnings.Store
	traj    *trajectory.Store
	qaStats *qa.Stats
	qaBase  *qa.Baseline
	git     *gitops.Controller
	pr      *forge.Client

	lock     *SessionLock
	progress io.Writer

	// activeTrajectory is set when a trajectory step gates scouting.
	activeTrajectory string
}

// Options configures engine construction; zero values use real runners.
type Options struct {
	Git      gitops.GitRunner
	Forge    forge.CmdRunner
	Progress io.Writer
}

// New opens every store under <projectRoot>/.promptwheel and returns a
// ready engine. The caller owns Close.
func New(projectRoot string, opts Options) (*Engine, error) {
	dir := runlog.New(projectRoot)
	base := dir.Base()

	dbPath, err := ticket.DefaultPath(base)
	if err != nil {
		return nil, err
	}
	db, err := ticket.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	sectors, err := sector.Load(base)
	if err != nil {
		db.Close()
		return nil, err
	}
	memory, err := dedup.Load(base)
	if err != nil {
		db.Close()
		return nil, err
	}
	lstore, err := learnings.Load(base)
	if err != nil {
		db.Close()
		return nil, err
	}
	qaStats, err := qa.LoadStats(filepath.Join(base, "qa-stats.json"))
	if err != nil {
		db.Close()
		return nil, err
	}
	qaBase, err := qa.LoadBaseline(filepath.Join(base, "qa-baseline.json"))
	if err != nil {
		db.Close()
		return nil, err
	}

	gitRunner := opts.Git
	if gitRunner == nil {
		gitRunner = &gitops.ExecGit{}
	}
	forgeRunner := opts.Forge
	if forgeRunner == nil {
		forgeRunner = &forge.ExecRunner{}
	}
	progress := opts.Progress
	if progress == nil {
		progress = io.Discard
	}

	mgr := runstate.NewManager(dir)
	mgr.SetLearningsLoader(func() ([]string, error) {
		return lstore.Texts(), nil
	})

	return &Engine{
		projectRoot: projectRoot,
		projectID:   filepath.Base(projectRoot),
		mgr:         mgr,
		db:          db,
		sectors:     sectors,
		memory:      memory,
		lstore:      lstore,
		traj:        trajectory.NewStore(base),
		qaStats:     qaStats,
		qaBase:      qaBase,
		git:         gitops.NewController(gitRunner, projectRoot),
		pr:          forge.NewClient(forgeRunner),
		progress:    progress,
	}, nil
}

// Close releases the database and the session lock if held.
func (e *Engine) Close() error {
	if e.lock != nil {
		e.lock.Release()
		e.lock = nil
	}
	return e.db.Close()
}

func (e *Engine) logf(format string, args ...interface{}) {
	fmt.Fprintf(e.progress, format+"\n", args...)
}

// Dir exposes the run directory for read-side consumers.
func (e *Engine) Dir() *runlog.Dir { return e.mgr.Dir() }

// Manager exposes the run state manager.
func (e *Engine) Manager() *runstate.Manager { return e.mgr }

// DB exposes the ticket store.
func (e *Engine) DB() *ticket.DB { return e.db }

// StartResult is what start_session returns to the agent.
type StartResult struct {
	RunID      string   `json:"run_id"`
	SessionID  string   `json:"session_id"`
	Phase      string   `json:"phase"`
	StepBudget int      `json:"step_budget"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// StartSession acquires the repo lock, refreshes the sector map, decays
// the dedup memory, captures the QA baseline, and creates the run record.
func (e *Engine) StartSession(ctx context.Context, cfg runstate.Config) (*StartResult, error) {
	lock, err := AcquireLock(e.mgr.Dir().Base())
	if err != nil {
		return nil, err
	}
	e.lock = lock

	var warnings []string

	indexed, err := sector.BuildIndex(e.projectRoot, func() ([]string, error) {
		return e.git.ListTracked(ctx, e.projectRoot)
	})
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("sector index: %v", err))
	} else {
		e.sectors.Merge(indexed)
		if err := e.sectors.Save(); err != nil {
			return nil, err
		}
	}

	e.memory.Decay(0.1)
	if err := e.memory.Save(); err != nil {
		return nil, err
	}

	if len(cfg.QACommands) > 0 {
		e.qaBase.Capture(ctx, &qa.ExecRunner{}, e.projectRoot, cfg.QACommands, 0)
		if err := e.qaBase.Save(); err != nil {
			return nil, err
		}
	}

	run, err := e.mgr.Create(e.projectID, cfg)
	if err != nil {
		e.lock.Release()
		e.lock = nil
		return nil, err
	}
	e.logf("session %s started (budget %d steps)", run.RunID, run.StepBudget)
	return &StartResult{
		RunID:      run.RunID,
		SessionID:  run.SessionID,
		Phase:      string(run.Phase),
		StepBudget: run.StepBudget,
		ExpiresAt:  run.ExpiresAt,
		Warnings:   warnings,
	}, nil
}

// Resume reopens a persisted run as the active session.
func (e *Engine) Resume(runID string) error {
	lock, err := AcquireLock(e.mgr.Dir().Base())
	if err != nil {
		return err
	}
	e.lock = lock
	if _, err := e.mgr.Resume(runID); err != nil {
		e.lock.Release()
		e.lock = nil
		return err
	}
	return nil
}

// Digest is the compact progress block attached to every advance result.
type Digest struct {
	Step             int    `json:"step"`
	Phase            string `json:"phase"`
	TicketsCompleted int    `json:"tickets_completed"`
	TicketsFailed    int    `json:"tickets_failed"`
	BudgetRemaining  int    `json:"budget_remaining"`
}

func digestOf(run *runstate.Run) Digest {
	return Digest{
		Step:             run.StepCount,
		Phase:            string(run.Phase),
		TicketsCompleted: run.TicketsCompleted,
		TicketsFailed:    run.TicketsFailed,
		BudgetRemaining:  run.BudgetRemaining(),
	}
}

// Status is the session_status result.
type Status struct {
	Phase             string              `json:"phase"`
	Digest            Digest              `json:"digest"`
	BudgetWarnings    []int               `json:"budget_warnings,omitempty"`
	LastQAFailure     *runstate.QAFailure `json:"last_qa_failure,omitempty"`
	LastPlanRejection string              `json:"last_plan_rejection,omitempty"`
}

// SessionStatus reports the active session without mutating it.
func (e *Engine) SessionStatus() (*Status, error) {
	run, err := e.mgr.Require()
	if err != nil {
		return nil, err
	}
	return &Status{
		Phase:             string(run.Phase),
		Digest:            digestOf(run),
		BudgetWarnings:    run.BudgetWarningsFired,
		LastQAFailure:     run.LastQAFailure,
		LastPlanRejection: run.LastPlanRejectionReason,
	}, nil
}

// Summary is the end_session result, also appended to history.ndjson.
type Summary struct {
	RunID            string `json:"run_id"`
	Phase            string `json:"phase"`
	Steps            int    `json:"steps"`
	TicketsCompleted int    `json:"tickets_completed"`
	TicketsFailed    int    `json:"tickets_failed"`
	TicketsBlocked   int    `json:"tickets_blocked"`
	PRsCreated       int    `json:"prs_created"`
	ScoutCycles      int    `json:"scout_cycles"`
	EndedAt          string `json:"ended_at"`
}

// EndSession finalizes the run: persists stores, records run history,
// writes the summary, and releases the lock.
func (e *Engine) EndSession() (*Summary, error) {
	run, err := e.mgr.End()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	sum := &Summary{
		RunID:            run.RunID,
		Phase:            string(run.Phase),
		Steps:            run.StepCount,
		TicketsCompleted: run.TicketsCompleted,
		TicketsFailed:    run.TicketsFailed,
		TicketsBlocked:   run.TicketsBlocked,
		PRsCreated:       run.PRsCreated,
		ScoutCycles:      run.ScoutCycles,
		EndedAt:          now,
	}

	if err := e.memory.Save(); err != nil {
		return nil, err
	}
	if err := e.sectors.Save(); err != nil {
		return nil, err
	}
	if err := e.lstore.Save(); err != nil {
		return nil, err
	}
	if err := e.qaStats.Save(); err != nil {
		return nil, err
	}
	if err := e.mgr.Dir().AppendHistory(sum); err != nil {
		return nil, err
	}
	if err := e.db.RecordRun(ticket.RunSummary{
		RunID:            run.RunID,
		ProjectID:        run.ProjectID,
		Phase:            string(run.Phase),
		Steps:            run.StepCount,
		ScoutCycles:      run.ScoutCycles,
		TicketsCompleted: run.TicketsCompleted,
		TicketsFailed:    run.TicketsFailed,
		TicketsBlocked:   run.TicketsBlocked,
		PRsCreated:       run.PRsCreated,
		StartedAt:        run.StartedAt,
		EndedAt:          now,
	}); err != nil {
		return nil, err
	}

	if e.lock != nil {
		e.lock.Release()
		e.lock = nil
	}
	e.logf("session %s ended: %s, %d completed, %d failed, %d PRs",
		run.RunID, run.Phase, run.TicketsCompleted, run.TicketsFailed, run.PRsCreated)
	return sum, nil
}

// Nudge appends an operator hint picked up by the next scout prompt.
func (e *Engine) Nudge(hint string) error {
	if err := e.mgr.AddHint(hint); err != nil {
		return err
	}
	return e.mgr.AppendEvent(runlog.EventUserOverride, map[string]string{"action": "hint", "hint": hint})
}

// ScopeCheck answers get_scope_policy for one path against the current
// ticket's policy.
type ScopeCheck struct {
	Path    string `json:"path,omitempty"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	AllowedPaths []string `json:"allowed_paths,omitempty"`
	MaxLines     int      `json:"max_lines,omitempty"`
}

// GetScopePolicy describes the active policy, optionally checking one
// file path against it.
func (e *Engine) GetScopePolicy(filePath string) (*ScopeCheck, error) {
	run, err := e.mgr.Require()
	if err != nil {
		return nil, err
	}
	pol, err := e.policyForCurrentTicket(run)
	if err != nil {
		return nil, err
	}
	out := &ScopeCheck{
		Allowed:      true,
		AllowedPaths: pol.Allowed(),
		MaxLines:     pol.MaxLines(),
	}
	if filePath != "" {
		ok, reason := pol.IsFileAllowed(filePath)
		out.Path = filePath
		out.Allowed = ok
		out.Reason = reason
	}
	return out, nil
}

// SetActiveTrajectory names the trajectory whose current step gates
// scouting; empty clears it.
func (e *Engine) SetActiveTrajectory(name string) { e.activeTrajectory = name }

// Trajectories exposes the trajectory store for the CLI.
func (e *Engine) Trajectories() *trajectory.Store { return e.traj }

// spindleConfig returns the worker loop-detection config.
func spindleConfig() spindle.Config {
	return spindle.Config{}
}
