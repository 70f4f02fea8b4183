// Package runstate holds the mutable per-session record and the manager
// that serializes every mutation of it to state.json.
package runstate

import "github.com/promptwheel/promptwheel/internal/spindle"

// Phase is the top-level run phase.
type Phase string

const (
	PhaseScout            Phase = "SCOUT"
	PhaseNextTicket       Phase = "NEXT_TICKET"
	PhasePlan             Phase = "PLAN"
	PhaseExecute          Phase = "EXECUTE"
	PhaseParallelExecute  Phase = "PARALLEL_EXECUTE"
	PhaseQA               Phase = "QA"
	PhasePR               Phase = "PR"
	PhaseDone             Phase = "DONE"
	PhaseFailedBudget     Phase = "FAILED_BUDGET"
	PhaseFailedValidation Phase = "FAILED_VALIDATION"
	PhaseFailedSpindle    Phase = "FAILED_SPINDLE"
	PhaseBlockedHuman     Phase = "BLOCKED_NEEDS_HUMAN"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseFailedBudget, PhaseFailedValidation, PhaseFailedSpindle, PhaseBlockedHuman:
		return true
	}
	return false
}

// WorkerPhase is the per-ticket mini state machine phase.
type WorkerPhase string

const (
	WorkerPlan    WorkerPhase = "PLAN"
	WorkerExecute WorkerPhase = "EXECUTE"
	WorkerQA      WorkerPhase = "QA"
	WorkerPR      WorkerPhase = "PR"
	WorkerDone    WorkerPhase = "DONE"
	WorkerFailed  WorkerPhase = "FAILED"
)

// QAFailure records the most recent QA failure for retry classification.
type QAFailure struct {
	Class           string   `json:"class"` // "environment", "timeout", "code"
	Error           string   `json:"error"`
	FailingCommands []string `json:"failing_commands,omitempty"`
}

// Plan is the committed plan for the current ticket, as submitted by the agent.
type Plan struct {
	Approach     string     `json:"approach"`
	FilesToTouch []PlanFile `json:"files_to_touch"`
	Steps        []string   `json:"steps,omitempty"`
	EstLines     int        `json:"estimated_lines,omitempty"`
}

// PlanFile is one file the plan intends to modify.
type PlanFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
}

// WorkerState is the persisted state of one parallel ticket worker.
type WorkerState struct {
	TicketID      string         `json:"ticket_id"`
	Phase         WorkerPhase    `json:"phase"`
	Plan          *Plan          `json:"plan,omitempty"`
	PlanApproved  bool           `json:"plan_approved"`
	PlanRejections int           `json:"plan_rejections"`
	QARetries     int            `json:"qa_retries"`
	LastQAFailure *QAFailure     `json:"last_qa_failure,omitempty"`
	Spindle       *spindle.State `json:"spindle,omitempty"`
	BranchName    string         `json:"branch_name,omitempty"`
	PRURL         string         `json:"pr_url,omitempty"`
	CompletedAt   string         `json:"completed_at,omitempty"`
}

// Proposal is a raw improvement opportunity emitted by the scout.
type Proposal struct {
	Category             string   `json:"category"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
	VerificationCommands []string `json:"verification_commands,omitempty"`
	AllowedPaths         []string `json:"allowed_paths,omitempty"`
	Files                []string `json:"files,omitempty"`
	Confidence           int      `json:"confidence"`   // 0-100, execution hint only
	ImpactScore          int      `json:"impact_score"` // 1-10
	Risk                 string   `json:"risk,omitempty"`
	RollbackNote         string   `json:"rollback_note,omitempty"`
	TouchedFilesEstimate int      `json:"touched_files_estimate,omitempty"`
	ReviewScore          int      `json:"review_score,omitempty"` // from adversarial review
}

// ExplorationEntry records one scout pass for retry prompts.
type ExplorationEntry struct {
	Cycle     int    `json:"cycle"`
	Sector    string `json:"sector"`
	Proposals int    `json:"proposals"`
	Note      string `json:"note,omitempty"`
}

// Config is the immutable session config snapshot stored in the run record.
type Config struct {
	Scope            []string `json:"scope,omitempty"`
	Categories       []string `json:"categories,omitempty"`
	MinConfidence    int      `json:"min_confidence"`
	MinImpactScore   int      `json:"min_impact_score"`
	MaxProposals     int      `json:"max_proposals"`
	MaxPRs           int      `json:"max_prs"`
	StepBudget       int      `json:"step_budget"`
	TicketStepBudget int      `json:"ticket_step_budget"`
	CreatePRs        bool     `json:"create_prs"`
	Draft            bool     `json:"draft"`
	Direct           bool     `json:"direct"`
	Parallel         int      `json:"parallel"`
	CrossVerify      bool     `json:"cross_verify"`
	SkipReview       bool     `json:"skip_review"`
	DryRun           bool     `json:"dry_run"`
	LearningsEnabled bool     `json:"learnings_enabled"`
	QACommands       []string `json:"qa_commands,omitempty"`
	Formula          string   `json:"formula,omitempty"`
	MaxLinesPerTicket int     `json:"max_lines_per_ticket,omitempty"`
	ExpiresAfter     string   `json:"expires_after,omitempty"` // duration string
}

// Run is the whole session record, persisted to state.json after every mutation.
type Run struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	StartedAt string `json:"started_at"`
	ExpiresAt string `json:"expires_at,omitempty"`

	Phase Phase `json:"phase"`

	StepBudget       int `json:"step_budget"`
	StepCount        int `json:"step_count"`
	TicketStepBudget int `json:"ticket_step_budget"`
	TicketStepCount  int `json:"ticket_step_count"`
	MaxPRs           int `json:"max_prs"`
	PRsCreated       int `json:"prs_created"`
	TicketsCompleted int `json:"tickets_completed"`
	TicketsFailed    int `json:"tickets_failed"`
	TicketsBlocked   int `json:"tickets_blocked"`
	ScoutCycles      int `json:"scout_cycles"`
	ScoutRetries     int `json:"scout_retries"`

	CurrentTicketID         string `json:"current_ticket_id,omitempty"`
	PlanApproved            bool   `json:"plan_approved"`
	PlanRejections          int    `json:"plan_rejections"`
	LastPlanRejectionReason string `json:"last_plan_rejection_reason,omitempty"`
	CurrentPlan             *Plan  `json:"current_plan,omitempty"`
	CurrentBranch           string `json:"current_branch,omitempty"`

	QARetries     int        `json:"qa_retries"`
	LastQAFailure *QAFailure `json:"last_qa_failure,omitempty"`

	PendingProposals    []Proposal         `json:"pending_proposals,omitempty"`
	Hints               []string           `json:"hints,omitempty"`
	ScoutedDirs         []string           `json:"scouted_dirs,omitempty"`
	ScoutExplorationLog []ExplorationEntry `json:"scout_exploration_log,omitempty"`

	CachedLearnings     []string `json:"cached_learnings,omitempty"`
	InjectedLearningIDs []string `json:"injected_learning_ids,omitempty"`
	CodebaseIndex       []string `json:"codebase_index,omitempty"`
	CodebaseIndexDirty  bool     `json:"codebase_index_dirty"`

	TicketWorkers map[string]*WorkerState `json:"ticket_workers,omitempty"`

	BudgetWarningsFired []int `json:"budget_warnings_fired,omitempty"` // 50, 80, 95

	Spindle *spindle.State `json:"spindle,omitempty"`

	Config Config `json:"config"`
}

// BudgetRemaining returns the steps left before FAILED_BUDGET.
func (r *Run) BudgetRemaining() int {
	rem := r.StepBudget - r.StepCount
	if rem < 0 {
		return 0
	}
	return rem
}
