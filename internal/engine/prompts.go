package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptwheel/promptwheel/internal/learnings"
	"github.com/promptwheel/promptwheel/internal/prompt"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/ticket"
	"github.com/promptwheel/promptwheel/internal/trajectory"
)

const (
	dedupPromptBudget     = 1500
	learningsPromptBudget = 2000
)

// composeScoutPrompt picks the next sector and renders the scout prompt.
func (e *Engine) composeScoutPrompt(ctx context.Context, run *runstate.Run) (string, string, error) {
	sec := e.sectors.Pick(run.ScoutCycles)
	if sec == nil {
		return "", "", fmt.Errorf("no sectors to scout; run solo init first")
	}

	categories := run.Config.Categories
	trajCtx := ""
	if e.activeTrajectory != "" {
		text, stepCats, err := e.trajectoryContext(run)
		if err != nil {
			return "", "", err
		}
		trajCtx = text
		if len(stepCats) > 0 {
			categories = stepCats
		}
	}
	categories = applyAffinity(categories, sec.BoostCategories(), sec.SuppressCategories())

	vars := prompt.Vars{
		"sector_path":     sec.Path,
		"sector_purpose":  sec.Purpose,
		"categories":      strings.Join(categories, ", "),
		"trajectory":      trajCtx,
		"learnings":       e.learningsFor(run, []string{sec.Path}, nil),
		"recent_work":     e.memory.Format(dedupPromptBudget),
		"exploration_log": formatExploration(run.ScoutExplorationLog),
		"hints":           strings.Join(run.Hints, "\n"),
		"max_proposals":   fmt.Sprintf("%d", run.Config.MaxProposals),
	}
	rendered, err := e.render(prompt.TemplateScout, vars)
	if err != nil {
		return "", "", err
	}
	return rendered, sec.Path, nil
}

// trajectoryContext loads the active step and returns its prompt text
// plus any category restriction. Paused trajectories contribute nothing.
func (e *Engine) trajectoryContext(run *runstate.Run) (string, []string, error) {
	t, err := e.traj.Load(e.activeTrajectory)
	if err != nil {
		return "", nil, err
	}
	st, err := e.traj.LoadState(e.activeTrajectory)
	if err != nil {
		return "", nil, err
	}
	if st.Paused {
		return "", nil, nil
	}
	step, err := e.traj.Activate(e.activeTrajectory, run.ScoutCycles)
	if err != nil {
		// A finished trajectory stops gating without failing the scout.
		return "", nil, nil
	}
	if trajectory.Stuck(st.StepStates[step.ID], 0) {
		e.logf("trajectory %s step %s looks stuck", t.Name, step.ID)
	}
	return trajectory.PromptContext(t, step), step.Categories, nil
}

// applyAffinity reorders boosted categories first and drops suppressed
// ones, keeping at least one category.
func applyAffinity(categories, boost, suppress []string) []string {
	suppressed := make(map[string]bool, len(suppress))
	for _, c := range suppress {
		suppressed[c] = true
	}
	boosted := make(map[string]bool, len(boost))
	for _, c := range boost {
		boosted[c] = true
	}
	var head, tail []string
	for _, c := range categories {
		if suppressed[c] {
			continue
		}
		if boosted[c] {
			head = append(head, c)
		} else {
			tail = append(tail, c)
		}
	}
	out := append(head, tail...)
	if len(out) == 0 {
		return categories
	}
	return out
}

func formatExploration(entries []runstate.ExplorationEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "- cycle %d, sector %s: %d proposals", entry.Cycle, entry.Sector, entry.Proposals)
		if entry.Note != "" {
			b.WriteString(" (" + entry.Note + ")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// learningsFor selects relevant learnings, records the injected ids on
// the run, and renders the block. Empty when learnings are disabled.
func (e *Engine) learningsFor(run *runstate.Run, ctxPaths, ctxCommands []string) string {
	if !run.Config.LearningsEnabled {
		return ""
	}
	selected := e.lstore.SelectRelevant(ctxPaths, ctxCommands, learningsPromptBudget)
	if len(selected) == 0 {
		return ""
	}
	e.mgr.Mutate(func(r *runstate.Run) {
		for _, l := range selected {
			r.InjectedLearningIDs = append(r.InjectedLearningIDs, l.ID)
		}
	})
	return learnings.Format(selected)
}

func (e *Engine) composeReviewPrompt(run *runstate.Run) (string, error) {
	data, err := json.MarshalIndent(run.PendingProposals, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal pending proposals: %w", err)
	}
	return e.render(prompt.TemplateReview, prompt.Vars{"proposals": string(data)})
}

func (e *Engine) composePlanPrompt(run *runstate.Run, t *ticket.Ticket) (string, error) {
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
		"last_rejection":     run.LastPlanRejectionReason,
	})
}

func formatAllowed(patterns []string) string {
	if len(patterns) == 0 {
		return "(whole repository, minus the standard deny set)"
	}
	return strings.Join(patterns, ", ")
}

func (e *Engine) composeExecutePrompt(run *runstate.Run, t *ticket.Ticket) (string, error) {
	planText := ""
	if run.CurrentPlan != nil {
		data, err := json.MarshalIndent(run.CurrentPlan, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal plan: %w", err)
		}
		planText = string(data)
	}
	qaFailure := ""
	if run.LastQAFailure != nil {
		qaFailure = fmt.Sprintf("class %s: %s", run.LastQAFailure.Class, run.LastQAFailure.Error)
		if len(run.LastQAFailure.FailingCommands) > 0 {
			qaFailure += "\nfailing commands: " + strings.Join(run.LastQAFailure.FailingCommands, ", ")
		}
	}
	return e.render(prompt.TemplateExecute, prompt.Vars{
		"ticket_id":    t.ID,
		"ticket_title": t.Title,
		"plan":         planText,
		"learnings":    e.learningsFor(run, t.AllowedPaths, t.VerificationCommands),
		"qa_failure":   qaFailure,
	})
}

func (e *Engine) composeQAPrompt(run *runstate.Run, t *ticket.Ticket) (string, error) {
	commands := qaCommands(run, t)
	var b strings.Builder
	for _, c := range commands {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return e.render(prompt.TemplateQA, prompt.Vars{
		"ticket_id":    t.ID,
		"ticket_title": t.Title,
		"commands":     strings.TrimRight(b.String(), "\n"),
	})
}

func (e *Engine) composePRPrompt(run *runstate.Run, t *ticket.Ticket) (string, error) {
	draft := ""
	if run.Config.Draft {
		draft = "true"
	}
	return e.render(prompt.TemplatePR, prompt.Vars{
		"ticket_id":    t.ID,
		"ticket_title": t.Title,
		"branch":       run.CurrentBranch,
		"draft":        draft,
	})
}

// render loads the template (honoring project overrides) and expands it.
func (e *Engine) render(name string, vars prompt.Vars) (string, error) {
	tmpl, err := prompt.Load(e.mgr.Dir().Base(), name)
	if err != nil {
		return "", err
	}
	out, err := prompt.Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return out, nil
}
