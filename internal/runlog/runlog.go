// Package runlog manages the per-run directory: the append-only
// events.ndjson stream, per-step JSON artifacts, and the project-level
// loop-state.json marker that host stop-hooks read.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/promptwheel/promptwheel/internal/runfs"
)

// Root is the name of the project state directory.
const Root = ".promptwheel"

// Event types appended to events.ndjson.
const (
	EventScoutOutput       = "SCOUT_OUTPUT"
	EventProposalsReviewed = "PROPOSALS_REVIEWED"
	EventPlanSubmitted     = "PLAN_SUBMITTED"
	EventTicketResult      = "TICKET_RESULT"
	EventQAPassed          = "QA_PASSED"
	EventQAFailed          = "QA_FAILED"
	EventQACommandResult   = "QA_COMMAND_RESULT"
	EventPRCreated         = "PR_CREATED"
	EventUserOverride      = "USER_OVERRIDE"
	EventBudgetWarning     = "BUDGET_WARNING"
	EventScopeAllowed      = "SCOPE_ALLOWED"
	EventScopeBlocked      = "SCOPE_BLOCKED"
)

// Event is one line of events.ndjson. Payload is kept as raw JSON so
// unknown types survive a read-modify-write untouched.
type Event struct {
	TS      int64           `json:"ts"` // unix milliseconds
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Step    int             `json:"step,omitempty"`
	Phase   string          `json:"phase,omitempty"`
}

// Dir is the state directory for one project.
type Dir struct {
	projectRoot string
}

// New returns the state directory rooted at projectRoot/.promptwheel.
func New(projectRoot string) *Dir {
	return &Dir{projectRoot: projectRoot}
}

// Base returns the .promptwheel directory path.
func (d *Dir) Base() string {
	return filepath.Join(d.projectRoot, Root)
}

// RunDir returns the directory for one run, creating nothing.
func (d *Dir) RunDir(runID string) string {
	return filepath.Join(d.Base(), "runs", runID)
}

// StatePath returns the state.json path for a run.
func (d *Dir) StatePath(runID string) string {
	return filepath.Join(d.RunDir(runID), "state.json")
}

// EventsPath returns the events.ndjson path for a run.
func (d *Dir) EventsPath(runID string) string {
	return filepath.Join(d.RunDir(runID), "events.ndjson")
}

// InitRun creates the run directory skeleton.
func (d *Dir) InitRun(runID string) error {
	dir := filepath.Join(d.RunDir(runID), "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir run dir: %w", err)
	}
	return nil
}

// Append writes one event line. Appends are line-atomic; concurrent TUI
// readers only ever see whole lines.
func (d *Dir) Append(runID string, ev Event) error {
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	return runfs.AppendLine(d.EventsPath(runID), ev)
}

// ReadEvents returns every decodable event line. Malformed or unknown
// lines are skipped, not errors.
func (d *Dir) ReadEvents(runID string) ([]Event, error) {
	var events []Event
	err := runfs.ReadLines(d.EventsPath(runID), func(line []byte) error {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// WriteArtifact stores a per-step JSON snapshot under artifacts/.
func (d *Dir) WriteArtifact(runID string, step int, kind string, v interface{}) error {
	name := fmt.Sprintf("%d-%s.json", step, kind)
	return runfs.WriteJSON(filepath.Join(d.RunDir(runID), "artifacts", name), v)
}

// ListArtifacts returns artifact filenames for a run, sorted by the
// directory read order.
func (d *Dir) ListArtifacts(runID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.RunDir(runID), "artifacts"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifacts dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ListRuns returns the run IDs present under runs/, newest last by
// directory name order.
func (d *Dir) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.Base(), "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// LoopState is the project-root marker a host stop-hook inspects to decide
// whether the session may exit.
type LoopState struct {
	RunID string `json:"run_id"`
	Phase string `json:"phase"`
	Step  int    `json:"step"`
}

// loopStatePath lives at the project .promptwheel root, not inside a run.
func (d *Dir) loopStatePath() string {
	return filepath.Join(d.Base(), "loop-state.json")
}

// WriteLoopState records the active phase for the stop-hook.
func (d *Dir) WriteLoopState(ls LoopState) error {
	return runfs.WriteJSON(d.loopStatePath(), ls)
}

// ReadLoopState returns the marker, or nil when absent.
func (d *Dir) ReadLoopState() (*LoopState, error) {
	var ls LoopState
	if err := runfs.ReadJSON(d.loopStatePath(), &ls); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ls, nil
}

// ClearLoopState removes the marker so the host can release cleanly.
func (d *Dir) ClearLoopState() error {
	err := os.Remove(d.loopStatePath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove loop-state: %w", err)
	}
	return nil
}

// AppendHistory appends a run summary line to history.ndjson.
func (d *Dir) AppendHistory(v interface{}) error {
	return runfs.AppendLine(filepath.Join(d.Base(), "history.ndjson"), v)
}

// AppendErrorLedger appends a classified ticket failure to
// error-ledger.ndjson.
func (d *Dir) AppendErrorLedger(v interface{}) error {
	return runfs.AppendLine(filepath.Join(d.Base(), "error-ledger.ndjson"), v)
}
