// Package hookcmd implements the host agent hook entry points. The hooks
// are short-lived processes: they read a JSON request on stdin, consult
// the project state directory, and write a JSON decision on stdout. No
// output means "allow".
package hookcmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/promptwheel/promptwheel/internal/runfs"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/scope"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

// Decision is the hook response protocol.
type Decision struct {
	Decision string `json:"decision"` // "deny" or "block"
	Reason   string `json:"reason"`
}

// writeTools are the tools whose file arguments are scope-checked.
var writeTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

type preToolInput struct {
	ToolName  string `json:"tool_name"`
	ToolInput struct {
		FilePath     string `json:"file_path"`
		Path         string `json:"path"`
		NotebookPath string `json:"notebook_path"`
	} `json:"tool_input"`
}

func (p *preToolInput) filePath() string {
	switch {
	case p.ToolInput.FilePath != "":
		return p.ToolInput.FilePath
	case p.ToolInput.NotebookPath != "":
		return p.ToolInput.NotebookPath
	default:
		return p.ToolInput.Path
	}
}

// PreToolUse gates file writes against the current ticket's scope policy.
// Missing state at any point allows the write; the hook never breaks a
// session that is not ours to police.
func PreToolUse(projectRoot string, in io.Reader, out io.Writer) error {
	var req preToolInput
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return nil
	}
	if !writeTools[req.ToolName] {
		return nil
	}
	path := req.filePath()
	if path == "" {
		return nil
	}

	dir := runlog.New(projectRoot)
	ls, err := dir.ReadLoopState()
	if err != nil || ls == nil {
		return nil
	}

	pol, err := policyForRun(projectRoot, dir, ls.RunID)
	if err != nil || pol == nil {
		return nil
	}
	if ok, reason := pol.IsFileAllowed(path); !ok {
		return json.NewEncoder(out).Encode(Decision{Decision: "deny", Reason: reason})
	}
	return nil
}

// policyForRun rebuilds the scope policy for the run's current ticket.
// Nil means no ticket is active and nothing should be gated.
func policyForRun(projectRoot string, dir *runlog.Dir, runID string) (*scope.Policy, error) {
	var run runstate.Run
	if err := runfs.ReadJSON(dir.StatePath(runID), &run); err != nil {
		return nil, err
	}
	if run.CurrentTicketID == "" {
		return nil, nil
	}

	dbPath := filepath.Join(dir.Base(), "promptwheel.db")
	db, err := ticket.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	t, err := db.Get(run.CurrentTicketID)
	if err != nil {
		return nil, err
	}
	pol := scope.New(projectRoot, t.AllowedPaths, t.Category, run.Config.MaxLinesPerTicket)
	pol.AddDenied(t.ForbiddenPaths)
	return pol, nil
}

// Stop keeps the host agent in the loop while a session is mid-flight.
// A non-terminal phase blocks the stop; a terminal phase clears the
// marker and lets the agent exit.
func Stop(projectRoot string, in io.Reader, out io.Writer) error {
	io.Copy(io.Discard, in)

	dir := runlog.New(projectRoot)
	ls, err := dir.ReadLoopState()
	if err != nil {
		return err
	}
	if ls == nil {
		return nil
	}
	if runstate.Phase(ls.Phase).Terminal() {
		return dir.ClearLoopState()
	}
	return json.NewEncoder(out).Encode(Decision{
		Decision: "block",
		Reason: fmt.Sprintf("session %s is in phase %s at step %d; call the advance operation to continue the loop",
			ls.RunID, ls.Phase, ls.Step),
	})
}
