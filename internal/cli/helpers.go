package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/promptwheel/promptwheel/internal/engine"
	"github.com/promptwheel/promptwheel/internal/runfs"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

// projectRoot resolves the repository the command operates on. Every
// command accepts --repo; the default is the working directory.
func projectRoot(cmd *cobra.Command) (string, error) {
	repo, _ := cmd.Flags().GetString("repo")
	if repo == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		repo = wd
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		return "", fmt.Errorf("resolve repo path: %w", err)
	}
	return abs, nil
}

func addRepoFlag(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().String("repo", "", "Repository root (default: current directory)")
	}
}

// activeTrajectoryMarker persists the operator's trajectory selection
// across processes.
type activeTrajectoryMarker struct {
	Name string `json:"name"`
}

func trajectoryMarkerPath(base string) string {
	return filepath.Join(base, "active-trajectory.json")
}

// openEngine builds an engine over the repo and restores the active
// trajectory selection. The cleanup func closes the database.
func openEngine(cmd *cobra.Command) (*engine.Engine, func(), error) {
	root, err := projectRoot(cmd)
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(root, engine.Options{Progress: cmd.ErrOrStderr()})
	if err != nil {
		return nil, nil, err
	}
	var marker activeTrajectoryMarker
	if err := runfs.ReadJSON(trajectoryMarkerPath(e.Dir().Base()), &marker); err == nil && marker.Name != "" {
		e.SetActiveTrajectory(marker.Name)
	}
	return e, func() { e.Close() }, nil
}

// resumeSession reattaches the engine to the run named by the
// loop-state marker.
func resumeSession(e *engine.Engine) error {
	ls, err := e.Dir().ReadLoopState()
	if err != nil {
		return err
	}
	if ls == nil {
		return fmt.Errorf("no active session (loop-state.json missing); start one with solo scout or solo session start")
	}
	return e.Resume(ls.RunID)
}

// openDB opens just the ticket database for commands that do not need a
// full engine.
func openDB(cmd *cobra.Command) (*ticket.DB, string, func(), error) {
	root, err := projectRoot(cmd)
	if err != nil {
		return nil, "", nil, err
	}
	base := runlog.New(root).Base()
	path, err := ticket.DefaultPath(base)
	if err != nil {
		return nil, "", nil, err
	}
	db, err := ticket.Open(path)
	if err != nil {
		return nil, "", nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, "", nil, err
	}
	return db, filepath.Base(root), func() { db.Close() }, nil
}

// printJSON writes v to the command's stdout, indented.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// readPayload reads a JSON payload from --payload or stdin.
func readPayload(cmd *cobra.Command) (json.RawMessage, error) {
	if s, _ := cmd.Flags().GetString("payload"); s != "" {
		return json.RawMessage(s), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	return json.RawMessage(data), nil
}
