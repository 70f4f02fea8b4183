// Package trajectory manages long-term improvement plans: YAML-defined
// ordered steps with dependencies that gate scout focus while active.
package trajectory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/promptwheel/promptwheel/internal/runfs"
)

// DefaultMaxRetries is how many active cycles a step gets before it is
// flagged as stuck.
const DefaultMaxRetries = 3

// Step statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Step is one named unit of a trajectory.
type Step struct {
	ID                   string   `yaml:"id" json:"id"`
	Title                string   `yaml:"title" json:"title"`
	Description          string   `yaml:"description,omitempty" json:"description,omitempty"`
	Scope                []string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Categories           []string `yaml:"categories,omitempty" json:"categories,omitempty"`
	AcceptanceCriteria   []string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	VerificationCommands []string `yaml:"verification_commands,omitempty" json:"verification_commands,omitempty"`
	DependsOn            []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Measure              string   `yaml:"measure,omitempty" json:"measure,omitempty"`
}

// Trajectory is the parsed plan.
type Trajectory struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// StepState is the mutable progress record for one step.
type StepState struct {
	Status             string `json:"status"`
	CyclesAttempted    int    `json:"cycles_attempted"`
	LastAttemptedCycle int    `json:"last_attempted_cycle"`
	CompletedAt        string `json:"completed_at,omitempty"`
}

// State is the persisted progress of a trajectory.
type State struct {
	StepStates    map[string]*StepState `json:"step_states"`
	CurrentStepID string                `json:"current_step_id,omitempty"`
	Paused        bool                  `json:"paused"`
}

// Parse decodes a trajectory from YAML and validates it.
func Parse(data []byte) (*Trajectory, error) {
	var t Trajectory
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trajectory yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Serialize encodes the trajectory back to YAML. Parse(Serialize(t))
// yields an equal trajectory.
func (t *Trajectory) Serialize() ([]byte, error) {
	data, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal trajectory: %w", err)
	}
	return data, nil
}

// Validate checks ids are unique and dependencies resolvable.
func (t *Trajectory) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("trajectory has no name")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("trajectory %q has no steps", t.Name)
	}
	ids := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			return fmt.Errorf("trajectory %q has a step without an id", t.Name)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	return nil
}

// Step returns a step by id, or nil.
func (t *Trajectory) Step(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepReady reports whether every dependency of the step is completed.
func StepReady(step *Step, states map[string]*StepState) bool {
	for _, dep := range step.DependsOn {
		st := states[dep]
		if st == nil || st.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// NextStep returns the first pending or active step, in declaration
// order, whose dependencies are met. Nil when the trajectory is finished
// or fully blocked.
func (t *Trajectory) NextStep(state *State) *Step {
	for i := range t.Steps {
		s := &t.Steps[i]
		st := state.StepStates[s.ID]
		status := StatusPending
		if st != nil {
			status = st.Status
		}
		if status != StatusPending && status != StatusActive {
			continue
		}
		if StepReady(s, state.StepStates) {
			return s
		}
	}
	return nil
}

// Stuck reports whether a step has burned its retry budget without
// completing.
func Stuck(st *StepState, maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return st != nil && st.Status == StatusActive && st.CyclesAttempted >= maxRetries
}

// Store keeps trajectories and their state on disk under
// <baseDir>/trajectories/.
type Store struct {
	dir string
}

// NewStore returns a store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{dir: filepath.Join(baseDir, "trajectories")}
}

func (s *Store) yamlPath(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

func (s *Store) statePath(name string) string {
	return filepath.Join(s.dir, name+".state.json")
}

// List returns the names of stored trajectories.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read trajectories dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Load reads and parses a trajectory by name.
func (s *Store) Load(name string) (*Trajectory, error) {
	data, err := os.ReadFile(s.yamlPath(name))
	if err != nil {
		return nil, fmt.Errorf("read trajectory %q: %w", name, err)
	}
	return Parse(data)
}

// Save writes a trajectory's YAML.
func (s *Store) Save(t *Trajectory) error {
	data, err := t.Serialize()
	if err != nil {
		return err
	}
	return runfs.WriteAtomic(s.yamlPath(t.Name), data)
}

// LoadState reads a trajectory's progress, initializing empty state when
// none exists.
func (s *Store) LoadState(name string) (*State, error) {
	var st State
	if err := runfs.ReadJSON(s.statePath(name), &st); err != nil {
		if os.IsNotExist(err) {
			return &State{StepStates: make(map[string]*StepState)}, nil
		}
		return nil, fmt.Errorf("read trajectory state %q: %w", name, err)
	}
	if st.StepStates == nil {
		st.StepStates = make(map[string]*StepState)
	}
	return &st, nil
}

// SaveState atomically rewrites a trajectory's progress.
func (s *Store) SaveState(name string, st *State) error {
	return runfs.WriteJSON(s.statePath(name), st)
}

// Activate marks the trajectory's next step active and records the cycle.
func (s *Store) Activate(name string, cycle int) (*Step, error) {
	t, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	st, err := s.LoadState(name)
	if err != nil {
		return nil, err
	}
	st.Paused = false
	step := t.NextStep(st)
	if step == nil {
		return nil, fmt.Errorf("trajectory %q has no runnable step", name)
	}
	ss := st.StepStates[step.ID]
	if ss == nil {
		ss = &StepState{Status: StatusActive}
		st.StepStates[step.ID] = ss
	}
	ss.Status = StatusActive
	if ss.LastAttemptedCycle != cycle {
		ss.CyclesAttempted++
		ss.LastAttemptedCycle = cycle
	}
	st.CurrentStepID = step.ID
	if err := s.SaveState(name, st); err != nil {
		return nil, err
	}
	return step, nil
}

// Complete marks a step completed and advances current_step_id.
func (s *Store) Complete(name, stepID string) error {
	t, err := s.Load(name)
	if err != nil {
		return err
	}
	st, err := s.LoadState(name)
	if err != nil {
		return err
	}
	ss := st.StepStates[stepID]
	if ss == nil {
		ss = &StepState{}
		st.StepStates[stepID] = ss
	}
	ss.Status = StatusCompleted
	ss.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	if next := t.NextStep(st); next != nil {
		st.CurrentStepID = next.ID
	} else {
		st.CurrentStepID = ""
	}
	return s.SaveState(name, st)
}

// Skip marks a step skipped so dependents can use an alternate path or
// the operator can move on.
func (s *Store) Skip(name, stepID string) error {
	st, err := s.LoadState(name)
	if err != nil {
		return err
	}
	ss := st.StepStates[stepID]
	if ss == nil {
		ss = &StepState{}
		st.StepStates[stepID] = ss
	}
	ss.Status = StatusSkipped
	if st.CurrentStepID == stepID {
		st.CurrentStepID = ""
	}
	return s.SaveState(name, st)
}

// SetPaused toggles the paused flag.
func (s *Store) SetPaused(name string, paused bool) error {
	st, err := s.LoadState(name)
	if err != nil {
		return err
	}
	st.Paused = paused
	return s.SaveState(name, st)
}

// Reset clears all progress for a trajectory.
func (s *Store) Reset(name string) error {
	return s.SaveState(name, &State{StepStates: make(map[string]*StepState)})
}

// PromptContext renders the active step for scout prompt injection.
func PromptContext(t *Trajectory, step *Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s — step %q: %s\n", t.Name, step.ID, step.Title)
	if step.Description != "" {
		b.WriteString(step.Description + "\n")
	}
	if len(step.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range step.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
