package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptwheel/promptwheel/internal/runfs"
	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/spindle"
)

// ErrNoActiveSession is returned by Require when no session is open.
var ErrNoActiveSession = errors.New("no active session")

// LearningsLoader loads learnings text lazily on first use.
type LearningsLoader func() ([]string, error)

// Manager owns the active run record. Every mutation goes through Mutate,
// which rewrites state.json before returning, so a crash never loses an
// applied transition.
type Manager struct {
	mu  sync.Mutex
	dir *runlog.Dir
	run *Run

	loadLearnings LearningsLoader
}

// NewManager creates a manager over the given run directory.
func NewManager(dir *runlog.Dir) *Manager {
	return &Manager{dir: dir}
}

// SetLearningsLoader installs the lazy learnings source.
func (m *Manager) SetLearningsLoader(fn LearningsLoader) {
	m.loadLearnings = fn
}

// Create starts a new session record and persists it.
func (m *Manager) Create(projectID string, cfg Config) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != nil && !m.run.Phase.Terminal() {
		return nil, fmt.Errorf("session %s still active", m.run.RunID)
	}

	now := time.Now().UTC()
	run := &Run{
		RunID:            now.Format("20060102-150405") + "-" + uuid.NewString()[:8],
		SessionID:        uuid.NewString(),
		ProjectID:        projectID,
		StartedAt:        now.Format(time.RFC3339),
		Phase:            PhaseScout,
		StepBudget:       cfg.StepBudget,
		TicketStepBudget: cfg.TicketStepBudget,
		MaxPRs:           cfg.MaxPRs,
		TicketWorkers:    make(map[string]*WorkerState),
		Config:           cfg,
	}
	if cfg.ExpiresAfter != "" {
		if d, err := time.ParseDuration(cfg.ExpiresAfter); err == nil {
			run.ExpiresAt = now.Add(d).Format(time.RFC3339)
		}
	}

	if err := m.dir.InitRun(run.RunID); err != nil {
		return nil, err
	}
	if err := m.persistLocked(run); err != nil {
		return nil, err
	}
	m.run = run
	return run, nil
}

// Resume loads a persisted run record and makes it the active session.
func (m *Manager) Resume(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var run Run
	if err := runfs.ReadJSON(m.dir.StatePath(runID), &run); err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.TicketWorkers == nil {
		run.TicketWorkers = make(map[string]*WorkerState)
	}
	m.run = &run
	return &run, nil
}

// Require returns the active run or ErrNoActiveSession.
func (m *Manager) Require() (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return nil, ErrNoActiveSession
	}
	return m.run, nil
}

// Mutate applies fn to the active run and persists the result before
// returning. The run pointer handed to fn is the live record.
func (m *Manager) Mutate(fn func(*Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ErrNoActiveSession
	}
	fn(m.run)
	return m.persistLocked(m.run)
}

// persistLocked rewrites state.json (tmp+rename) and refreshes the
// loop-state marker. Callers hold m.mu.
func (m *Manager) persistLocked(run *Run) error {
	if err := runfs.WriteJSON(m.dir.StatePath(run.RunID), run); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	if run.Phase.Terminal() {
		return m.dir.ClearLoopState()
	}
	return m.dir.WriteLoopState(runlog.LoopState{
		RunID: run.RunID,
		Phase: string(run.Phase),
		Step:  run.StepCount,
	})
}

// EnsureLearningsLoaded populates the cached learnings on first use.
func (m *Manager) EnsureLearningsLoaded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ErrNoActiveSession
	}
	if !m.run.Config.LearningsEnabled || m.run.CachedLearnings != nil || m.loadLearnings == nil {
		return nil
	}
	texts, err := m.loadLearnings()
	if err != nil {
		return fmt.Errorf("load learnings: %w", err)
	}
	if texts == nil {
		texts = []string{}
	}
	m.run.CachedLearnings = texts
	return m.persistLocked(m.run)
}

// AddHint appends a user hint for the next prompt composition.
func (m *Manager) AddHint(text string) error {
	return m.Mutate(func(r *Run) {
		r.Hints = append(r.Hints, text)
	})
}

// AppendEvent writes a typed event to events.ndjson stamped with the
// current step and phase.
func (m *Manager) AppendEvent(eventType string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ErrNoActiveSession
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return m.dir.Append(m.run.RunID, runlog.Event{
		Type:    eventType,
		Payload: raw,
		Step:    m.run.StepCount,
		Phase:   string(m.run.Phase),
	})
}

// WriteArtifact stores a per-step JSON snapshot for the active run.
func (m *Manager) WriteArtifact(kind string, v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ErrNoActiveSession
	}
	return m.dir.WriteArtifact(m.run.RunID, m.run.StepCount, kind, v)
}

// InitTicketWorker registers a worker for a ticket in PLAN phase.
func (m *Manager) InitTicketWorker(ticketID string, spindleCfg spindle.Config) (*WorkerState, error) {
	var w *WorkerState
	err := m.Mutate(func(r *Run) {
		w = &WorkerState{
			TicketID: ticketID,
			Phase:    WorkerPlan,
			Spindle:  spindle.NewState(spindleCfg),
		}
		if r.TicketWorkers == nil {
			r.TicketWorkers = make(map[string]*WorkerState)
		}
		r.TicketWorkers[ticketID] = w
	})
	return w, err
}

// GetTicketWorker returns the worker for a ticket, or nil.
func (m *Manager) GetTicketWorker(ticketID string) *WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return nil
	}
	return m.run.TicketWorkers[ticketID]
}

// RemoveTicketWorker unregisters a completed or failed worker.
func (m *Manager) RemoveTicketWorker(ticketID string) error {
	return m.Mutate(func(r *Run) {
		delete(r.TicketWorkers, ticketID)
	})
}

// End moves a non-terminal run to DONE and persists it.
func (m *Manager) End() (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return nil, ErrNoActiveSession
	}
	if !m.run.Phase.Terminal() {
		m.run.Phase = PhaseDone
	}
	if err := m.persistLocked(m.run); err != nil {
		return nil, err
	}
	run := m.run
	m.run = nil
	return run, nil
}

// Dir exposes the underlying run directory for read-side consumers.
func (m *Manager) Dir() *runlog.Dir {
	return m.dir
}
