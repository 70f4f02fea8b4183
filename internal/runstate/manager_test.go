package runstate

import (
	"errors"
	"testing"
	"time"

	"github.com/promptwheel/promptwheel/internal/runlog"
	"github.com/promptwheel/promptwheel/internal/spindle"
)

func testConfig() Config {
	return Config{
		Categories:       []string{"refactor"},
		StepBudget:       60,
		TicketStepBudget: 12,
		MaxPRs:           3,
		Parallel:         1,
		LearningsEnabled: true,
	}
}

func TestCreatePersistsAndMarksLoop(t *testing.T) {
	dir := runlog.New(t.TempDir())
	m := NewManager(dir)

	run, err := m.Create("myproject", testConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.Phase != PhaseScout || run.StepBudget != 60 || run.ProjectID != "myproject" {
		t.Fatalf("run = %+v", run)
	}
	if run.RunID == "" || run.SessionID == "" {
		t.Fatal("ids not assigned")
	}

	ls, err := dir.ReadLoopState()
	if err != nil || ls == nil {
		t.Fatalf("loop state = %+v, %v", ls, err)
	}
	if ls.RunID != run.RunID || ls.Phase != string(PhaseScout) {
		t.Fatalf("loop state = %+v", ls)
	}
}

func TestCreateRefusesSecondActiveSession(t *testing.T) {
	m := NewManager(runlog.New(t.TempDir()))
	if _, err := m.Create("p", testConfig()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("p", testConfig()); err == nil {
		t.Fatal("second create should fail while a session is active")
	}
}

func TestCreateAppliesExpiry(t *testing.T) {
	m := NewManager(runlog.New(t.TempDir()))
	cfg := testConfig()
	cfg.ExpiresAfter = "2h"
	run, err := m.Create("p", cfg)
	if err != nil {
		t.Fatal(err)
	}
	exp, err := time.Parse(time.RFC3339, run.ExpiresAt)
	if err != nil {
		t.Fatalf("expires_at %q: %v", run.ExpiresAt, err)
	}
	if until := time.Until(exp); until < time.Hour || until > 3*time.Hour {
		t.Fatalf("expiry %v away, want about 2h", until)
	}
}

func TestMutatePersistsBeforeReturning(t *testing.T) {
	base := t.TempDir()
	dir := runlog.New(base)
	m := NewManager(dir)
	run, err := m.Create("p", testConfig())
	if err != nil {
		t.Fatal(err)
	}

	err = m.Mutate(func(r *Run) {
		r.StepCount = 5
		r.Phase = PhasePlan
		r.CurrentTicketID = "tkt-1"
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	// A fresh manager sees the mutation: durability across processes.
	other := NewManager(runlog.New(base))
	loaded, err := other.Resume(run.RunID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if loaded.StepCount != 5 || loaded.Phase != PhasePlan || loaded.CurrentTicketID != "tkt-1" {
		t.Fatalf("loaded = %+v", loaded)
	}

	ls, _ := dir.ReadLoopState()
	if ls == nil || ls.Phase != string(PhasePlan) || ls.Step != 5 {
		t.Fatalf("loop state = %+v", ls)
	}
}

func TestTerminalPhaseClearsLoopState(t *testing.T) {
	dir := runlog.New(t.TempDir())
	m := NewManager(dir)
	if _, err := m.Create("p", testConfig()); err != nil {
		t.Fatal(err)
	}

	if err := m.Mutate(func(r *Run) { r.Phase = PhaseFailedBudget }); err != nil {
		t.Fatal(err)
	}
	if ls, _ := dir.ReadLoopState(); ls != nil {
		t.Fatalf("loop state = %+v, want cleared on a terminal phase", ls)
	}
}

func TestRequireAndEnd(t *testing.T) {
	m := NewManager(runlog.New(t.TempDir()))
	if _, err := m.Require(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("err = %v, want ErrNoActiveSession", err)
	}

	if _, err := m.Create("p", testConfig()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Require(); err != nil {
		t.Fatalf("require after create: %v", err)
	}

	run, err := m.End()
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if run.Phase != PhaseDone {
		t.Fatalf("phase = %s, want DONE", run.Phase)
	}
	if _, err := m.Require(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatal("session still active after End")
	}
}

func TestEndKeepsTerminalPhase(t *testing.T) {
	m := NewManager(runlog.New(t.TempDir()))
	if _, err := m.Create("p", testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := m.Mutate(func(r *Run) { r.Phase = PhaseFailedSpindle }); err != nil {
		t.Fatal(err)
	}
	run, err := m.End()
	if err != nil {
		t.Fatal(err)
	}
	if run.Phase != PhaseFailedSpindle {
		t.Fatalf("phase = %s, End must not rewrite a terminal phase", run.Phase)
	}
}

func TestEnsureLearningsLoadedOnce(t *testing.T) {
	m := NewManager(runlog.New(t.TempDir()))
	if _, err := m.Create("p", testConfig()); err != nil {
		t.Fatal(err)
	}

	calls := 0
	m.SetLearningsLoader(func() ([]string, error) {
		calls++
		return []string{"prefer table tests"}, nil
	})

	if err := m.EnsureLearningsLoaded(); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureLearningsLoaded(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}
	run, _ := m.Require()
	if len(run.CachedLearnings) != 1 {
		t.Fatalf("cached = %v", run.CachedLearnings)
	}
}

func TestLearningsSkippedWhenDisabled(t *testing.T) {
	m := NewManager(runlog.New(t.TempDir()))
	cfg := testConfig()
	cfg.LearningsEnabled = false
	if _, err := m.Create("p", cfg); err != nil {
		t.Fatal(err)
	}
	m.SetLearningsLoader(func() ([]string, error) {
		t.Fatal("loader must not run when learnings are disabled")
		return nil, nil
	})
	if err := m.EnsureLearningsLoaded(); err != nil {
		t.Fatal(err)
	}
}

func TestTicketWorkers(t *testing.T) {
	m := NewManager(runlog.New(t.TempDir()))
	if _, err := m.Create("p", testConfig()); err != nil {
		t.Fatal(err)
	}

	w, err := m.InitTicketWorker("tkt-1", spindle.Config{})
	if err != nil {
		t.Fatalf("init worker: %v", err)
	}
	if w.Phase != WorkerPlan || w.Spindle == nil {
		t.Fatalf("worker = %+v", w)
	}
	if got := m.GetTicketWorker("tkt-1"); got != w {
		t.Fatal("GetTicketWorker returned a different record")
	}

	if err := m.RemoveTicketWorker("tkt-1"); err != nil {
		t.Fatal(err)
	}
	if m.GetTicketWorker("tkt-1") != nil {
		t.Fatal("worker survived removal")
	}
}

func TestAppendEventStampsStepAndPhase(t *testing.T) {
	base := t.TempDir()
	dir := runlog.New(base)
	m := NewManager(dir)
	run, err := m.Create("p", testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Mutate(func(r *Run) { r.StepCount = 3; r.Phase = PhaseExecute }); err != nil {
		t.Fatal(err)
	}

	if err := m.AppendEvent(runlog.EventTicketResult, map[string]string{"ticket_id": "tkt-1"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := dir.ReadEvents(run.RunID)
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %v, %v", events, err)
	}
	if events[0].Step != 3 || events[0].Phase != string(PhaseExecute) {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestBudgetRemaining(t *testing.T) {
	r := &Run{StepBudget: 10, StepCount: 4}
	if r.BudgetRemaining() != 6 {
		t.Fatalf("remaining = %d", r.BudgetRemaining())
	}
	r.StepCount = 15
	if r.BudgetRemaining() != 0 {
		t.Fatal("remaining should clamp at zero")
	}
}

func TestPhaseTerminal(t *testing.T) {
	for _, p := range []Phase{PhaseDone, PhaseFailedBudget, PhaseFailedValidation, PhaseFailedSpindle, PhaseBlockedHuman} {
		if !p.Terminal() {
			t.Fatalf("%s should be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseScout, PhaseNextTicket, PhasePlan, PhaseExecute, PhaseParallelExecute, PhaseQA, PhasePR} {
		if p.Terminal() {
			t.Fatalf("%s should not be terminal", p)
		}
	}
}
