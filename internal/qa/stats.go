package qa

import (
	"context"
	"os"
	"time"

	"github.com/promptwheel/promptwheel/internal/runfs"
)

// baselineRing is how many recent durations each command keeps.
const baselineRing = 10

// CommandStats accumulates outcomes for one verification command across
// the session.
type CommandStats struct {
	Successes           int     `json:"successes"`
	Failures            int     `json:"failures"`
	Timeouts            int     `json:"timeouts"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AvgDurationMs       float64 `json:"avg_duration_ms"`
	RecentDurationsMs   []int64 `json:"recent_durations_ms,omitempty"`
	SkippedPreExisting  int     `json:"skipped_pre_existing,omitempty"`
}

// Stats is the qa-stats.json store.
type Stats struct {
	path     string
	Commands map[string]*CommandStats `json:"commands"`
}

// LoadStats reads qa-stats.json, starting empty when absent.
func LoadStats(path string) (*Stats, error) {
	s := &Stats{path: path, Commands: make(map[string]*CommandStats)}
	if err := runfs.ReadJSON(path, s); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if s.Commands == nil {
		s.Commands = make(map[string]*CommandStats)
	}
	s.path = path
	return s, nil
}

// Save atomically rewrites the stats file.
func (s *Stats) Save() error {
	return runfs.WriteJSON(s.path, s)
}

func (s *Stats) get(command string) *CommandStats {
	cs := s.Commands[command]
	if cs == nil {
		cs = &CommandStats{}
		s.Commands[command] = cs
	}
	return cs
}

// Record folds one command result into the stats.
func (s *Stats) Record(command string, res CommandResult) {
	cs := s.get(command)
	runs := cs.Successes + cs.Failures
	cs.AvgDurationMs = (cs.AvgDurationMs*float64(runs) + float64(res.DurationMs)) / float64(runs+1)
	cs.RecentDurationsMs = append(cs.RecentDurationsMs, res.DurationMs)
	if len(cs.RecentDurationsMs) > baselineRing {
		cs.RecentDurationsMs = cs.RecentDurationsMs[len(cs.RecentDurationsMs)-baselineRing:]
	}
	if res.Passed {
		cs.Successes++
		cs.ConsecutiveFailures = 0
		return
	}
	cs.Failures++
	cs.ConsecutiveFailures++
	if res.TimedOut {
		cs.Timeouts++
	}
}

// RecordSkippedPreExisting counts a baseline skip.
func (s *Stats) RecordSkippedPreExisting(command string) {
	s.get(command).SkippedPreExisting++
}

// Baseline is the qa-baseline.json store: commands that were already
// failing before the session touched anything.
type Baseline struct {
	path     string
	failures map[string]bool
}

type baselineFile struct {
	Failing map[string]bool `json:"failing"`
}

// LoadBaseline reads qa-baseline.json, starting empty when absent.
func LoadBaseline(path string) (*Baseline, error) {
	b := &Baseline{path: path, failures: make(map[string]bool)}
	var onDisk baselineFile
	if err := runfs.ReadJSON(path, &onDisk); err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	if onDisk.Failing != nil {
		b.failures = onDisk.Failing
	}
	return b, nil
}

// Save atomically rewrites the baseline file.
func (b *Baseline) Save() error {
	return runfs.WriteJSON(b.path, baselineFile{Failing: b.failures})
}

// Failing reports whether the command was broken before the session.
func (b *Baseline) Failing(command string) bool {
	return b.failures[command]
}

// Capture runs each command once against the untouched tree and records
// which ones fail. Failures here are the project's problem, not the
// ticket's.
func (b *Baseline) Capture(ctx context.Context, cmd CommandRunner, dir string, commands []string, timeout time.Duration) {
	for _, command := range commands {
		res := cmd.Run(ctx, dir, command, timeout)
		if !res.Passed {
			b.failures[command] = true
		}
	}
}
