// Package spindle detects ticket workers that have stopped making real
// progress: stalls, oscillating diffs, repeated outputs, QA ping-pong, and
// commands that keep failing the same way.
package spindle

import (
	"fmt"
	"hash/fnv"
	"sort"
)

const (
	maxHashes       = 10
	maxSignatures   = 20
	maxFileEntries  = 50
	defaultStall    = 5
	defaultSimilar  = 3
	defaultPingPong = 3
	defaultCmdFails = 3
)

// Config bounds the detector. Zero values take the defaults.
type Config struct {
	MaxStallIterations int `json:"max_stall_iterations,omitempty"`
	MaxSimilarOutputs  int `json:"max_similar_outputs,omitempty"`
	MaxQAPingPong      int `json:"max_qa_ping_pong,omitempty"`
	MaxCommandFailures int `json:"max_command_failures,omitempty"`
}

func (c Config) stall() int {
	if c.MaxStallIterations > 0 {
		return c.MaxStallIterations
	}
	return defaultStall
}

func (c Config) similar() int {
	if c.MaxSimilarOutputs > 0 {
		return c.MaxSimilarOutputs
	}
	return defaultSimilar
}

func (c Config) pingPong() int {
	if c.MaxQAPingPong > 0 {
		return c.MaxQAPingPong
	}
	return defaultPingPong
}

func (c Config) cmdFails() int {
	if c.MaxCommandFailures > 0 {
		return c.MaxCommandFailures
	}
	return defaultCmdFails
}

// State is the rolling detection state for one ticket. It is persisted
// inside the worker state so a resumed session keeps its history.
type State struct {
	IterationsSinceChange    int            `json:"iterations_since_change"`
	DiffHashes               []string       `json:"diff_hashes,omitempty"`
	OutputHashes             []string       `json:"output_hashes,omitempty"`
	PlanHashes               []string       `json:"plan_hashes,omitempty"`
	FailingCommandSignatures []string       `json:"failing_command_signatures,omitempty"`
	FileEditCounts           map[string]int `json:"file_edit_counts,omitempty"`
	TotalOutputChars         int            `json:"total_output_chars"`
	TotalChangeChars         int            `json:"total_change_chars"`

	Config Config `json:"config,omitempty"`
}

// NewState returns an empty detection state with the given bounds.
func NewState(cfg Config) *State {
	return &State{
		FileEditCounts: make(map[string]int),
		Config:         cfg,
	}
}

// Observation is one iteration's worth of fresh signals from the agent.
type Observation struct {
	Output         string
	Diff           string
	Plan           string
	EditedFiles    []string
	FailedCommands []string
}

// Verdict is the detector's decision for the current iteration.
type Verdict struct {
	ShouldAbort    bool   `json:"should_abort"`
	ShouldBlock    bool   `json:"should_block"`
	Reason         string `json:"reason,omitempty"` // stalling, oscillation, repetition, qa_ping_pong, command_failure
	Risk           string `json:"risk"`             // none, low, medium, high
	Recommendation string `json:"recommendation,omitempty"`
}

// Hash returns the stable content hash used for all spindle buffers.
func Hash(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Observe folds one iteration into the state and evaluates the detection
// rules in order; the first rule that fires wins.
func (s *State) Observe(obs Observation) Verdict {
	if s.FileEditCounts == nil {
		s.FileEditCounts = make(map[string]int)
	}

	s.TotalOutputChars += len(obs.Output)
	s.TotalChangeChars += len(obs.Diff)

	if obs.Output != "" {
		s.OutputHashes = pushCapped(s.OutputHashes, Hash(obs.Output), maxHashes)
	}
	if obs.Plan != "" {
		s.PlanHashes = pushCapped(s.PlanHashes, Hash(obs.Plan), maxHashes)
	}

	if obs.Diff == "" && len(obs.EditedFiles) == 0 {
		s.IterationsSinceChange++
	} else {
		s.IterationsSinceChange = 0
		if obs.Diff != "" {
			s.DiffHashes = pushCapped(s.DiffHashes, Hash(obs.Diff), maxHashes)
		}
	}

	for _, f := range obs.EditedFiles {
		if len(s.FileEditCounts) >= maxFileEntries {
			if _, ok := s.FileEditCounts[f]; !ok {
				continue
			}
		}
		s.FileEditCounts[f]++
	}
	for _, c := range obs.FailedCommands {
		s.FailingCommandSignatures = pushCapped(s.FailingCommandSignatures, Hash(c), maxSignatures)
	}

	return s.evaluate()
}

// evaluate applies the detection rules in fixed priority order.
func (s *State) evaluate() Verdict {
	risk := s.riskLevel()

	if s.IterationsSinceChange >= s.Config.stall() {
		return Verdict{
			ShouldAbort:    true,
			Reason:         "stalling",
			Risk:           risk,
			Recommendation: fmt.Sprintf("no file changes for %d iterations; abort the ticket and narrow its scope", s.IterationsSinceChange),
		}
	}

	if n := len(s.DiffHashes); n >= 3 {
		a, b, c := s.DiffHashes[n-3], s.DiffHashes[n-2], s.DiffHashes[n-1]
		if a == c && a != b {
			return Verdict{
				ShouldAbort:    true,
				Reason:         "oscillation",
				Risk:           risk,
				Recommendation: "the last edits undo each other; abort and record a learning about the conflicting constraint",
			}
		}
	}

	if n, k := len(s.OutputHashes), s.Config.similar(); n >= k {
		identical := true
		for i := n - k; i < n-1; i++ {
			if s.OutputHashes[i] != s.OutputHashes[i+1] {
				identical = false
				break
			}
		}
		if identical {
			return Verdict{
				ShouldAbort:    true,
				Reason:         "repetition",
				Risk:           risk,
				Recommendation: fmt.Sprintf("the agent produced %d identical outputs in a row; abort and rephrase the ticket", k),
			}
		}
	}

	if s.pingPongCount() > s.Config.pingPong() {
		return Verdict{
			ShouldAbort:    true,
			Reason:         "qa_ping_pong",
			Risk:           risk,
			Recommendation: "QA failures alternate between two commands; a fix for one breaks the other, abort the ticket",
		}
	}

	if sig, n := s.topSignature(); n >= s.Config.cmdFails() {
		return Verdict{
			ShouldBlock:    true,
			Reason:         "command_failure",
			Risk:           risk,
			Recommendation: fmt.Sprintf("command signature %s failed %d times; likely an environment problem needing a human", sig, n),
		}
	}

	return Verdict{Risk: risk}
}

// pingPongCount counts the trailing strict A-B alternations in the failing
// command signatures.
func (s *State) pingPongCount() int {
	sigs := s.FailingCommandSignatures
	if len(sigs) < 3 {
		return 0
	}
	count := 0
	for i := len(sigs) - 1; i >= 2; i-- {
		if sigs[i] == sigs[i-2] && sigs[i] != sigs[i-1] {
			count++
		} else {
			break
		}
	}
	return count
}

// topSignature returns the most frequent failing-command signature.
func (s *State) topSignature() (string, int) {
	counts := make(map[string]int)
	for _, sig := range s.FailingCommandSignatures {
		counts[sig]++
	}
	best, n := "", 0
	for sig, c := range counts {
		if c > n || (c == n && sig < best) {
			best, n = sig, c
		}
	}
	return best, n
}

// riskLevel aggregates the soft signals into none/low/medium/high.
func (s *State) riskLevel() string {
	score := 0

	// Stall proximity: within two iterations of the stall bound.
	if s.IterationsSinceChange > 0 && s.IterationsSinceChange >= s.Config.stall()-2 {
		score += 2
	} else if s.IterationsSinceChange > 0 {
		score++
	}

	// Repeated adjacent output pairs.
	for i := 1; i < len(s.OutputHashes); i++ {
		if s.OutputHashes[i] == s.OutputHashes[i-1] {
			score++
			break
		}
	}

	// Any single file edited many times.
	for _, n := range s.FileEditCounts {
		if n >= 5 {
			score++
			break
		}
	}

	// Command-failure streak building toward the block threshold.
	if _, n := s.topSignature(); n >= s.Config.cmdFails()-1 && n > 0 {
		score++
	}

	switch {
	case score >= 4:
		return "high"
	case score >= 2:
		return "medium"
	case score >= 1:
		return "low"
	}
	return "none"
}

// HotFiles returns the most-edited files, highest count first, for dumps
// and prompts.
func (s *State) HotFiles(limit int) []string {
	type fc struct {
		file string
		n    int
	}
	var all []fc
	for f, n := range s.FileEditCounts {
		all = append(all, fc{f, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].file < all[j].file
	})
	var out []string
	for i, e := range all {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, fmt.Sprintf("%s (%d edits)", e.file, e.n))
	}
	return out
}

func pushCapped(buf []string, v string, max int) []string {
	buf = append(buf, v)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}
