// Package qa runs ticket verification commands: bounded output capture,
// per-command stats, pre-session baseline skips, and failure
// classification that drives the retry policy.
package qa

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// MaxOutputBytes caps captured stdout+stderr per command.
	MaxOutputBytes = 2 << 20
	// TailBytes is how much of an over-cap capture is kept for display.
	TailBytes = 64 << 10
	// killGrace is the SIGTERM to SIGKILL window.
	killGrace = 1500 * time.Millisecond
	// DefaultTimeout applies when a command has no configured timeout.
	DefaultTimeout = 5 * time.Minute
)

// Failure classes. Each class has its own retry bound.
const (
	ClassEnvironment = "environment"
	ClassTimeout     = "timeout"
	ClassCode        = "code"
)

// RetryLimit returns how many retries a failure class allows.
func RetryLimit(class string) int {
	switch class {
	case ClassEnvironment:
		return 1
	case ClassTimeout:
		return 2
	default:
		return 3
	}
}

// CommandResult is the outcome of one verification command.
type CommandResult struct {
	Command    string `json:"command"`
	Passed     bool   `json:"passed"`
	Skipped    bool   `json:"skipped,omitempty"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
}

// Report aggregates a QA pass over a ticket's commands.
type Report struct {
	Passed          bool            `json:"passed"`
	Results         []CommandResult `json:"results"`
	FailingCommands []string        `json:"failing_commands,omitempty"`
	Class           string          `json:"class,omitempty"`
	ErrorText       string          `json:"error_text,omitempty"`
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration) CommandResult
}

// ExecRunner shells out through sh -c with capped capture and a
// SIGTERM-then-SIGKILL stop.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir, command string, timeout time.Duration) CommandResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	buf := newCappedBuffer(MaxOutputBytes)
	cmd.Stdout = buf
	cmd.Stderr = buf

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Command:    command,
		DurationMs: time.Since(start).Milliseconds(),
		Truncated:  buf.truncated,
		Output:     buf.Tail(TailBytes),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Output = appendLine(res.Output, err.Error())
		}
		return res
	}
	res.Passed = true
	return res
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}

// Runner drives a QA pass and maintains stats and baseline files.
type Runner struct {
	cmd      CommandRunner
	stats    *Stats
	baseline *Baseline
	Timeout  time.Duration
}

// NewRunner builds a runner over the stats and baseline stores. Either
// store may be nil for one-off runs.
func NewRunner(cmd CommandRunner, stats *Stats, baseline *Baseline) *Runner {
	if cmd == nil {
		cmd = &ExecRunner{}
	}
	return &Runner{cmd: cmd, stats: stats, baseline: baseline}
}

// RunAll executes every command in order. Commands that were already
// failing before the session started are skipped and do not count
// against the ticket.
func (r *Runner) RunAll(ctx context.Context, dir string, commands []string) *Report {
	rep := &Report{Passed: true}
	for _, command := range commands {
		if r.baseline != nil && r.baseline.Failing(command) {
			rep.Results = append(rep.Results, CommandResult{Command: command, Skipped: true, Passed: true})
			if r.stats != nil {
				r.stats.RecordSkippedPreExisting(command)
			}
			continue
		}
		res := r.cmd.Run(ctx, dir, command, r.Timeout)
		rep.Results = append(rep.Results, res)
		if r.stats != nil {
			r.stats.Record(command, res)
		}
		if !res.Passed {
			rep.Passed = false
			rep.FailingCommands = append(rep.FailingCommands, command)
			class := Classify(res)
			if rep.Class == "" || worseClass(class, rep.Class) {
				rep.Class = class
			}
			rep.ErrorText = appendLine(rep.ErrorText, fmt.Sprintf("%s: exit %d\n%s", command, res.ExitCode, res.Output))
		}
	}
	return rep
}

// Classify maps a failed command result onto a retry class.
func Classify(res CommandResult) string {
	if res.TimedOut {
		return ClassTimeout
	}
	if res.ExitCode == 126 || res.ExitCode == 127 {
		return ClassEnvironment
	}
	out := strings.ToLower(res.Output)
	for _, marker := range []string{
		"command not found",
		"permission denied",
		"no such file or directory",
		"cannot connect",
		"connection refused",
		"disk quota exceeded",
		"no space left on device",
	} {
		if strings.Contains(out, marker) {
			return ClassEnvironment
		}
	}
	return ClassCode
}

// worseClass orders environment < timeout < code so the report carries
// the class with the largest retry budget when commands disagree.
func worseClass(a, b string) bool {
	rank := map[string]int{ClassEnvironment: 0, ClassTimeout: 1, ClassCode: 2}
	return rank[a] > rank[b]
}

// cappedBuffer discards writes past a byte limit but keeps counting so
// the caller knows truncation happened.
type cappedBuffer struct {
	limit     int
	data      []byte
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.data)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.data = append(b.data, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Tail returns the last n bytes of the capture.
func (b *cappedBuffer) Tail(n int) string {
	if len(b.data) <= n {
		return string(b.data)
	}
	return string(b.data[len(b.data)-n:])
}
