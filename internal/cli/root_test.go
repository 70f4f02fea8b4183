package cli

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("plain failure"), 1},
		{&ExitError{Code: ExitSpindle, Msg: "loop detected"}, ExitSpindle},
		{fmt.Errorf("run: %w", &ExitError{Code: ExitSpindle, Msg: "loop detected"}), ExitSpindle},
		{context.Canceled, ExitInterrupted},
		{fmt.Errorf("session: %w", context.Canceled), ExitInterrupted},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestRootRegistersCommandSurface(t *testing.T) {
	for _, name := range []string{
		"version", "init", "scout", "approve", "run", "retry", "pr", "qa",
		"status", "history", "analytics", "daemon", "trajectory", "export",
		"artifacts", "formulas", "session", "ticket", "hook",
	} {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("command %q not registered", name)
		}
	}
}
