package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/promptwheel/promptwheel/internal/daemon"
	"github.com/promptwheel/promptwheel/internal/gitops"
	"github.com/promptwheel/promptwheel/internal/runlog"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the unattended wake loop",
}

// daemonSettings is the daemon.yaml file: the wake-loop config plus the
// shell command that runs one bounded session. The command receives the
// cycle count in PROMPTWHEEL_CYCLES.
type daemonSettings struct {
	daemon.Config  `yaml:",inline"`
	SessionCommand string `yaml:"session_command"`
}

func loadDaemonSettings(base string) (*daemonSettings, error) {
	var s daemonSettings
	data, err := os.ReadFile(filepath.Join(base, "daemon.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return &s, nil
		}
		return nil, fmt.Errorf("read daemon.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse daemon.yaml: %w", err)
	}
	return &s, nil
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the wake loop in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		base := runlog.New(root).Base()
		if err := os.MkdirAll(base, 0o755); err != nil {
			return err
		}

		settings, err := loadDaemonSettings(base)
		if err != nil {
			return err
		}
		if c, _ := cmd.Flags().GetString("session-cmd"); c != "" {
			settings.SessionCommand = c
		}
		if settings.SessionCommand == "" {
			return fmt.Errorf("no session command; set session_command in daemon.yaml or pass --session-cmd")
		}
		if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
			settings.BaseInterval = d
		}

		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync()

		git := gitops.NewController(&gitops.ExecGit{}, root)
		d := daemon.New(base, settings.Config, logger,
			func(ctx context.Context, cycles int) error {
				c := exec.CommandContext(ctx, "sh", "-c", settings.SessionCommand)
				c.Dir = root
				c.Env = append(os.Environ(), fmt.Sprintf("PROMPTWHEEL_CYCLES=%d", cycles))
				c.Stdout = cmd.ErrOrStderr()
				c.Stderr = cmd.ErrOrStderr()
				return c.Run()
			},
			func(ctx context.Context, since time.Time) (int, error) {
				return git.CommitsSince(ctx, since)
			})
		return d.Run(cmd.Context())
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running daemon to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		st, err := daemon.Status(runlog.New(root).Base())
		if err != nil {
			return fmt.Errorf("no daemon state: %w", err)
		}
		if st.PID == 0 {
			return fmt.Errorf("daemon state has no pid")
		}
		if err := syscall.Kill(st.PID, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", st.PID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to pid %d\n", st.PID)
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's wake schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot(cmd)
		if err != nil {
			return err
		}
		st, err := daemon.Status(runlog.New(root).Base())
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon has never run.")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "PID:        %d\n", st.PID)
		fmt.Fprintf(w, "Wakes:      %d\n", st.WakeCount)
		fmt.Fprintf(w, "Last wake:  %s\n", orDash(st.LastWakeAt))
		fmt.Fprintf(w, "Next wake:  %s\n", orDash(st.NextWakeAt))
		fmt.Fprintf(w, "Interval:   %s\n", time.Duration(st.IntervalSeconds)*time.Second)
		fmt.Fprintf(w, "Idle runs:  %d\n", st.ConsecutiveIdle)
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	daemonStartCmd.Flags().String("session-cmd", "", "Shell command that runs one bounded session")
	daemonStartCmd.Flags().Duration("interval", 0, "Base wake interval (default 30m)")
	addRepoFlag(daemonStartCmd, daemonStopCmd, daemonStatusCmd)

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}
