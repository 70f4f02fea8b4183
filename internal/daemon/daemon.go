// Package daemon runs the unattended wake loop: it watches the clock
// and the git log, runs bounded sessions, and adapts its interval to how
// much work each wake produced.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/promptwheel/promptwheel/internal/runfs"
)

const (
	// minInterval is the floor for the adaptive interval.
	minInterval = 5 * time.Minute
	// maxPollSleep bounds one sleep so shutdown stays responsive.
	maxPollSleep = 60 * time.Second
	// maxIdleMultiplier caps interval growth on idle streaks.
	maxIdleMultiplier = 3.0
)

// Config is the daemon's static configuration.
type Config struct {
	BaseInterval  time.Duration `yaml:"base_interval" json:"base_interval"`
	CyclesPerWake int           `yaml:"cycles_per_wake" json:"cycles_per_wake"`
	QuietStart    string        `yaml:"quiet_start,omitempty" json:"quiet_start,omitempty"` // "23:00"
	QuietEnd      string        `yaml:"quiet_end,omitempty" json:"quiet_end,omitempty"`     // "07:00"
	Webhooks      []Webhook     `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// State is persisted to daemon-state.json between ticks.
type State struct {
	LastWakeAt      string `json:"last_wake_at,omitempty"`
	NextWakeAt      string `json:"next_wake_at,omitempty"`
	ConsecutiveIdle int    `json:"consecutive_idle"`
	IntervalSeconds int    `json:"interval_seconds"`
	WakeCount       int    `json:"wake_count"`
	PID             int    `json:"pid,omitempty"`
}

// WakeMetrics is written by the session finalizer for the daemon to pick
// up after each wake; the file is deleted once read.
type WakeMetrics struct {
	RunID            string `json:"run_id"`
	TicketsCompleted int    `json:"tickets_completed"`
	TicketsFailed    int    `json:"tickets_failed"`
	PRsCreated       int    `json:"prs_created"`
	Phase            string `json:"phase"`
}

// SessionFunc runs one bounded session and reports whether any work
// happened.
type SessionFunc func(ctx context.Context, cycles int) error

// CommitProbe counts commits since a timestamp, normally git log --since.
type CommitProbe func(ctx context.Context, since time.Time) (int, error)

// Daemon is the wake loop.
type Daemon struct {
	cfg     Config
	baseDir string
	log     *zap.SugaredLogger
	run     SessionFunc
	commits CommitProbe
	notify  *Notifier

	now func() time.Time
}

// New builds a daemon over the project state directory.
func New(baseDir string, cfg Config, logger *zap.Logger, run SessionFunc, commits CommitProbe) *Daemon {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 30 * time.Minute
	}
	if cfg.CyclesPerWake <= 0 {
		cfg.CyclesPerWake = 3
	}
	return &Daemon{
		cfg:     cfg,
		baseDir: baseDir,
		log:     logger.Sugar(),
		run:     run,
		commits: commits,
		notify:  NewNotifier(cfg.Webhooks, logger),
		now:     time.Now,
	}
}

func (d *Daemon) statePath() string {
	return filepath.Join(d.baseDir, "daemon-state.json")
}

func (d *Daemon) metricsPath() string {
	return filepath.Join(d.baseDir, "daemon-wake-metrics.json")
}

func (d *Daemon) loadState() *State {
	var st State
	if err := runfs.ReadJSON(d.statePath(), &st); err != nil {
		return &State{IntervalSeconds: int(d.cfg.BaseInterval.Seconds())}
	}
	if st.IntervalSeconds <= 0 {
		st.IntervalSeconds = int(d.cfg.BaseInterval.Seconds())
	}
	return &st
}

func (d *Daemon) saveState(st *State) error {
	return runfs.WriteJSON(d.statePath(), st)
}

// Run drives the wake loop until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	st := d.loadState()
	st.PID = os.Getpid()
	if err := d.saveState(st); err != nil {
		return err
	}
	d.log.Infow("daemon started",
		"base_interval", d.cfg.BaseInterval,
		"cycles_per_wake", d.cfg.CyclesPerWake)

	for {
		if err := ctx.Err(); err != nil {
			d.log.Infow("daemon stopping")
			return nil
		}

		st = d.loadState()
		interval := time.Duration(st.IntervalSeconds) * time.Second
		wake, why := d.shouldWake(ctx, st, interval)
		if !wake {
			sleep := interval
			if sleep > maxPollSleep {
				sleep = maxPollSleep
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sleep):
			}
			continue
		}

		d.log.Infow("waking", "reason", why, "wake_count", st.WakeCount+1)
		metrics, err := d.wake(ctx)
		if err != nil {
			d.log.Errorw("wake failed", "error", err)
		}

		st = d.loadState()
		st.LastWakeAt = d.now().UTC().Format(time.RFC3339)
		st.WakeCount++
		next := d.nextInterval(st, metrics, why == "commits")
		st.IntervalSeconds = int(next.Seconds())
		st.NextWakeAt = d.now().Add(next).UTC().Format(time.RFC3339)
		if err := d.saveState(st); err != nil {
			return err
		}
		d.log.Infow("wake complete", "next_interval", next)

		if metrics != nil {
			d.notify.WakeComplete(ctx, metrics)
		}
	}
}

// shouldWake checks the timer, the commit trigger, and quiet hours.
func (d *Daemon) shouldWake(ctx context.Context, st *State, interval time.Duration) (bool, string) {
	if d.inQuietHours(d.now()) {
		return false, "quiet hours"
	}
	var lastWake time.Time
	if st.LastWakeAt != "" {
		lastWake, _ = time.Parse(time.RFC3339, st.LastWakeAt)
	}
	if lastWake.IsZero() || d.now().Sub(lastWake) >= interval {
		return true, "timer"
	}
	if d.commits != nil {
		n, err := d.commits(ctx, lastWake)
		if err != nil {
			d.log.Warnw("commit probe failed", "error", err)
		} else if n > 0 {
			return true, "commits"
		}
	}
	return false, ""
}

// wake runs one bounded session and collects the finalizer's metrics.
func (d *Daemon) wake(ctx context.Context) (*WakeMetrics, error) {
	if err := d.run(ctx, d.cfg.CyclesPerWake); err != nil {
		return nil, err
	}
	return d.readWakeMetrics()
}

// readWakeMetrics consumes daemon-wake-metrics.json, deleting it so each
// wake's numbers are reported once.
func (d *Daemon) readWakeMetrics() (*WakeMetrics, error) {
	var m WakeMetrics
	if err := runfs.ReadJSON(d.metricsPath(), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := os.Remove(d.metricsPath()); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &m, nil
}

// nextInterval adapts the interval to what the wake produced:
// 0.25x after quiet-hours backlog, 0.5x when work and commits both
// happened, 1.0x on commits alone, otherwise 1.5x plus 0.25x per
// consecutive idle wake, capped at 3x. The result is clamped to
// [5 min, 3 x base].
func (d *Daemon) nextInterval(st *State, m *WakeMetrics, hadCommits bool) time.Duration {
	base := d.cfg.BaseInterval
	worked := m != nil && (m.TicketsCompleted > 0 || m.PRsCreated > 0)

	var mult float64
	switch {
	case d.justLeftQuietHours():
		mult = 0.25
		st.ConsecutiveIdle = 0
	case worked && hadCommits:
		mult = 0.5
		st.ConsecutiveIdle = 0
	case hadCommits:
		mult = 1.0
		st.ConsecutiveIdle = 0
	default:
		st.ConsecutiveIdle++
		mult = 1.5 + 0.25*float64(st.ConsecutiveIdle)
		if mult > maxIdleMultiplier {
			mult = maxIdleMultiplier
		}
	}

	next := time.Duration(float64(base) * mult)
	if next < minInterval {
		next = minInterval
	}
	if max := 3 * base; next > max {
		next = max
	}
	return next
}

// justLeftQuietHours reports whether the previous hour was quiet but now
// is not, meaning a backlog may have piled up.
func (d *Daemon) justLeftQuietHours() bool {
	now := d.now()
	return !d.inQuietHours(now) && d.inQuietHours(now.Add(-time.Hour))
}

// inQuietHours checks the local clock against the configured window,
// which may span midnight.
func (d *Daemon) inQuietHours(t time.Time) bool {
	if d.cfg.QuietStart == "" || d.cfg.QuietEnd == "" {
		return false
	}
	start, err1 := parseClock(d.cfg.QuietStart)
	end, err2 := parseClock(d.cfg.QuietEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	if start <= end {
		return mins >= start && mins < end
	}
	return mins >= start || mins < end
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

// Status reads the persisted daemon state for the CLI.
func Status(baseDir string) (*State, error) {
	var st State
	if err := runfs.ReadJSON(filepath.Join(baseDir, "daemon-state.json"), &st); err != nil {
		return nil, err
	}
	return &st, nil
}
