package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/promptwheel/promptwheel/internal/runfs"
)

func writeWakeMetrics(t *testing.T, base string, m WakeMetrics) {
	t.Helper()
	if err := runfs.WriteJSON(filepath.Join(base, "daemon-wake-metrics.json"), m); err != nil {
		t.Fatal(err)
	}
}

func testDaemon(t *testing.T, cfg Config) *Daemon {
	t.Helper()
	return New(t.TempDir(), cfg, zap.NewNop(), func(ctx context.Context, cycles int) error { return nil }, nil)
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 24, hour, minute, 0, 0, time.UTC)
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"23:00", 23 * 60, true},
		{"07:30", 7*60 + 30, true},
		{"0:05", 5, true},
		{"24:00", 0, false},
		{"12:75", 0, false},
		{"noon", 0, false},
	}
	for _, c := range cases {
		got, err := parseClock(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Fatalf("parseClock(%q) = %d, %v, want %d", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Fatalf("parseClock(%q) should fail", c.in)
		}
	}
}

func TestQuietHoursSpanningMidnight(t *testing.T) {
	d := testDaemon(t, Config{QuietStart: "23:00", QuietEnd: "07:00"})

	if !d.inQuietHours(at(23, 30)) || !d.inQuietHours(at(3, 0)) {
		t.Fatal("late night should be quiet")
	}
	if d.inQuietHours(at(7, 0)) || d.inQuietHours(at(12, 0)) {
		t.Fatal("daytime should not be quiet")
	}
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	d := testDaemon(t, Config{QuietStart: "09:00", QuietEnd: "17:00"})
	if !d.inQuietHours(at(12, 0)) {
		t.Fatal("noon inside the window")
	}
	if d.inQuietHours(at(8, 59)) || d.inQuietHours(at(17, 0)) {
		t.Fatal("edges outside the window")
	}
}

func TestQuietHoursDisabledWithoutWindow(t *testing.T) {
	d := testDaemon(t, Config{})
	if d.inQuietHours(at(3, 0)) {
		t.Fatal("no window configured means never quiet")
	}
}

func TestNextIntervalProductiveWake(t *testing.T) {
	d := testDaemon(t, Config{BaseInterval: 40 * time.Minute})
	d.now = func() time.Time { return at(12, 0) }

	st := &State{ConsecutiveIdle: 2}
	next := d.nextInterval(st, &WakeMetrics{TicketsCompleted: 1}, true)
	if next != 20*time.Minute {
		t.Fatalf("next = %v, want 0.5x base for work plus commits", next)
	}
	if st.ConsecutiveIdle != 0 {
		t.Fatal("productive wake should reset the idle streak")
	}
}

func TestNextIntervalCommitsAlone(t *testing.T) {
	d := testDaemon(t, Config{BaseInterval: 40 * time.Minute})
	d.now = func() time.Time { return at(12, 0) }

	next := d.nextInterval(&State{}, nil, true)
	if next != 40*time.Minute {
		t.Fatalf("next = %v, want 1.0x base", next)
	}
}

func TestNextIntervalIdleBackoff(t *testing.T) {
	d := testDaemon(t, Config{BaseInterval: 40 * time.Minute})
	d.now = func() time.Time { return at(12, 0) }

	st := &State{}
	if next := d.nextInterval(st, nil, false); next != 70*time.Minute {
		t.Fatalf("first idle = %v, want 1.75x base", next)
	}
	if next := d.nextInterval(st, nil, false); next != 80*time.Minute {
		t.Fatalf("second idle = %v, want 2x base", next)
	}
	for i := 0; i < 10; i++ {
		d.nextInterval(st, nil, false)
	}
	if next := d.nextInterval(st, nil, false); next != 120*time.Minute {
		t.Fatalf("deep idle = %v, want capped at 3x base", next)
	}
}

func TestNextIntervalPostQuietBacklog(t *testing.T) {
	d := testDaemon(t, Config{BaseInterval: 40 * time.Minute, QuietStart: "23:00", QuietEnd: "07:00"})
	d.now = func() time.Time { return at(7, 30) }

	st := &State{ConsecutiveIdle: 4}
	next := d.nextInterval(st, nil, false)
	if next != 10*time.Minute {
		t.Fatalf("next = %v, want 0.25x base right after quiet hours", next)
	}
	if st.ConsecutiveIdle != 0 {
		t.Fatal("leaving quiet hours resets the idle streak")
	}
}

func TestNextIntervalClampedToFloor(t *testing.T) {
	d := testDaemon(t, Config{BaseInterval: 6 * time.Minute})
	d.now = func() time.Time { return at(12, 0) }

	next := d.nextInterval(&State{}, &WakeMetrics{PRsCreated: 1}, true)
	if next != minInterval {
		t.Fatalf("next = %v, want the 5 minute floor", next)
	}
}

func TestShouldWake(t *testing.T) {
	d := testDaemon(t, Config{BaseInterval: 30 * time.Minute})
	now := at(12, 0)
	d.now = func() time.Time { return now }

	// Never woken: the timer fires immediately.
	wake, why := d.shouldWake(context.Background(), &State{}, 30*time.Minute)
	if !wake || why != "timer" {
		t.Fatalf("wake = %v %q", wake, why)
	}

	recent := now.Add(-10 * time.Minute).Format(time.RFC3339)
	wake, _ = d.shouldWake(context.Background(), &State{LastWakeAt: recent}, 30*time.Minute)
	if wake {
		t.Fatal("should stay asleep inside the interval")
	}

	d.commits = func(ctx context.Context, since time.Time) (int, error) { return 2, nil }
	wake, why = d.shouldWake(context.Background(), &State{LastWakeAt: recent}, 30*time.Minute)
	if !wake || why != "commits" {
		t.Fatalf("wake = %v %q, new commits should trigger a wake", wake, why)
	}
}

func TestShouldWakeRespectsQuietHours(t *testing.T) {
	d := testDaemon(t, Config{QuietStart: "23:00", QuietEnd: "07:00"})
	d.now = func() time.Time { return at(2, 0) }

	wake, why := d.shouldWake(context.Background(), &State{}, time.Minute)
	if wake || why != "quiet hours" {
		t.Fatalf("wake = %v %q", wake, why)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	base := t.TempDir()
	d := New(base, Config{}, zap.NewNop(), func(ctx context.Context, cycles int) error { return nil }, nil)

	st := d.loadState()
	st.WakeCount = 3
	st.PID = 4242
	if err := d.saveState(st); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Status(base)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.WakeCount != 3 || got.PID != 4242 {
		t.Fatalf("status = %+v", got)
	}
}

func TestReadWakeMetricsConsumesFile(t *testing.T) {
	base := t.TempDir()
	d := New(base, Config{}, zap.NewNop(), func(ctx context.Context, cycles int) error { return nil }, nil)

	m, err := d.readWakeMetrics()
	if err != nil || m != nil {
		t.Fatalf("metrics = %+v, %v, want nil when absent", m, err)
	}

	writeWakeMetrics(t, base, WakeMetrics{RunID: "run-1", TicketsCompleted: 2, Phase: "DONE"})
	m, err = d.readWakeMetrics()
	if err != nil || m == nil || m.TicketsCompleted != 2 {
		t.Fatalf("metrics = %+v, %v", m, err)
	}

	// The file is deleted once read.
	m, err = d.readWakeMetrics()
	if err != nil || m != nil {
		t.Fatalf("metrics = %+v, %v after consumption", m, err)
	}
}
