package analytics

import (
	"path/filepath"
	"testing"

	"github.com/promptwheel/promptwheel/internal/ticket"
)

func seedDB(t *testing.T) *ticket.DB {
	t.Helper()
	db, err := ticket.Open(filepath.Join(t.TempDir(), "promptwheel.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mustCreate := func(id, category, sector, status string) {
		t.Helper()
		err := db.Create(&ticket.Ticket{
			ID: id, ProjectID: "proj", Title: "t " + id,
			Category: category, SectorPath: sector, Status: status,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	mustCreate("tkt-1", "refactor", "internal/api", ticket.StatusDone)
	mustCreate("tkt-2", "refactor", "internal/api", ticket.StatusBlocked)
	mustCreate("tkt-3", "refactor", "internal/db", ticket.StatusInReview)
	mustCreate("tkt-4", "docs", "internal/api", ticket.StatusDone)
	mustCreate("tkt-5", "docs", "", ticket.StatusReady)

	for i := 0; i < 3; i++ {
		if err := db.LogQACommandRun("tkt-1", "run-1", "go test ./...", true, false, 0, 100*(i+1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.LogQACommandRun("tkt-2", "run-1", "go test ./...", false, true, -1, 5000); err != nil {
		t.Fatal(err)
	}
	if err := db.LogQACommandRun("tkt-2", "run-1", "go vet ./...", true, false, 0, 50); err != nil {
		t.Fatal(err)
	}

	if err := db.LogError("tkt-2", "run-1", "timeout", "go test timed out"); err != nil {
		t.Fatal(err)
	}
	if err := db.LogError("tkt-2", "run-1", "timeout", "go test timed out"); err != nil {
		t.Fatal(err)
	}
	if err := db.LogError("tkt-3", "run-1", "code", "FAIL: TestParse"); err != nil {
		t.Fatal(err)
	}

	summaries := []ticket.RunSummary{
		{RunID: "run-1", ProjectID: "proj", StartedAt: "2026-08-01T10:00:00Z", EndedAt: "2026-08-01T11:00:00Z", Phase: "DONE", Steps: 40, PRsCreated: 2},
		{RunID: "run-2", ProjectID: "proj", StartedAt: "2026-08-10T10:00:00Z", EndedAt: "2026-08-10T10:30:00Z", Phase: "FAILED_BUDGET", Steps: 60, PRsCreated: 1},
	}
	for _, s := range summaries {
		if err := db.RecordRun(s); err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func TestQuerySessions(t *testing.T) {
	db := seedDB(t)

	sessions, err := QuerySessions(db, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(sessions) != 2 || sessions[0].RunID != "run-2" {
		t.Fatalf("sessions = %+v, want newest first", sessions)
	}
	if sessions[1].DurationMinutes != 60 {
		t.Fatalf("duration = %v, want 60 minutes", sessions[1].DurationMinutes)
	}

	recent, err := QuerySessions(db, "2026-08-05T00:00:00Z")
	if err != nil || len(recent) != 1 || recent[0].RunID != "run-2" {
		t.Fatalf("recent = %+v, %v", recent, err)
	}
}

func TestQueryTicketStatuses(t *testing.T) {
	db := seedDB(t)

	statuses, err := QueryTicketStatuses(db)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	counts := map[string]int{}
	for _, s := range statuses {
		counts[s.Status] = s.Count
	}
	if counts[ticket.StatusDone] != 2 || counts[ticket.StatusBlocked] != 1 || counts[ticket.StatusReady] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestQueryCategoryOutcomes(t *testing.T) {
	db := seedDB(t)

	cats, err := QueryCategoryOutcomes(db, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// The ready ticket is still open and must not count.
	if len(cats) != 2 || cats[0].Category != "refactor" {
		t.Fatalf("cats = %+v, want refactor first by volume", cats)
	}
	r := cats[0]
	if r.Total != 3 || r.Done != 2 || r.Blocked != 1 {
		t.Fatalf("refactor = %+v", r)
	}
	if r.SuccessRate != 66.7 {
		t.Fatalf("success rate = %v, want 66.7", r.SuccessRate)
	}
}

func TestQuerySectorOutcomes(t *testing.T) {
	db := seedDB(t)

	sectors, err := QuerySectorOutcomes(db, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(sectors) != 2 || sectors[0].Sector != "internal/api" {
		t.Fatalf("sectors = %+v", sectors)
	}
	if sectors[0].Total != 3 || sectors[0].Done != 2 {
		t.Fatalf("internal/api = %+v", sectors[0])
	}
}

func TestQueryQACommands(t *testing.T) {
	db := seedDB(t)

	stats, err := QueryQACommands(db, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(stats) != 2 || stats[0].Command != "go test ./..." {
		t.Fatalf("stats = %+v, want the busiest command first", stats)
	}
	gt := stats[0]
	if gt.Runs != 4 || gt.Passed != 3 || gt.Timeouts != 1 {
		t.Fatalf("go test = %+v", gt)
	}
	if gt.PassRate != 75 {
		t.Fatalf("pass rate = %v", gt.PassRate)
	}
	// Durations 100, 200, 300, 5000: avg 1400, p95 is the worst run.
	if gt.AvgMs != 1400 || gt.P95Ms != 5000 {
		t.Fatalf("avg = %v p95 = %v", gt.AvgMs, gt.P95Ms)
	}
}

func TestQueryErrorPatterns(t *testing.T) {
	db := seedDB(t)

	patterns, err := QueryErrorPatterns(db, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(patterns) != 2 || patterns[0].Class != "timeout" {
		t.Fatalf("patterns = %+v, want timeout first by count", patterns)
	}
	if patterns[0].Count != 2 || patterns[0].TopMessage != "go test timed out" {
		t.Fatalf("timeout = %+v", patterns[0])
	}
	if patterns[0].LastSeen == "" {
		t.Fatal("last seen not recorded")
	}
}

func TestBuildReport(t *testing.T) {
	db := seedDB(t)

	r, err := BuildReport(db, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(r.Sessions) != 2 || len(r.Categories) != 2 || len(r.QACommands) != 2 {
		t.Fatalf("report = %+v", r)
	}
	if r.TotalPRs != 3 || r.TotalSteps != 100 {
		t.Fatalf("totals = prs %d steps %d", r.TotalPRs, r.TotalSteps)
	}
	if r.SessionHrs != 1.5 {
		t.Fatalf("session hours = %v, want 1.5", r.SessionHrs)
	}
}

func TestEmptyDatabase(t *testing.T) {
	db, err := ticket.Open(filepath.Join(t.TempDir(), "promptwheel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	r, err := BuildReport(db, "")
	if err != nil {
		t.Fatalf("build on empty db: %v", err)
	}
	if len(r.Sessions) != 0 || len(r.Errors) != 0 || r.SessionHrs != 0 {
		t.Fatalf("report = %+v", r)
	}
}
