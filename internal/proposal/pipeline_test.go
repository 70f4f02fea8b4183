package proposal

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/promptwheel/promptwheel/internal/dedup"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

func openTestDB(t *testing.T) *ticket.DB {
	t.Helper()
	db, err := ticket.Open(filepath.Join(t.TempDir(), "promptwheel.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testCfg() runstate.Config {
	return runstate.Config{
		Categories:     []string{"refactor", "test", "docs"},
		MinImpactScore: 3,
		MaxProposals:   5,
	}
}

func prop(title, category string, impact, confidence int) runstate.Proposal {
	return runstate.Proposal{
		Title:       title,
		Description: "description of " + title,
		Category:    category,
		ImpactScore: impact,
		Confidence:  confidence,
	}
}

func rejectionFor(t *testing.T, res *Result, title string) string {
	t.Helper()
	for _, r := range res.Rejected {
		if r.Title == title {
			return r.Reason
		}
	}
	t.Fatalf("no rejection for %q in %+v", title, res.Rejected)
	return ""
}

func TestProcessValidation(t *testing.T) {
	pl := New(openTestDB(t), nil, "proj", testCfg())

	batch := []runstate.Proposal{
		{Title: "", Description: "d", Category: "refactor", ImpactScore: 5},
		{Title: "no description", Category: "refactor", ImpactScore: 5},
		{Title: "bad impact", Description: "d", Category: "refactor", ImpactScore: 11},
		{Title: "bad confidence", Description: "d", Category: "refactor", ImpactScore: 5, Confidence: 200},
	}
	res, err := pl.Process(batch, "internal/api")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Accepted) != 0 || len(res.Rejected) != 4 {
		t.Fatalf("res = %+v", res)
	}
	if r := rejectionFor(t, res, "bad impact"); !strings.Contains(r, "out of range") {
		t.Fatalf("reason = %q", r)
	}
}

func TestProcessCategoryLadder(t *testing.T) {
	pl := New(openTestDB(t), nil, "proj", testCfg())

	res, err := pl.Process([]runstate.Proposal{prop("add security headers", "security", 8, 90)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("accepted = %+v", res.Accepted)
	}
	if r := rejectionFor(t, res, "add security headers"); !strings.Contains(r, "not allowed") {
		t.Fatalf("reason = %q", r)
	}
}

func TestProcessImpactFilterIgnoresConfidence(t *testing.T) {
	pl := New(openTestDB(t), nil, "proj", testCfg())

	res, err := pl.Process([]runstate.Proposal{
		prop("tiny cleanup", "refactor", 2, 99),
		prop("low confidence but worthwhile", "refactor", 7, 5),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 1 || res.Accepted[0].Title != "low confidence but worthwhile" {
		t.Fatalf("accepted = %+v, confidence must never filter", res.Accepted)
	}
	if r := rejectionFor(t, res, "tiny cleanup"); !strings.Contains(r, "below minimum") {
		t.Fatalf("reason = %q", r)
	}
}

func TestProcessCrossRunDedup(t *testing.T) {
	db := openTestDB(t)
	err := db.Create(&ticket.Ticket{ProjectID: "proj", Title: "Extract shared validation logic"})
	if err != nil {
		t.Fatal(err)
	}
	pl := New(db, nil, "proj", testCfg())

	res, err := pl.Process([]runstate.Proposal{prop("Extract shared validation", "refactor", 6, 80)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("accepted = %+v", res.Accepted)
	}
	if r := rejectionFor(t, res, "Extract shared validation"); !strings.Contains(r, "existing ticket") {
		t.Fatalf("reason = %q", r)
	}
}

func TestProcessMemoryDedup(t *testing.T) {
	mem := &dedup.Memory{Threshold: dedup.DefaultThreshold}
	mem.MarkCompleted("Tidy up the logging setup")
	pl := New(openTestDB(t), mem, "proj", testCfg())

	res, err := pl.Process([]runstate.Proposal{prop("Tidy up the logging setup", "refactor", 6, 80)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 0 {
		t.Fatalf("accepted = %+v", res.Accepted)
	}
	if r := rejectionFor(t, res, "Tidy up the logging setup"); !strings.Contains(r, "recent work") {
		t.Fatalf("reason = %q", r)
	}
}

func TestProcessInBatchDedup(t *testing.T) {
	pl := New(openTestDB(t), nil, "proj", testCfg())

	res, err := pl.Process([]runstate.Proposal{
		prop("Speed up the image resizer", "refactor", 6, 80),
		prop("Speed up the image resizer", "refactor", 7, 90),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 1 {
		t.Fatalf("accepted = %+v", res.Accepted)
	}
	if res.Accepted[0].Confidence != 80 {
		t.Fatal("in-batch dedup should keep the first occurrence")
	}
}

func TestProcessRankingAndCap(t *testing.T) {
	cfg := testCfg()
	cfg.MaxProposals = 2
	pl := New(openTestDB(t), nil, "proj", cfg)

	res, err := pl.Process([]runstate.Proposal{
		prop("middle impact work", "refactor", 5, 60),
		prop("best scored work", "test", 9, 90),
		prop("weakest surviving work", "docs", 4, 50),
	}, "internal/api")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accepted) != 2 {
		t.Fatalf("accepted = %+v", res.Accepted)
	}
	if res.Accepted[0].Title != "best scored work" || res.Accepted[1].Title != "middle impact work" {
		t.Fatalf("order = %v", res.Accepted)
	}
	if r := rejectionFor(t, res, "weakest surviving work"); !strings.Contains(r, "proposal cap") {
		t.Fatalf("reason = %q", r)
	}
}

func TestProcessMaterializesTickets(t *testing.T) {
	db := openTestDB(t)
	mem := &dedup.Memory{Threshold: dedup.DefaultThreshold}
	pl := New(db, mem, "proj", testCfg())

	p := prop("Extract shared validation", "refactor", 6, 80)
	p.AcceptanceCriteria = []string{"helpers shared"}
	p.AllowedPaths = []string{"internal/api/**"}
	p.RollbackNote = "revert the commit"

	res, err := pl.Process([]runstate.Proposal{p, prop("Add parser tests", "test", 4, 70)}, "internal/api")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tickets) != 2 {
		t.Fatalf("tickets = %+v", res.Tickets)
	}

	// Priority descends with rank so NEXT_TICKET follows pipeline order.
	if res.Tickets[0].Priority <= res.Tickets[1].Priority {
		t.Fatalf("priorities = %d, %d", res.Tickets[0].Priority, res.Tickets[1].Priority)
	}

	stored, err := db.Get(res.Tickets[0].ID)
	if err != nil {
		t.Fatalf("ticket not persisted: %v", err)
	}
	if stored.Status != ticket.StatusReady || stored.SectorPath != "internal/api" {
		t.Fatalf("stored = %+v", stored)
	}
	for _, want := range []string{"## Acceptance Criteria", "- [ ] helpers shared", "## Risk", "## Rollback"} {
		if !strings.Contains(stored.Description, want) {
			t.Fatalf("description missing %q:\n%s", want, stored.Description)
		}
	}
	if len(mem.Entries) != 2 {
		t.Fatalf("memory entries = %d, accepted titles should be recorded", len(mem.Entries))
	}
}

func TestProcessDryRun(t *testing.T) {
	db := openTestDB(t)
	cfg := testCfg()
	cfg.DryRun = true
	pl := New(db, nil, "proj", cfg)

	res, err := pl.Process([]runstate.Proposal{prop("dry run work", "refactor", 6, 80)}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tickets) != 1 {
		t.Fatalf("tickets = %+v", res.Tickets)
	}
	if _, err := db.Get(res.Tickets[0].ID); err == nil {
		t.Fatal("dry run must not write tickets")
	}
}

func TestMergeReviewScores(t *testing.T) {
	pending := []runstate.Proposal{
		prop("keep and rescore", "refactor", 4, 50),
		prop("rejected by review", "refactor", 8, 90),
		prop("unreviewed survivor", "docs", 5, 60),
	}
	out := MergeReviewScores(pending, []ReviewScore{
		{Title: "Keep and rescore!", Verdict: "accept", ImpactScore: 7, Confidence: 80},
		{Title: "rejected by review", Verdict: "reject", Reason: "not worth a ticket"},
	})

	if len(out) != 2 {
		t.Fatalf("out = %+v", out)
	}
	if out[0].ImpactScore != 7 || out[0].Confidence != 80 || out[0].ReviewScore != 7 {
		t.Fatalf("rescored = %+v", out[0])
	}
	if out[1].Title != "unreviewed survivor" || out[1].ImpactScore != 5 {
		t.Fatalf("unreviewed = %+v", out[1])
	}
}
