package dedup

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Extract Shared, Validation!", "extract shared validation"},
		{"  lots   of    spaces  ", "lots of spaces"},
		{"CamelCase123", "camelcase123"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestIdenticalTitlesScoreOne(t *testing.T) {
	title := "Refactor the config loader"
	if s := TitleSimilarity(title, title); s != 1.0 {
		t.Fatalf("TitleSimilarity = %v, want 1.0", s)
	}
	if s := BigramSimilarity(title, title); s != 1.0 {
		t.Fatalf("BigramSimilarity = %v, want 1.0", s)
	}
}

func TestNormalizedMatchIsDuplicate(t *testing.T) {
	if !Similar("Fix the parser!", "fix the parser", 0.6) {
		t.Fatal("normalized-equal titles must be similar")
	}
}

func TestNearDuplicateTitle(t *testing.T) {
	m := &Memory{Threshold: DefaultThreshold}
	m.Record("Extract shared validation logic")

	dup, matched := m.IsDuplicate("Extract shared validation")
	if !dup {
		t.Fatal("expected near-identical title to be a duplicate")
	}
	if matched != "Extract shared validation logic" {
		t.Fatalf("matched %q", matched)
	}
}

func TestUnrelatedTitlesNotDuplicate(t *testing.T) {
	m := &Memory{Threshold: DefaultThreshold}
	m.Record("Extract shared validation logic")

	if dup, _ := m.IsDuplicate("Speed up the image resizer"); dup {
		t.Fatal("unrelated titles flagged as duplicates")
	}
}

func TestRehitBumpsWeight(t *testing.T) {
	m := &Memory{Threshold: DefaultThreshold}
	m.Record("Add retry to the uploader")
	before := m.Entries[0].Weight

	m.IsDuplicate("Add retry to the uploader")
	if m.Entries[0].Weight != before+10 {
		t.Fatalf("weight = %v, want %v", m.Entries[0].Weight, before+10)
	}
	if m.Entries[0].HitCount != 1 {
		t.Fatalf("hit count = %d, want 1", m.Entries[0].HitCount)
	}
}

func TestRecordDoesNotDuplicateEntries(t *testing.T) {
	m := &Memory{Threshold: DefaultThreshold}
	m.Record("Tidy up the logging setup")
	m.Record("Tidy up the logging setup")
	if len(m.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(m.Entries))
	}
}

func TestMarkCompleted(t *testing.T) {
	m := &Memory{Threshold: DefaultThreshold}
	m.Record("Remove dead feature flags")
	m.MarkCompleted("Remove dead feature flags")

	e := m.Entries[0]
	if !e.Completed || e.Weight != 100 {
		t.Fatalf("entry = %+v, want completed at weight 100", e)
	}

	m.MarkCompleted("A title never recorded before")
	if len(m.Entries) != 2 || !m.Entries[1].Completed {
		t.Fatal("MarkCompleted should create a completed entry when missing")
	}
}

func TestDecayEvictsAndFavorsCompleted(t *testing.T) {
	m := &Memory{Threshold: DefaultThreshold}
	m.Entries = []Entry{
		{Title: "open item", Weight: 60},
		{Title: "done item", Weight: 60, Completed: true},
		{Title: "nearly gone", Weight: 0.5},
	}
	m.Decay(0.1)

	if len(m.Entries) != 2 {
		t.Fatalf("entries after decay = %d, want 2", len(m.Entries))
	}
	var open, done float64
	for _, e := range m.Entries {
		if e.Completed {
			done = e.Weight
		} else {
			open = e.Weight
		}
	}
	if done <= open {
		t.Fatalf("completed weight %v should decay slower than open %v", done, open)
	}
}

func TestFormatSortedAndBudgeted(t *testing.T) {
	m := &Memory{Threshold: DefaultThreshold}
	m.Entries = []Entry{
		{Title: "light", Weight: 10},
		{Title: "heavy", Weight: 90, Completed: true},
		{Title: "medium", Weight: 50},
	}
	out := m.Format(0)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 || !strings.Contains(lines[0], "heavy") {
		t.Fatalf("format output = %q, want heavy first", out)
	}
	if !strings.Contains(lines[0], "(done)") {
		t.Fatalf("completed entry not marked: %q", lines[0])
	}

	short := m.Format(15)
	if strings.Count(short, "\n") >= 2 {
		t.Fatalf("budgeted output too long: %q", short)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	m.Record("Persist me")
	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(again.Entries) != 1 || again.Entries[0].Title != "Persist me" {
		t.Fatalf("reloaded entries = %+v", again.Entries)
	}
}
