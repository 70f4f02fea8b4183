package sector

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPickEmptyMap(t *testing.T) {
	m := &Map{}
	if s := m.Pick(1); s != nil {
		t.Fatalf("pick on empty map = %+v, want nil", s)
	}
}

func TestPickRotation(t *testing.T) {
	m := &Map{Sectors: []Sector{
		{Path: "internal/api"},
		{Path: "internal/db", ScanCount: 2, ProposalYield: 0.1, LastScannedCycle: 1},
	}}

	// A never-scanned sector wins over one with history.
	picked := m.Pick(3)
	if picked == nil || picked.Path != "internal/api" {
		t.Fatalf("picked %+v, want the never-scanned internal/api", picked)
	}

	m.RecordScanResult("internal/api", 3, 0, nil)
	m.RecordScanResult("internal/db", 4, 5, nil)
	m.RecordScanResult("internal/api", 5, 0, nil)

	// internal/db was scanned less recently and keeps yielding.
	picked = m.Pick(6)
	if picked == nil || picked.Path != "internal/db" {
		t.Fatalf("picked %+v, want internal/db", picked)
	}
}

func TestPickIsDeterministic(t *testing.T) {
	m := &Map{Sectors: []Sector{
		{Path: "b", ScanCount: 1, LastScannedCycle: 2},
		{Path: "a", ScanCount: 1, LastScannedCycle: 2},
	}}
	first := m.Pick(5).Path
	for i := 0; i < 5; i++ {
		if got := m.Pick(5).Path; got != first {
			t.Fatalf("pick changed from %q to %q on identical state", first, got)
		}
	}
	if first != "a" {
		t.Fatalf("tie broke to %q, want alphabetical a", first)
	}
}

func TestPickDefersPolishedSectors(t *testing.T) {
	m := &Map{Sectors: []Sector{
		{Path: "done", ScanCount: 8, ProposalYield: 0.1, LastScannedCycle: 1},
		{Path: "live", ScanCount: 3, ProposalYield: 1.2, LastScannedCycle: 4},
	}}
	if got := m.Pick(5).Path; got != "live" {
		t.Fatalf("picked %q, want the non-polished sector", got)
	}
}

func TestPolished(t *testing.T) {
	s := &Sector{ScanCount: 5, ProposalYield: 0.1}
	if !s.Polished() {
		t.Fatal("low-yield sector with 5 scans and no outcomes should be polished")
	}
	s.SuccessCount = 8
	s.FailureCount = 2
	if s.Polished() {
		t.Fatal("a sector with an 80% success rate is not polished yet")
	}
	few := &Sector{ScanCount: 4, ProposalYield: 0.1}
	if few.Polished() {
		t.Fatal("under 5 scans is too early to call polished")
	}
}

func TestBarren(t *testing.T) {
	if (&Sector{ScanCount: 3, ProposalYield: 0.2}).Barren() != true {
		t.Fatal("3 scans at 0.2 yield should be barren")
	}
	if (&Sector{ScanCount: 2, ProposalYield: 0.0}).Barren() {
		t.Fatal("2 scans is not enough history to call barren")
	}
	if (&Sector{ScanCount: 10, ProposalYield: 0.8}).Barren() {
		t.Fatal("a yielding sector is not barren")
	}
}

func TestHighFailure(t *testing.T) {
	if !(&Sector{SuccessCount: 1, FailureCount: 3}).HighFailure() {
		t.Fatal("3 failures at 75% should flag high failure")
	}
	if (&Sector{SuccessCount: 3, FailureCount: 3}).HighFailure() {
		t.Fatal("a 50% failure rate is not high failure")
	}
	if (&Sector{FailureCount: 2}).HighFailure() {
		t.Fatal("2 failures is below the floor")
	}
}

func TestRecordScanResultYieldEMA(t *testing.T) {
	m := &Map{Sectors: []Sector{{Path: "pkg"}}}
	m.RecordScanResult("pkg", 7, 10, nil)

	s := m.Get("pkg")
	if s.ScanCount != 1 || s.LastScannedCycle != 7 {
		t.Fatalf("scan counters = %+v", s)
	}
	if s.ProposalYield != 3.0 {
		t.Fatalf("yield = %v, want 3.0 after one scan of 10 proposals", s.ProposalYield)
	}
	if _, err := time.Parse(time.RFC3339, s.LastScannedAt); err != nil {
		t.Fatalf("LastScannedAt %q not RFC3339: %v", s.LastScannedAt, err)
	}

	m.RecordScanResult("pkg", 8, 0, nil)
	if got := m.Get("pkg").ProposalYield; math.Abs(got-2.1) > 1e-9 {
		t.Fatalf("yield = %v, want ~2.1 after a zero-proposal scan", got)
	}
}

func TestRecordScanResultReclassification(t *testing.T) {
	m := &Map{Sectors: []Sector{{Path: "pkg", Purpose: "unknown", ClassificationConfidence: 0.2}}}

	m.RecordScanResult("pkg", 1, 0, &Reclassification{Purpose: "guess", Confidence: "low"})
	if s := m.Get("pkg"); s.Purpose != "unknown" {
		t.Fatal("low-confidence reclassification should be ignored")
	}

	m.RecordScanResult("pkg", 2, 0, &Reclassification{Purpose: "HTTP handlers", Confidence: "high"})
	s := m.Get("pkg")
	if s.Purpose != "HTTP handlers" || s.ClassificationConfidence != 0.9 {
		t.Fatalf("sector = %+v, want high-confidence purpose applied", s)
	}
}

func TestRecordOutcomeHalvesEveryTwenty(t *testing.T) {
	m := &Map{Sectors: []Sector{{Path: "pkg"}}}
	for i := 0; i < 20; i++ {
		m.RecordOutcome("pkg", "", true)
	}
	if got := m.Get("pkg").SuccessCount; got != 10 {
		t.Fatalf("success count = %d, want 10 after the 20-outcome halving", got)
	}
}

func TestCategoryBoostAndSuppress(t *testing.T) {
	m := &Map{Sectors: []Sector{{Path: "pkg"}}}
	for i := 0; i < 3; i++ {
		m.RecordOutcome("pkg", "refactor", true)
		m.RecordOutcome("pkg", "docs", false)
	}

	s := m.Get("pkg")
	if boost := s.BoostCategories(); len(boost) != 1 || boost[0] != "refactor" {
		t.Fatalf("boost = %v, want [refactor]", boost)
	}
	if sup := s.SuppressCategories(); len(sup) != 1 || sup[0] != "docs" {
		t.Fatalf("suppress = %v, want [docs]", sup)
	}
}

func TestMergeKeepsHistoryDropsGone(t *testing.T) {
	m := &Map{Sectors: []Sector{
		{Path: "internal/api", ScanCount: 4, ProposalYield: 0.9, Purpose: "HTTP handlers"},
		{Path: "internal/gone", ScanCount: 2},
	}}
	m.Merge([]Sector{
		{Path: "internal/api", FileCount: 12, ProductionFileCount: 9, Purpose: "fresh guess", ClassificationConfidence: 0.2},
		{Path: "internal/new", FileCount: 3, Purpose: "core implementation", ClassificationConfidence: 0.6},
	})

	if len(m.Sectors) != 2 {
		t.Fatalf("sectors = %d, want 2", len(m.Sectors))
	}
	api := m.Get("internal/api")
	if api.ScanCount != 4 || api.FileCount != 12 {
		t.Fatalf("merged api = %+v, want history kept and counts refreshed", api)
	}
	if api.Purpose != "HTTP handlers" {
		t.Fatalf("purpose = %q, an existing purpose must survive a merge", api.Purpose)
	}
	if m.Get("internal/gone") != nil {
		t.Fatal("a sector missing from the index should be dropped")
	}
	if m.Get("internal/new") == nil {
		t.Fatal("a newly indexed sector should be added")
	}
}

func TestSectorForLongestPrefix(t *testing.T) {
	m := &Map{Sectors: []Sector{
		{Path: "internal"},
		{Path: "internal/api"},
	}}
	if got := m.SectorFor("internal/api/routes.go"); got == nil || got.Path != "internal/api" {
		t.Fatalf("SectorFor = %+v, want internal/api", got)
	}
	if got := m.SectorFor("internal/other.go"); got == nil || got.Path != "internal" {
		t.Fatalf("SectorFor = %+v, want internal", got)
	}
	if got := m.SectorFor("cmd/main.go"); got != nil {
		t.Fatalf("SectorFor = %+v, want nil for an unmapped file", got)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	m.Sectors = []Sector{{Path: "internal/api", ScanCount: 2, ProposalYield: 0.4}}
	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(again.Sectors) != 1 || again.Sectors[0].ScanCount != 2 {
		t.Fatalf("reloaded = %+v", again.Sectors)
	}
}

func TestBuildIndexFromTrackedFiles(t *testing.T) {
	tracked := func() ([]string, error) {
		return []string{
			"cmd/solo/main.go",
			"internal/api/server.go",
			"internal/api/server_test.go",
			"README.md",
		}, nil
	}
	sectors, err := BuildIndex("/irrelevant", tracked)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}

	want := []string{".", "cmd/solo", "internal/api"}
	if len(sectors) != len(want) {
		t.Fatalf("sectors = %+v, want paths %v", sectors, want)
	}
	for i, p := range want {
		if sectors[i].Path != p {
			t.Fatalf("sector[%d] = %q, want %q", i, sectors[i].Path, p)
		}
	}

	api := sectors[2]
	if api.FileCount != 2 || api.ProductionFileCount != 1 {
		t.Fatalf("internal/api counts = %+v, test files are not production", api)
	}
	if !api.Production || api.Purpose != "core implementation" {
		t.Fatalf("internal/api classified as %+v", api)
	}
	root := sectors[0]
	if root.ProductionFileCount != 0 {
		t.Fatalf("README.md counted as production: %+v", root)
	}
}

func TestBuildIndexWalkSkipsVendoredTrees(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, dir, "internal/api/server.go")
	mustWrite(t, dir, "node_modules/dep/index.js")
	mustWrite(t, dir, ".git/config")

	sectors, err := BuildIndex(dir, nil)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	if len(sectors) != 1 || sectors[0].Path != "internal/api" {
		t.Fatalf("sectors = %+v, want only internal/api", sectors)
	}
}

func mustWrite(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}
