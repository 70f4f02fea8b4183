// Package sector tracks the codebase modules the scout rotates through.
// Each sector remembers how often it was scanned, how much it yielded, and
// how its tickets fared; the picker turns that into a deterministic
// rotation order.
package sector

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/promptwheel/promptwheel/internal/runfs"
)

const (
	yieldAlpha = 0.3
	decayEvery = 20
	staleAfter = 7 * 24 * time.Hour
	staleDelta = 24 * time.Hour
)

// CategoryStat tracks ticket outcomes for one category within a sector.
type CategoryStat struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// Sector is one flat codebase module.
type Sector struct {
	Path                     string                  `json:"path"`
	Purpose                  string                  `json:"purpose,omitempty"`
	Production               bool                    `json:"production"`
	FileCount                int                     `json:"file_count"`
	ProductionFileCount      int                     `json:"production_file_count"`
	ClassificationConfidence float64                 `json:"classification_confidence"`
	LastScannedAt            string                  `json:"last_scanned_at,omitempty"`
	LastScannedCycle         int                     `json:"last_scanned_cycle"`
	ScanCount                int                     `json:"scan_count"`
	ProposalYield            float64                 `json:"proposal_yield"`
	SuccessCount             int                     `json:"success_count"`
	FailureCount             int                     `json:"failure_count"`
	PolishedAt               string                  `json:"polished_at,omitempty"`
	MergeCount               int                     `json:"merge_count,omitempty"`
	ClosedCount              int                     `json:"closed_count,omitempty"`
	CategoryStats            map[string]CategoryStat `json:"category_stats,omitempty"`
}

// outcomes returns the decayed total ticket outcomes for this sector.
func (s *Sector) outcomes() int {
	return s.SuccessCount + s.FailureCount
}

// successRate returns the ticket success rate, or -1 with no history.
func (s *Sector) successRate() float64 {
	n := s.outcomes()
	if n == 0 {
		return -1
	}
	return float64(s.SuccessCount) / float64(n)
}

// failureRate returns the ticket failure rate, 0 with no history.
func (s *Sector) failureRate() float64 {
	n := s.outcomes()
	if n == 0 {
		return 0
	}
	return float64(s.FailureCount) / float64(n)
}

// Polished sectors have been scanned often with nothing left to find.
func (s *Sector) Polished() bool {
	if s.ScanCount < 5 || s.ProposalYield >= 0.3 {
		return false
	}
	rate := s.successRate()
	return rate < 0 || rate < 0.3
}

// Barren sectors keep yielding nothing despite repeat scans.
func (s *Sector) Barren() bool {
	return s.ScanCount > 2 && s.ProposalYield < 0.5
}

// HighFailure sectors keep burning tickets.
func (s *Sector) HighFailure() bool {
	return s.FailureCount >= 3 && s.failureRate() > 0.6
}

// BoostCategories returns categories with a proven track record here.
func (s *Sector) BoostCategories() []string {
	return s.categoriesWhere(func(st CategoryStat) bool {
		return st.Attempts >= 3 && float64(st.Successes)/float64(st.Attempts) > 0.6
	})
}

// SuppressCategories returns categories that keep failing here.
func (s *Sector) SuppressCategories() []string {
	return s.categoriesWhere(func(st CategoryStat) bool {
		return st.Attempts >= 3 && float64(st.Successes)/float64(st.Attempts) < 0.3
	})
}

func (s *Sector) categoriesWhere(pred func(CategoryStat) bool) []string {
	var out []string
	for cat, st := range s.CategoryStats {
		if pred(st) {
			out = append(out, cat)
		}
	}
	sort.Strings(out)
	return out
}

// Map is the persisted flat sector list.
type Map struct {
	path    string
	Sectors []Sector `json:"sectors"`
}

// Load reads sectors.json from baseDir; a missing file is an empty map.
func Load(baseDir string) (*Map, error) {
	m := &Map{path: filepath.Join(baseDir, "sectors.json")}
	var sectors []Sector
	if err := runfs.ReadJSON(m.path, &sectors); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("load sectors: %w", err)
	}
	m.Sectors = sectors
	return m, nil
}

// Save atomically rewrites sectors.json.
func (m *Map) Save() error {
	return runfs.WriteJSON(m.path, m.Sectors)
}

// Get returns the sector at path, or nil.
func (m *Map) Get(path string) *Sector {
	for i := range m.Sectors {
		if m.Sectors[i].Path == path {
			return &m.Sectors[i]
		}
	}
	return nil
}

// Merge folds freshly indexed sectors into the map, keeping existing scan
// history and dropping sectors that no longer exist on disk.
func (m *Map) Merge(indexed []Sector) {
	byPath := make(map[string]Sector, len(indexed))
	for _, s := range indexed {
		byPath[s.Path] = s
	}
	var merged []Sector
	for _, existing := range m.Sectors {
		fresh, ok := byPath[existing.Path]
		if !ok {
			continue
		}
		existing.FileCount = fresh.FileCount
		existing.ProductionFileCount = fresh.ProductionFileCount
		if existing.Purpose == "" {
			existing.Purpose = fresh.Purpose
			existing.ClassificationConfidence = fresh.ClassificationConfidence
		}
		existing.Production = fresh.Production
		merged = append(merged, existing)
		delete(byPath, existing.Path)
	}
	for _, s := range indexed {
		if _, ok := byPath[s.Path]; ok {
			merged = append(merged, s)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Path < merged[j].Path })
	m.Sectors = merged
}

// Pick returns the next sector to scout for the given cycle. The order is
// total and deterministic: identical state and cycle pick the same sector.
func (m *Map) Pick(cycle int) *Sector {
	if len(m.Sectors) == 0 {
		return nil
	}
	idx := make([]int, len(m.Sectors))
	for i := range idx {
		idx[i] = i
	}
	now := time.Now().UTC()
	sort.Slice(idx, func(a, b int) bool {
		return m.less(&m.Sectors[idx[a]], &m.Sectors[idx[b]], now)
	})
	return &m.Sectors[idx[0]]
}

// less is the ten-rule pick order; lower sorts first.
func (m *Map) less(a, b *Sector, now time.Time) bool {
	// 1. Non-polished before polished.
	if ap, bp := a.Polished(), b.Polished(); ap != bp {
		return !ap
	}
	// 2. Never-scanned first.
	if an, bn := a.ScanCount == 0, b.ScanCount == 0; an != bn {
		return an
	}
	// 3. Lower last-scanned cycle.
	if a.LastScannedCycle != b.LastScannedCycle {
		return a.LastScannedCycle < b.LastScannedCycle
	}
	// 4. Both stale and meaningfully apart: older first.
	at, aerr := time.Parse(time.RFC3339, a.LastScannedAt)
	bt, berr := time.Parse(time.RFC3339, b.LastScannedAt)
	if aerr == nil && berr == nil &&
		now.Sub(at) > staleAfter && now.Sub(bt) > staleAfter {
		if diff := at.Sub(bt); diff > staleDelta || diff < -staleDelta {
			return at.Before(bt)
		}
	}
	// 5. Low classification confidence first.
	if a.ClassificationConfidence != b.ClassificationConfidence {
		return a.ClassificationConfidence < b.ClassificationConfidence
	}
	// 6. Non-barren first.
	if ab, bb := a.Barren(), b.Barren(); ab != bb {
		return !ab
	}
	// 7. Non-high-failure first.
	if ah, bh := a.HighFailure(), b.HighFailure(); ah != bh {
		return !ah
	}
	// 8. Higher yield.
	if a.ProposalYield != b.ProposalYield {
		return a.ProposalYield > b.ProposalYield
	}
	// 9. Higher success count.
	if a.SuccessCount != b.SuccessCount {
		return a.SuccessCount > b.SuccessCount
	}
	// 10. Alphabetical.
	return a.Path < b.Path
}

// Reclassification is an optional purpose update from the scout.
type Reclassification struct {
	Purpose    string
	Confidence string // "low", "medium", "high"
}

// RecordScanResult bumps scan counters, folds the proposal count into the
// yield EMA, and applies a medium/high-confidence reclassification.
func (m *Map) RecordScanResult(path string, cycle int, proposals int, reclass *Reclassification) {
	s := m.Get(path)
	if s == nil {
		return
	}
	s.ScanCount++
	s.LastScannedCycle = cycle
	s.LastScannedAt = time.Now().UTC().Format(time.RFC3339)
	s.ProposalYield = yieldAlpha*float64(proposals) + (1-yieldAlpha)*s.ProposalYield

	if reclass != nil && (reclass.Confidence == "medium" || reclass.Confidence == "high") {
		s.Purpose = reclass.Purpose
		if reclass.Confidence == "high" {
			s.ClassificationConfidence = 0.9
		} else {
			s.ClassificationConfidence = 0.6
		}
	}

	if s.Polished() && s.PolishedAt == "" {
		s.PolishedAt = s.LastScannedAt
	}
}

// RecordOutcome records a ticket success or failure against a sector and
// category, halving the counters every 20 outcomes so old history fades.
func (m *Map) RecordOutcome(path, category string, success bool) {
	s := m.Get(path)
	if s == nil {
		return
	}
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
	if s.outcomes() > 0 && s.outcomes()%decayEvery == 0 {
		s.SuccessCount /= 2
		s.FailureCount /= 2
	}
	if category != "" {
		if s.CategoryStats == nil {
			s.CategoryStats = make(map[string]CategoryStat)
		}
		st := s.CategoryStats[category]
		st.Attempts++
		if success {
			st.Successes++
		}
		s.CategoryStats[category] = st
	}
}

// SectorFor maps a file path to its owning sector by longest path prefix.
func (m *Map) SectorFor(file string) *Sector {
	var best *Sector
	for i := range m.Sectors {
		p := m.Sectors[i].Path
		if file == p || strings.HasPrefix(file, p+"/") {
			if best == nil || len(p) > len(best.Path) {
				best = &m.Sectors[i]
			}
		}
	}
	return best
}
