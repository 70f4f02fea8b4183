// Package dedup is the cross-run memory of recently considered work. It
// keeps weighted title entries in dedup.json and answers "have we already
// tried something like this" for the proposal pipeline.
package dedup

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
	// DefaultThreshold is the similarity above which two titles are the
	// same piece of work.
	DefaultThreshold = 0.6

	newWeight       = 60
	completedWeight = 100
	rehitBump       = 10
)

// Entry is one remembered work item.
type Entry struct {
	Title      string  `json:"title"`
	Weight     float64 `json:"weight"`
	CreatedAt  string  `json:"created_at"`
	LastSeenAt string  `json:"last_seen_at"`
	HitCount   int     `json:"hit_count"`
	Completed  bool    `json:"completed"`
}

// Memory is the persisted set of entries.
type Memory struct {
	path      string
	Threshold float64
	Entries   []Entry
}

// Load reads dedup.json from baseDir, returning an empty memory when the
// file does not exist yet.
func Load(baseDir string) (*Memory, error) {
	m := &Memory{
		path:      filepath.Join(baseDir, "dedup.json"),
		Threshold: DefaultThreshold,
	}
	var entries []Entry
	if err := runfs.ReadJSON(m.path, &entries); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("load dedup memory: %w", err)
	}
	m.Entries = entries
	return m, nil
}

// Save atomically rewrites dedup.json.
func (m *Memory) Save() error {
	return runfs.WriteJSON(m.path, m.Entries)
}

// Normalize lowercases a title and strips punctuation, collapsing runs of
// whitespace to single spaces.
func Normalize(title string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// tokens returns normalized words longer than two characters.
func tokens(title string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(Normalize(title)) {
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

// bigrams returns the character bigram set of the normalized title.
func bigrams(title string) map[string]bool {
	n := Normalize(title)
	set := make(map[string]bool)
	for i := 0; i+2 <= len(n); i++ {
		set[n[i:i+2]] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// TitleSimilarity is the word-Jaccard similarity over tokens of length > 2.
func TitleSimilarity(a, b string) float64 {
	return jaccard(tokens(a), tokens(b))
}

// BigramSimilarity is the Jaccard similarity over character bigram sets.
func BigramSimilarity(a, b string) float64 {
	return jaccard(bigrams(a), bigrams(b))
}

// Similar reports whether two titles name the same work: exact normalized
// match, or either similarity measure at or above the threshold.
func Similar(a, b string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return true
	}
	if TitleSimilarity(a, b) >= threshold {
		return true
	}
	return BigramSimilarity(a, b) >= threshold
}

// IsDuplicate checks a title against the memory. A hit bumps the matched
// entry's weight and hit count.
func (m *Memory) IsDuplicate(title string) (bool, string) {
	for i := range m.Entries {
		if Similar(title, m.Entries[i].Title, m.Threshold) {
			m.Entries[i].Weight += rehitBump
			m.Entries[i].HitCount++
			m.Entries[i].LastSeenAt = time.Now().UTC().Format(time.RFC3339)
			return true, m.Entries[i].Title
		}
	}
	return false, ""
}

// Record adds a fresh entry at the default weight. Titles that already
// match an entry are treated as rehits instead.
func (m *Memory) Record(title string) {
	if dup, _ := m.IsDuplicate(title); dup {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	m.Entries = append(m.Entries, Entry{
		Title:      title,
		Weight:     newWeight,
		CreatedAt:  now,
		LastSeenAt: now,
	})
}

// MarkCompleted raises a title's entry to the completed weight, creating
// it if needed. Completed entries decay slower and block repeats longest.
func (m *Memory) MarkCompleted(title string) {
	for i := range m.Entries {
		if Similar(title, m.Entries[i].Title, m.Threshold) {
			m.Entries[i].Completed = true
			m.Entries[i].Weight = completedWeight
			m.Entries[i].LastSeenAt = time.Now().UTC().Format(time.RFC3339)
			return
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	m.Entries = append(m.Entries, Entry{
		Title:      title,
		Weight:     completedWeight,
		Completed:  true,
		CreatedAt:  now,
		LastSeenAt: now,
	})
}

// Decay applies one session's worth of weight decay at the given daily
// rate (0..1) and evicts entries at or below zero weight. Completed
// entries decay at half the rate.
func (m *Memory) Decay(dailyRate float64) {
	if dailyRate <= 0 {
		dailyRate = 0.1
	}
	var kept []Entry
	for _, e := range m.Entries {
		rate := dailyRate
		if e.Completed {
			rate /= 2
		}
		loss := e.Weight * rate
		if loss < 1 {
			loss = 1
		}
		e.Weight -= loss
		if e.Weight > 0 {
			kept = append(kept, e)
		}
	}
	m.Entries = kept
}

// Format renders the memory for prompt injection: weight-descending, one
// line per entry, truncated to the character budget.
func (m *Memory) Format(budget int) string {
	if len(m.Entries) == 0 {
		return ""
	}
	sorted := make([]Entry, len(m.Entries))
	copy(sorted, m.Entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].Title < sorted[j].Title
	})

	var b strings.Builder
	for _, e := range sorted {
		mark := ""
		if e.Completed {
			mark = " (done)"
		}
		line := fmt.Sprintf("- %s%s\n", e.Title, mark)
		if budget > 0 && b.Len()+len(line) > budget {
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n")
}
