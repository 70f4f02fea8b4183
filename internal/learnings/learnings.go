// Package learnings stores short project-specific lessons and selects the
// ones relevant to the current ticket for prompt injection.
package learnings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptwheel/promptwheel/internal/runfs"
)

// DefaultBudget is the character budget for injected learnings.
const DefaultBudget = 2000

// Categories a learning can carry.
const (
	CategoryPattern        = "pattern"
	CategoryWarning        = "warning"
	CategoryPreference     = "preference"
	CategoryConstraint     = "constraint"
	CategoryProcessInsight = "process_insight"
)

// Source records where a learning came from.
type Source struct {
	Type   string `json:"type"` // "ticket_failure", "qa", "user", "session_report"
	Detail string `json:"detail,omitempty"`
}

// Learning is one stored lesson.
type Learning struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Category      string   `json:"category"`
	Source        Source   `json:"source"`
	Tags          []string `json:"tags,omitempty"`
	Weight        float64  `json:"weight"`
	AccessCount   int      `json:"access_count"`
	Effectiveness float64  `json:"effectiveness"` // 0..1, starts at 0.5
	CreatedAt     string   `json:"created_at"`
}

// Store manages learnings.json.
type Store struct {
	path    string
	Entries []Learning
}

// Load reads learnings.json from baseDir; a missing file is an empty store.
func Load(baseDir string) (*Store, error) {
	s := &Store{path: filepath.Join(baseDir, "learnings.json")}
	var entries []Learning
	if err := runfs.ReadJSON(s.path, &entries); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("load learnings: %w", err)
	}
	s.Entries = entries
	return s, nil
}

// Save atomically rewrites learnings.json.
func (s *Store) Save() error {
	return runfs.WriteJSON(s.path, s.Entries)
}

// Add appends a new learning and returns its id.
func (s *Store) Add(text, category string, source Source, tags []string) string {
	l := Learning{
		ID:            uuid.NewString()[:8],
		Text:          text,
		Category:      category,
		Source:        source,
		Tags:          tags,
		Weight:        1.0,
		Effectiveness: 0.5,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	s.Entries = append(s.Entries, l)
	return l.ID
}

// Get returns a learning by id.
func (s *Store) Get(id string) *Learning {
	for i := range s.Entries {
		if s.Entries[i].ID == id {
			return &s.Entries[i]
		}
	}
	return nil
}

// scored pairs a learning with its relevance for the current context.
type scored struct {
	learning *Learning
	score    float64
}

// SelectRelevant scores each learning by tag/path overlap with the ticket
// context and returns the top entries that fit the character budget.
// Every selected learning's access count is bumped.
func (s *Store) SelectRelevant(ctxPaths, ctxCommands []string, budget int) []*Learning {
	if budget <= 0 {
		budget = DefaultBudget
	}

	terms := make(map[string]bool)
	for _, p := range ctxPaths {
		for _, part := range strings.FieldsFunc(strings.ToLower(p), func(r rune) bool {
			return r == '/' || r == '.' || r == '_' || r == '-'
		}) {
			if len(part) > 2 {
				terms[part] = true
			}
		}
	}
	for _, c := range ctxCommands {
		for _, part := range strings.Fields(strings.ToLower(c)) {
			if len(part) > 2 {
				terms[part] = true
			}
		}
	}

	var candidates []scored
	for i := range s.Entries {
		l := &s.Entries[i]
		score := 0.0
		for _, tag := range l.Tags {
			if terms[strings.ToLower(tag)] {
				score += 2
			}
		}
		lower := strings.ToLower(l.Text)
		for term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		// Constraints and warnings always carry a floor so a new ticket in
		// untagged territory still sees them.
		if l.Category == CategoryConstraint || l.Category == CategoryWarning {
			score += 0.5
		}
		score *= 0.5 + l.Effectiveness
		score *= l.Weight
		if score > 0 {
			candidates = append(candidates, scored{l, score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].learning.ID < candidates[j].learning.ID
	})

	var selected []*Learning
	used := 0
	for _, c := range candidates {
		n := len(c.learning.Text) + 4
		if used+n > budget {
			continue
		}
		used += n
		c.learning.AccessCount++
		selected = append(selected, c.learning)
	}
	return selected
}

// Format renders selected learnings inside <learnings> tags for a prompt.
func Format(selected []*Learning) string {
	if len(selected) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<learnings>\n")
	for _, l := range selected {
		fmt.Fprintf(&b, "- [%s] %s\n", l.Category, l.Text)
	}
	b.WriteString("</learnings>")
	return b.String()
}

// Credit applies a success or failure outcome to the given learning ids,
// nudging effectiveness toward 1 on success and 0 on failure.
func (s *Store) Credit(ids []string, success bool) {
	for _, id := range ids {
		l := s.Get(id)
		if l == nil {
			continue
		}
		if success {
			l.Effectiveness += (1 - l.Effectiveness) * 0.2
		} else {
			l.Effectiveness -= l.Effectiveness * 0.2
		}
	}
}

// ProcessInsights returns the process_insight entries for session reports.
func (s *Store) ProcessInsights() []Learning {
	var out []Learning
	for _, l := range s.Entries {
		if l.Category == CategoryProcessInsight {
			out = append(out, l)
		}
	}
	return out
}

// Texts returns every learning rendered as a single line, for the run
// state's lazy cache.
func (s *Store) Texts() []string {
	var out []string
	for _, l := range s.Entries {
		out = append(out, fmt.Sprintf("[%s] %s", l.Category, l.Text))
	}
	return out
}
