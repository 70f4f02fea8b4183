// Package proposal turns raw scout output into tickets: schema validation,
// category trust ladder, impact filter, cross-run and in-batch dedup,
// ranking, and materialization.
package proposal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/promptwheel/promptwheel/internal/dedup"
	"github.com/promptwheel/promptwheel/internal/runstate"
	"github.com/promptwheel/promptwheel/internal/ticket"
)

// Rejection names a dropped proposal and why.
type Rejection struct {
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Result is the outcome of one pipeline pass.
type Result struct {
	Accepted []runstate.Proposal `json:"accepted"`
	Rejected []Rejection         `json:"rejected"`
	Tickets  []ticket.Ticket     `json:"tickets"`
}

// Pipeline holds what one pass needs.
type Pipeline struct {
	db        *ticket.DB
	memory    *dedup.Memory
	cfg       runstate.Config
	projectID string
}

// New creates a pipeline bound to the session config.
func New(db *ticket.DB, memory *dedup.Memory, projectID string, cfg runstate.Config) *Pipeline {
	return &Pipeline{db: db, memory: memory, cfg: cfg, projectID: projectID}
}

// validate checks the proposal schema; empty string means valid.
func validate(p runstate.Proposal) string {
	switch {
	case strings.TrimSpace(p.Title) == "":
		return "missing title"
	case strings.TrimSpace(p.Description) == "":
		return "missing description"
	case strings.TrimSpace(p.Category) == "":
		return "missing category"
	case p.ImpactScore < 1 || p.ImpactScore > 10:
		return fmt.Sprintf("impact_score %d out of range 1-10", p.ImpactScore)
	case p.Confidence < 0 || p.Confidence > 100:
		return fmt.Sprintf("confidence %d out of range 0-100", p.Confidence)
	}
	return ""
}

// Process runs the full pipeline over one scout batch. sectorPath tags the
// materialized tickets with the scouted sector.
func (pl *Pipeline) Process(batch []runstate.Proposal, sectorPath string) (*Result, error) {
	res := &Result{}
	allowed := make(map[string]bool, len(pl.cfg.Categories))
	for _, c := range pl.cfg.Categories {
		allowed[c] = true
	}

	existingTitles, err := pl.db.ActiveTitles(pl.projectID)
	if err != nil {
		return nil, fmt.Errorf("load existing tickets: %w", err)
	}

	var survivors []runstate.Proposal
	for _, p := range batch {
		// 1. Schema validation.
		if reason := validate(p); reason != "" {
			res.Rejected = append(res.Rejected, Rejection{p.Title, "invalid proposal: " + reason})
			continue
		}
		// 2. Category trust ladder.
		if !allowed[p.Category] {
			res.Rejected = append(res.Rejected, Rejection{p.Title, fmt.Sprintf("category %q not allowed this session", p.Category)})
			continue
		}
		// 3. Impact filter. Confidence is an execution hint, never a filter.
		if p.ImpactScore < pl.cfg.MinImpactScore {
			res.Rejected = append(res.Rejected, Rejection{p.Title, fmt.Sprintf("impact_score %d below minimum %d", p.ImpactScore, pl.cfg.MinImpactScore)})
			continue
		}
		// 4. Cross-run dedup against existing tickets and the memory.
		if dupTitle, ok := duplicateOf(p.Title, existingTitles); ok {
			res.Rejected = append(res.Rejected, Rejection{p.Title, fmt.Sprintf("Duplicate of existing ticket %q", dupTitle)})
			continue
		}
		if pl.memory != nil {
			if dup, matched := pl.memory.IsDuplicate(p.Title); dup {
				res.Rejected = append(res.Rejected, Rejection{p.Title, fmt.Sprintf("Duplicate of recent work %q", matched)})
				continue
			}
		}
		// 5. In-batch dedup, in current order.
		if dupTitle, ok := duplicateOfProposals(p.Title, survivors); ok {
			res.Rejected = append(res.Rejected, Rejection{p.Title, fmt.Sprintf("Duplicate of proposal %q in this batch", dupTitle)})
			continue
		}
		survivors = append(survivors, p)
	}

	// 6. Rank by impact x confidence descending, stable on title.
	sort.SliceStable(survivors, func(i, j int) bool {
		si := survivors[i].ImpactScore * survivors[i].Confidence
		sj := survivors[j].ImpactScore * survivors[j].Confidence
		if si != sj {
			return si > sj
		}
		return survivors[i].Title < survivors[j].Title
	})

	// 7. Cap.
	if max := pl.cfg.MaxProposals; max > 0 && len(survivors) > max {
		for _, p := range survivors[max:] {
			res.Rejected = append(res.Rejected, Rejection{p.Title, fmt.Sprintf("over proposal cap of %d", max)})
		}
		survivors = survivors[:max]
	}
	res.Accepted = survivors

	// 8. Materialize.
	for i, p := range survivors {
		t := Materialize(p, pl.projectID, sectorPath, len(survivors)-i)
		if pl.cfg.DryRun {
			res.Tickets = append(res.Tickets, *t)
			continue
		}
		if err := pl.db.Create(t); err != nil {
			return nil, fmt.Errorf("materialize ticket %q: %w", p.Title, err)
		}
		if pl.memory != nil {
			pl.memory.Record(p.Title)
		}
		res.Tickets = append(res.Tickets, *t)
	}
	return res, nil
}

func duplicateOf(title string, existing []string) (string, bool) {
	for _, t := range existing {
		if dedup.Similar(title, t, dedup.DefaultThreshold) {
			return t, true
		}
	}
	return "", false
}

func duplicateOfProposals(title string, accepted []runstate.Proposal) (string, bool) {
	for _, p := range accepted {
		if dedup.Similar(title, p.Title, dedup.DefaultThreshold) {
			return p.Title, true
		}
	}
	return "", false
}

// Materialize builds a ready ticket from an accepted proposal. Priority
// descends with rank so NEXT_TICKET picks in pipeline order.
func Materialize(p runstate.Proposal, projectID, sectorPath string, priority int) *ticket.Ticket {
	return &ticket.Ticket{
		ID:                   ticket.NewID(),
		ProjectID:            projectID,
		Title:                p.Title,
		Description:          describeTicket(p),
		Status:               ticket.StatusReady,
		Priority:             priority,
		Category:             p.Category,
		AllowedPaths:         p.AllowedPaths,
		VerificationCommands: p.VerificationCommands,
		Confidence:           p.Confidence,
		ImpactScore:          p.ImpactScore,
		Risk:                 p.Risk,
		RollbackNote:         p.RollbackNote,
		SectorPath:           sectorPath,
	}
}

// describeTicket renders the structured ticket description template.
func describeTicket(p runstate.Proposal) string {
	var b strings.Builder
	b.WriteString(p.Description)
	b.WriteString("\n")
	if len(p.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n")
		for _, c := range p.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
	}
	if len(p.Files) > 0 {
		b.WriteString("\n## Files\n")
		for _, f := range p.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	fmt.Fprintf(&b, "\n## Risk\n%s", riskOrDefault(p.Risk))
	if p.RollbackNote != "" {
		fmt.Fprintf(&b, "\n\n## Rollback\n%s", p.RollbackNote)
	}
	return b.String()
}

func riskOrDefault(risk string) string {
	if risk == "" {
		return "low"
	}
	return risk
}

// MergeReviewScores folds adversarial review scores back into the pending
// batch by title match, then the caller reruns Process.
func MergeReviewScores(pending []runstate.Proposal, reviews []ReviewScore) []runstate.Proposal {
	byTitle := make(map[string]ReviewScore, len(reviews))
	for _, r := range reviews {
		byTitle[dedup.Normalize(r.Title)] = r
	}
	var out []runstate.Proposal
	for _, p := range pending {
		r, ok := byTitle[dedup.Normalize(p.Title)]
		if !ok {
			// Unreviewed proposals survive with their original scores.
			out = append(out, p)
			continue
		}
		if r.Verdict == "reject" {
			continue
		}
		if r.ImpactScore > 0 {
			p.ImpactScore = r.ImpactScore
		}
		if r.Confidence > 0 {
			p.Confidence = r.Confidence
		}
		p.ReviewScore = r.ImpactScore
		out = append(out, p)
	}
	return out
}

// ReviewScore is one line of the adversarial review result.
type ReviewScore struct {
	Title       string `json:"title"`
	Verdict     string `json:"verdict"` // "accept" or "reject"
	ImpactScore int    `json:"impact_score,omitempty"`
	Confidence  int    `json:"confidence,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
