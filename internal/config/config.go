// Package config composes session configuration: built-in defaults, then a
// named formula's YAML overrides, then explicit CLI or tool arguments. The
// result is snapshotted immutably into the run state at session start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/promptwheel/promptwheel/internal/runstate"
)

// Formula is a named bundle of session config defaults.
type Formula struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description,omitempty"`
	Scope             []string `yaml:"scope,omitempty"`
	Categories        []string `yaml:"categories,omitempty"`
	MinConfidence     *int     `yaml:"min_confidence,omitempty"`
	MinImpactScore    *int     `yaml:"min_impact_score,omitempty"`
	MaxProposals      *int     `yaml:"max_proposals,omitempty"`
	MaxPRs            *int     `yaml:"max_prs,omitempty"`
	StepBudget        *int     `yaml:"step_budget,omitempty"`
	TicketStepBudget  *int     `yaml:"ticket_step_budget,omitempty"`
	CreatePRs         *bool    `yaml:"create_prs,omitempty"`
	Draft             *bool    `yaml:"draft,omitempty"`
	Direct            *bool    `yaml:"direct,omitempty"`
	Parallel          *int     `yaml:"parallel,omitempty"`
	CrossVerify       *bool    `yaml:"cross_verify,omitempty"`
	SkipReview        *bool    `yaml:"skip_review,omitempty"`
	LearningsEnabled  *bool    `yaml:"learnings_enabled,omitempty"`
	QACommands        []string `yaml:"qa_commands,omitempty"`
	MaxLinesPerTicket *int     `yaml:"max_lines_per_ticket,omitempty"`
	ExpiresAfter      string   `yaml:"expires_after,omitempty"`
}

// Defaults returns the built-in session config.
func Defaults() runstate.Config {
	return runstate.Config{
		Categories:        []string{"refactor", "test", "docs", "perf", "fix"},
		MinConfidence:     50,
		MinImpactScore:    3,
		MaxProposals:      5,
		MaxPRs:            3,
		StepBudget:        60,
		TicketStepBudget:  12,
		CreatePRs:         true,
		Parallel:          1,
		LearningsEnabled:  true,
		MaxLinesPerTicket: 400,
	}
}

// builtinFormulas ship with the binary; a project formula of the same
// name overrides them.
var builtinFormulas = map[string]Formula{
	"polish": {
		Name:        "polish",
		Description: "small, safe cleanups across the whole tree",
		Categories:  []string{"refactor", "docs"},
		MaxPRs:      intp(5),
	},
	"harden": {
		Name:        "harden",
		Description: "tests and fixes only, higher impact bar",
		Categories:  []string{"test", "fix", "security"},
		MinImpactScore: intp(5),
	},
	"docs": {
		Name:        "docs",
		Description: "documentation passes, direct commits",
		Categories:  []string{"docs"},
		Direct:      boolp(true),
		CreatePRs:   boolp(false),
	},
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

// formulasDir is where project formulas live.
func formulasDir(baseDir string) string {
	return filepath.Join(baseDir, "formulas")
}

// LoadFormula resolves a formula by name: project YAML first, then the
// built-ins.
func LoadFormula(baseDir, name string) (*Formula, error) {
	path := filepath.Join(formulasDir(baseDir), name+".yaml")
	if data, err := os.ReadFile(path); err == nil {
		var f Formula
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing formula %s: %w", path, err)
		}
		if f.Name == "" {
			f.Name = name
		}
		return &f, nil
	}
	if f, ok := builtinFormulas[name]; ok {
		return &f, nil
	}
	return nil, fmt.Errorf("formula %q not found", name)
}

// ListFormulas returns every available formula name with its description.
func ListFormulas(baseDir string) []Formula {
	byName := make(map[string]Formula)
	for name, f := range builtinFormulas {
		byName[name] = f
	}
	entries, err := os.ReadDir(formulasDir(baseDir))
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".yaml")
			if f, err := LoadFormula(baseDir, name); err == nil {
				byName[name] = *f
			}
		}
	}
	var out []Formula
	for _, f := range byName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply overlays a formula onto a config. Only fields the formula sets
// are changed.
func Apply(cfg runstate.Config, f *Formula) runstate.Config {
	if f == nil {
		return cfg
	}
	cfg.Formula = f.Name
	if len(f.Scope) > 0 {
		cfg.Scope = f.Scope
	}
	if len(f.Categories) > 0 {
		cfg.Categories = f.Categories
	}
	if f.MinConfidence != nil {
		cfg.MinConfidence = *f.MinConfidence
	}
	if f.MinImpactScore != nil {
		cfg.MinImpactScore = *f.MinImpactScore
	}
	if f.MaxProposals != nil {
		cfg.MaxProposals = *f.MaxProposals
	}
	if f.MaxPRs != nil {
		cfg.MaxPRs = *f.MaxPRs
	}
	if f.StepBudget != nil {
		cfg.StepBudget = *f.StepBudget
	}
	if f.TicketStepBudget != nil {
		cfg.TicketStepBudget = *f.TicketStepBudget
	}
	if f.CreatePRs != nil {
		cfg.CreatePRs = *f.CreatePRs
	}
	if f.Draft != nil {
		cfg.Draft = *f.Draft
	}
	if f.Direct != nil {
		cfg.Direct = *f.Direct
	}
	if f.Parallel != nil {
		cfg.Parallel = *f.Parallel
	}
	if f.CrossVerify != nil {
		cfg.CrossVerify = *f.CrossVerify
	}
	if f.SkipReview != nil {
		cfg.SkipReview = *f.SkipReview
	}
	if f.LearningsEnabled != nil {
		cfg.LearningsEnabled = *f.LearningsEnabled
	}
	if len(f.QACommands) > 0 {
		cfg.QACommands = f.QACommands
	}
	if f.MaxLinesPerTicket != nil {
		cfg.MaxLinesPerTicket = *f.MaxLinesPerTicket
	}
	if f.ExpiresAfter != "" {
		cfg.ExpiresAfter = f.ExpiresAfter
	}
	return cfg
}

// Compose builds the final session config: defaults, then the named
// formula (if any), then the explicit override function.
func Compose(baseDir, formulaName string, override func(*runstate.Config)) (runstate.Config, error) {
	cfg := Defaults()
	if formulaName != "" {
		f, err := LoadFormula(baseDir, formulaName)
		if err != nil {
			return cfg, err
		}
		cfg = Apply(cfg, f)
	}
	if override != nil {
		override(&cfg)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configs that cannot run.
func Validate(cfg runstate.Config) error {
	if cfg.StepBudget <= 0 {
		return fmt.Errorf("step_budget must be positive, got %d", cfg.StepBudget)
	}
	if cfg.TicketStepBudget <= 0 {
		return fmt.Errorf("ticket_step_budget must be positive, got %d", cfg.TicketStepBudget)
	}
	if cfg.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1, got %d", cfg.Parallel)
	}
	if cfg.MaxPRs < 0 {
		return fmt.Errorf("max_prs must not be negative, got %d", cfg.MaxPRs)
	}
	if len(cfg.Categories) == 0 {
		return fmt.Errorf("at least one category must be allowed")
	}
	return nil
}

// WriteDefaultFormula scaffolds an example formula during solo init.
func WriteDefaultFormula(baseDir string) error {
	dir := formulasDir(baseDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "default.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	example := Formula{
		Name:        "default",
		Description: "balanced scouting across all categories",
		Categories:  []string{"refactor", "test", "docs", "perf", "fix"},
	}
	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("marshal formula: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
