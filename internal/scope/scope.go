// Package scope enforces per-ticket write boundaries. Every agent write
// is checked against the ticket's allow globs and the category deny set
// before it happens.
package scope

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// baseDenied applies to every ticket regardless of category.
var baseDenied = []string{
	".env",
	".env.*",
	"**/.env",
	".git/**",
	"node_modules/**",
	"**/node_modules/**",
	"vendor/**",
	"**/*.pem",
	"**/*.key",
	"**/id_rsa*",
	".promptwheel/**",
}

// categoryDenied adds category-specific deny patterns.
var categoryDenied = map[string][]string{
	"docs": {"**/*.go", "**/*.ts", "**/*.js", "**/*.py", "**/*.rs"},
	"test": {"**/package-lock.json", "**/go.sum"},
	"perf": {"**/testdata/**"},
}

// Recorder receives the outcome of every check, typically appending
// SCOPE_ALLOWED / SCOPE_BLOCKED to the event log.
type Recorder func(path string, allowed bool, reason string)

// Policy is the per-ticket allow/deny decision.
type Policy struct {
	projectRoot string
	allowed     []string
	denied      []string
	maxLines    int
	record      Recorder
}

// New derives a policy from the ticket's allowed paths and category.
// An empty allow list accepts everything not denied.
func New(projectRoot string, allowedPaths []string, category string, maxLinesPerTicket int) *Policy {
	denied := make([]string, 0, len(baseDenied))
	denied = append(denied, baseDenied...)
	denied = append(denied, categoryDenied[category]...)
	return &Policy{
		projectRoot: filepath.Clean(projectRoot),
		allowed:     allowedPaths,
		denied:      denied,
		maxLines:    maxLinesPerTicket,
	}
}

// SetRecorder installs the event-log callback.
func (p *Policy) SetRecorder(r Recorder) {
	p.record = r
}

// AddDenied appends extra ticket-level forbidden paths.
func (p *Policy) AddDenied(patterns []string) {
	p.denied = append(p.denied, patterns...)
}

// MaxLines returns the hard line budget for the ticket, 0 for unlimited.
func (p *Policy) MaxLines() int {
	return p.maxLines
}

// Allowed exposes the allow globs for prompt composition.
func (p *Policy) Allowed() []string {
	return p.allowed
}

// normalize resolves a path relative to the project root and cleans it.
// Absolute paths outside the root are rejected by the caller via the
// returned ok flag.
func (p *Policy) normalize(path string) (string, bool) {
	path = filepath.ToSlash(filepath.Clean(path))
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(p.projectRoot, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return path, false
		}
		path = filepath.ToSlash(rel)
	}
	if strings.HasPrefix(path, "../") || path == ".." {
		return path, false
	}
	return path, true
}

// IsFileAllowed decides whether the agent may write the given path and
// reports the decision to the recorder.
func (p *Policy) IsFileAllowed(path string) (bool, string) {
	allowed, reason := p.check(path)
	if p.record != nil {
		p.record(path, allowed, reason)
	}
	return allowed, reason
}

func (p *Policy) check(path string) (bool, string) {
	rel, ok := p.normalize(path)
	if !ok {
		return false, fmt.Sprintf("denied path %q: outside project root", path)
	}

	for _, pattern := range p.denied {
		if match, _ := doublestar.Match(pattern, rel); match {
			return false, fmt.Sprintf("denied path %q: matches deny pattern %q", rel, pattern)
		}
	}

	if len(p.allowed) == 0 {
		return true, ""
	}
	for _, pattern := range p.allowed {
		if match, _ := doublestar.Match(pattern, rel); match {
			return true, ""
		}
		// A bare directory allow covers everything beneath it.
		if rel == pattern || strings.HasPrefix(rel, strings.TrimSuffix(pattern, "/")+"/") {
			return true, ""
		}
	}
	return false, fmt.Sprintf("denied path %q: not in allowed paths", rel)
}

// ValidatePlanFiles applies the policy to every file a submitted plan
// intends to touch. The first violation rejects the plan.
func (p *Policy) ValidatePlanFiles(paths []string, estimatedLines int) error {
	if p.maxLines > 0 && estimatedLines > p.maxLines {
		return fmt.Errorf("plan estimates %d lines, over the %d line limit", estimatedLines, p.maxLines)
	}
	for _, path := range paths {
		if ok, reason := p.IsFileAllowed(path); !ok {
			return fmt.Errorf("plan rejected: %s", reason)
		}
	}
	return nil
}
