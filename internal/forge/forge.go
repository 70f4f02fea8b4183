// Package forge wraps the host gh CLI: PR creation, state polling,
// auto-merge, and post-merge branch cleanup.
package forge

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides forge operations through gh.
type Client struct {
	cmd CmdRunner
}

// NewClient creates a forge client.
func NewClient(cmd CmdRunner) *Client {
	return &Client{cmd: cmd}
}

// PR states as reported by the forge.
const (
	StateOpen   = "open"
	StateMerged = "merged"
	StateClosed = "closed"
)

// PRCreateOpts holds options for creating a PR.
type PRCreateOpts struct {
	Title  string
	Body   string
	Branch string
	Base   string
	Draft  bool
}

// PRCreateResult holds the result of creating a PR.
type PRCreateResult struct {
	URL string
}

// CreatePR creates a pull request for an already-pushed branch.
func (c *Client) CreatePR(opts PRCreateOpts) (*PRCreateResult, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Branch}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	out, err := c.cmd.Run(args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return &PRCreateResult{URL: out}, nil
}

// FindPRByBranch checks if a PR already exists for a branch. Returns
// nil when none exists.
func (c *Client) FindPRByBranch(branch string) (*PRCreateResult, error) {
	out, err := c.cmd.Run("pr", "list", "--head", branch, "--json", "url", "--limit", "1", "--state", "all")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}
	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PRCreateResult{URL: prs[0].URL}, nil
}

// PRState polls the current state of a PR by branch, normalized to
// open, merged, or closed.
func (c *Client) PRState(branch string) (string, error) {
	out, err := c.cmd.Run("pr", "view", branch, "--json", "state,mergedAt")
	if err != nil {
		return "", fmt.Errorf("poll PR state: %w", err)
	}
	var pr struct {
		State    string `json:"state"`
		MergedAt string `json:"mergedAt"`
	}
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return "", fmt.Errorf("parse PR view JSON: %w", err)
	}
	switch strings.ToUpper(pr.State) {
	case "MERGED":
		return StateMerged, nil
	case "CLOSED":
		if pr.MergedAt != "" {
			return StateMerged, nil
		}
		return StateClosed, nil
	default:
		return StateOpen, nil
	}
}

// validMergeStrategies is the set of allowed merge strategies.
var validMergeStrategies = map[string]bool{
	"squash": true,
	"merge":  true,
	"rebase": true,
}

// MergePR merges a pull request by branch name and deletes the remote
// branch.
func (c *Client) MergePR(branch, strategy string) error {
	if strategy == "" {
		strategy = "squash"
	}
	if !validMergeStrategies[strategy] {
		return fmt.Errorf("invalid merge strategy %q: must be squash, merge, or rebase", strategy)
	}
	if _, err := c.cmd.Run("pr", "merge", branch, "--"+strategy, "--delete-branch"); err != nil {
		return fmt.Errorf("merge PR: %w", err)
	}
	return nil
}

// EnableAutoMerge arms auto-merge so the forge merges once checks pass.
func (c *Client) EnableAutoMerge(branch, strategy string) error {
	if strategy == "" {
		strategy = "squash"
	}
	if !validMergeStrategies[strategy] {
		return fmt.Errorf("invalid merge strategy %q: must be squash, merge, or rebase", strategy)
	}
	if _, err := c.cmd.Run("pr", "merge", branch, "--auto", "--"+strategy, "--delete-branch"); err != nil {
		return fmt.Errorf("enable auto-merge: %w", err)
	}
	return nil
}

// DeleteRemoteBranch removes a branch on the forge after merge.
func (c *Client) DeleteRemoteBranch(branch string) error {
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	if _, err := c.cmd.Run("api", "-X", "DELETE", "repos/{owner}/{repo}/git/refs/heads/"+branch); err != nil {
		return fmt.Errorf("delete remote branch %q: %w", branch, err)
	}
	return nil
}
