// Package gitops serializes git operations on the main repository and
// manages per-ticket worktrees, milestone branches, and pushes.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// defaultTimeout bounds each git invocation.
const defaultTimeout = 10 * time.Second

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct {
	Timeout time.Duration
}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Controller handles worktrees, branches, and pushes. Main-repo calls
// run under the session git mutex because index state is not
// concurrent-safe; per-worktree calls after creation are safe in
// parallel.
type Controller struct {
	mu            sync.Mutex
	git           GitRunner
	repoDir       string
	worktreeBase  string
	defaultBranch string
	allowedRemote string
}

// NewController builds a controller for the repo. Worktrees go under
// <repoDir>/.promptwheel/worktrees.
func NewController(git GitRunner, repoDir string) *Controller {
	return &Controller{
		git:           git,
		repoDir:       repoDir,
		worktreeBase:  filepath.Join(repoDir, ".promptwheel", "worktrees"),
		defaultBranch: "main",
		allowedRemote: "origin",
	}
}

// SetDefaultBranch overrides the integration branch, default "main".
func (c *Controller) SetDefaultBranch(branch string) { c.defaultBranch = branch }

// SetAllowedRemote overrides the push-safety remote, default "origin".
func (c *Controller) SetAllowedRemote(remote string) { c.allowedRemote = remote }

// Worktree is the result of creating a ticket worktree.
type Worktree struct {
	TicketID string
	Path     string
	Branch   string
}

// BranchName derives the ticket branch from the id and title.
func BranchName(ticketID, title string) string {
	return sanitizeBranch("promptwheel/" + ticketID + "-" + title)
}

// CreateWorktree creates a worktree and branch for a ticket, branching
// from the remote default branch so local lag does not leak in.
func (c *Controller) CreateWorktree(ctx context.Context, ticketID, title string) (*Worktree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	branch := BranchName(ticketID, title)
	path := filepath.Join(c.worktreeBase, ticketID)

	// Best-effort fetch so the branch starts from up-to-date upstream.
	c.git.Run(ctx, c.repoDir, "fetch", c.allowedRemote, c.defaultBranch)

	base := c.allowedRemote + "/" + c.defaultBranch
	_, err := c.git.Run(ctx, c.repoDir, "worktree", "add", path, "-b", branch, base)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			if _, err = c.git.Run(ctx, c.repoDir, "worktree", "add", path, branch); err != nil {
				return nil, fmt.Errorf("create worktree: %w", err)
			}
		} else {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	}
	return &Worktree{TicketID: ticketID, Path: path, Branch: branch}, nil
}

// RemoveWorktree removes a ticket's worktree and optionally its branch.
// Uncommitted work blocks removal unless force is set.
func (c *Controller) RemoveWorktree(ctx context.Context, ticketID string, deleteBranch, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.worktreeBase, ticketID)

	var branch string
	if deleteBranch {
		if out, err := c.git.Run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			branch = out
		}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := c.git.Run(ctx, c.repoDir, args...); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}

	if deleteBranch && branch != "" && branch != c.defaultBranch && branch != "master" {
		if _, err := c.git.Run(ctx, c.repoDir, "branch", "-D", branch); err != nil {
			return fmt.Errorf("delete branch %q: %w", branch, err)
		}
	}
	return nil
}

// WorktreePath returns where a ticket's worktree lives.
func (c *Controller) WorktreePath(ticketID string) string {
	return filepath.Join(c.worktreeBase, ticketID)
}

// Commit stages everything in dir and commits. No-op when the tree is
// clean.
func (c *Controller) Commit(ctx context.Context, dir, message string) error {
	dirty, err := c.HasChanges(ctx, dir)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if _, err := c.git.Run(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if _, err := c.git.Run(ctx, dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// HasChanges reports whether dir has staged or unstaged changes.
func (c *Controller) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := c.git.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return out != "", nil
}

// Push pushes a branch to the allowed remote, retrying once on a
// network flake. The push-safety gate rejects any other remote and the
// default branch itself.
func (c *Controller) Push(ctx context.Context, dir, remote, branch string) error {
	if remote != c.allowedRemote {
		return fmt.Errorf("push rejected: remote %q is not the allowed remote %q", remote, c.allowedRemote)
	}
	if branch == c.defaultBranch || branch == "master" {
		return fmt.Errorf("push rejected: refusing to push protected branch %q", branch)
	}
	_, err := c.git.Run(ctx, dir, "push", "-u", remote, branch)
	if err != nil && isNetworkFlake(err) {
		_, err = c.git.Run(ctx, dir, "push", "-u", remote, branch)
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

func isNetworkFlake(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"could not resolve host", "connection reset", "connection timed out", "early eof", "remote hung up"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// MergeIntoMilestone merges a ticket branch into the milestone branch,
// creating the milestone from the default branch on first use.
func (c *Controller) MergeIntoMilestone(ctx context.Context, milestone, ticketBranch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.git.Run(ctx, c.repoDir, "rev-parse", "--verify", milestone); err != nil {
		if _, err := c.git.Run(ctx, c.repoDir, "branch", milestone, c.defaultBranch); err != nil {
			return fmt.Errorf("create milestone branch %q: %w", milestone, err)
		}
	}
	if _, err := c.git.Run(ctx, c.repoDir, "checkout", milestone); err != nil {
		return fmt.Errorf("checkout milestone: %w", err)
	}
	if _, err := c.git.Run(ctx, c.repoDir, "merge", "--no-ff", ticketBranch); err != nil {
		c.git.Run(ctx, c.repoDir, "merge", "--abort")
		return fmt.Errorf("merge %s into %s: %w", ticketBranch, milestone, err)
	}
	return nil
}

// CommitDirect commits in place on the current branch for direct mode.
func (c *Controller) CommitDirect(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Commit(ctx, c.repoDir, message)
}

// CurrentBranch returns the checked-out branch of dir.
func (c *Controller) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return c.git.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// DiffStats summarizes a working tree diff against HEAD.
type DiffStats struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// Diff returns the unified diff of dir against HEAD.
func (c *Controller) Diff(ctx context.Context, dir string) (string, error) {
	return c.git.Run(ctx, dir, "diff", "HEAD")
}

var shortstatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// Stats parses git diff --shortstat for dir against HEAD.
func (c *Controller) Stats(ctx context.Context, dir string) (DiffStats, error) {
	out, err := c.git.Run(ctx, dir, "diff", "--shortstat", "HEAD")
	if err != nil {
		return DiffStats{}, err
	}
	return parseShortstat(out), nil
}

func parseShortstat(out string) DiffStats {
	m := shortstatRe.FindStringSubmatch(out)
	if m == nil {
		return DiffStats{}
	}
	var s DiffStats
	s.FilesChanged, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		s.Insertions, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		s.Deletions, _ = strconv.Atoi(m[3])
	}
	return s
}

// ListTracked returns git-tracked paths under dir, used by the sector
// indexer.
func (c *Controller) ListTracked(ctx context.Context, dir string) ([]string, error) {
	out, err := c.git.Run(ctx, dir, "ls-files")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitsSince counts commits on the default branch since a timestamp,
// for the daemon's wake trigger.
func (c *Controller) CommitsSince(ctx context.Context, since time.Time) (int, error) {
	out, err := c.git.Run(ctx, c.repoDir, "log", "--since", since.Format(time.RFC3339), "--oneline")
	if err != nil {
		return 0, err
	}
	if out == "" {
		return 0, nil
	}
	return len(strings.Split(out, "\n")), nil
}

var nonBranchChars = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

func sanitizeBranch(name string) string {
	s := nonBranchChars.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
