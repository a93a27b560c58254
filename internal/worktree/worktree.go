// Package worktree manages per-dispatch git worktrees and pull requests by
// shelling out to git and gh. Every dispatch works in its own checkout so
// parallel dispatches never trample each other.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"clawd/internal/logging"
)

// Worktree describes one allocated checkout.
type Worktree struct {
	Path    string
	Branch  string
	Resumed bool // an earlier attempt left the worktree or branch behind
}

// PrepareResult reports workspace preparation. Failures are collected, not
// fatal: a worktree that cannot pull is still usable.
type PrepareResult struct {
	Pulled                bool
	SubmodulesInitialized bool
	Errors                []string
}

// Status is a snapshot of a worktree's git state.
type Status struct {
	LastCommit string
	HasChanges bool
}

// Entry is one row of the worktree listing.
type Entry struct {
	Path   string
	Branch string
	Head   string
}

// Manager runs git and gh against per-dispatch worktrees.
type Manager struct {
	logger logging.Logger
	mu     sync.Mutex
}

func NewManager(logger logging.Logger) *Manager {
	return &Manager{logger: logging.OrNop(logger)}
}

// worktreesSubdir is where worktrees live inside the base checkout.
func worktreesSubdir(repo string) string {
	return filepath.Join(repo, ".claw", "worktrees")
}

// Create allocates a worktree for branch under the base repo. When a prior
// attempt already created the worktree or the branch, the existing one is
// reused and Resumed is set.
func (m *Manager) Create(ctx context.Context, repo, branch string) (Worktree, error) {
	branch = sanitizeBranch(branch)
	if branch == "" {
		return Worktree{}, fmt.Errorf("branch is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(worktreesSubdir(repo), strings.ReplaceAll(branch, "/", "-"))

	// Stale registrations from removed directories block re-adding.
	_ = m.git(ctx, repo, "worktree", "prune")

	if _, err := os.Stat(path); err == nil {
		m.logger.Info("Reusing existing worktree %s", path)
		return Worktree{Path: path, Branch: branch, Resumed: true}, nil
	}
	if err := os.MkdirAll(worktreesSubdir(repo), 0o755); err != nil {
		return Worktree{}, fmt.Errorf("create worktrees dir: %w", err)
	}

	if err := m.git(ctx, repo, "worktree", "add", path, "-b", branch); err == nil {
		return Worktree{Path: path, Branch: branch}, nil
	} else if !strings.Contains(err.Error(), "already exists") {
		return Worktree{}, err
	}

	// Branch survives from an earlier attempt; check it out instead.
	if err := m.git(ctx, repo, "worktree", "add", path, branch); err != nil {
		return Worktree{}, err
	}
	return Worktree{Path: path, Branch: branch, Resumed: true}, nil
}

// Prepare refreshes the checkout: fast-forward pull and submodule init.
// Both are best-effort.
func (m *Manager) Prepare(ctx context.Context, path string) PrepareResult {
	var result PrepareResult
	if err := m.git(ctx, path, "pull", "--ff-only"); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("pull: %v", err))
	} else {
		result.Pulled = true
	}
	if _, err := os.Stat(filepath.Join(path, ".gitmodules")); err == nil {
		if err := m.git(ctx, path, "submodule", "update", "--init", "--recursive"); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("submodules: %v", err))
		} else {
			result.SubmodulesInitialized = true
		}
	}
	for _, e := range result.Errors {
		m.logger.Warn("Workspace prepare (%s): %s", path, e)
	}
	return result
}

// Status reports the latest commit and whether uncommitted changes exist.
func (m *Manager) Status(ctx context.Context, path string) (Status, error) {
	var st Status
	if out, err := m.gitOutput(ctx, path, "log", "-1", "--format=%H"); err == nil {
		st.LastCommit = strings.TrimSpace(out)
	}
	out, err := m.gitOutput(ctx, path, "status", "--porcelain")
	if err != nil {
		return st, err
	}
	st.HasChanges = strings.TrimSpace(out) != ""
	return st, nil
}

// CreatePullRequest pushes the current branch and opens a PR via gh,
// returning the PR URL. An existing PR for the branch is reused.
func (m *Manager) CreatePullRequest(ctx context.Context, path, title, body string) (string, error) {
	if err := m.git(ctx, path, "push", "-u", "origin", "HEAD"); err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}
	out, err := m.run(ctx, path, "gh", "pr", "create", "--title", title, "--body", body)
	if err == nil {
		return lastLine(out), nil
	}
	if strings.Contains(err.Error(), "already exists") {
		out, viewErr := m.run(ctx, path, "gh", "pr", "view", "--json", "url", "--jq", ".url")
		if viewErr != nil {
			return "", fmt.Errorf("pr exists but view failed: %w", viewErr)
		}
		return lastLine(out), nil
	}
	return "", fmt.Errorf("create pr: %w", err)
}

// List parses `git worktree list --porcelain` into entries.
func (m *Manager) List(ctx context.Context, repo string) ([]Entry, error) {
	out, err := m.gitOutput(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []Entry
	var current Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				entries = append(entries, current)
			}
			current = Entry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current.Path != "" {
		entries = append(entries, current)
	}
	return entries, nil
}

// Remove drops a worktree and prunes stale registrations. The branch is
// kept; audits and PRs may still reference it.
func (m *Manager) Remove(ctx context.Context, repo, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.git(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_ = m.git(ctx, repo, "worktree", "prune")
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	_, err := m.gitOutput(ctx, dir, args...)
	return err
}

func (m *Manager) gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run(ctx, dir, "git", args...)
}

func (m *Manager) run(ctx context.Context, dir, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func sanitizeBranch(branch string) string {
	branch = strings.TrimSpace(branch)
	branch = strings.ReplaceAll(branch, " ", "-")
	branch = strings.ReplaceAll(branch, "\\", "-")
	return branch
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
