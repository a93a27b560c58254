package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	writeFile(t, filepath.Join(dir, "README.md"), "init")
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v (%s)", strings.Join(args, " "), err, string(out))
	}
}

func TestCreate_NewThenResume(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(nil)

	wt, err := m.Create(context.Background(), repo, "claw/eng-42")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wt.Resumed {
		t.Fatal("first create must not be resumed")
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Fatalf("worktree missing: %v", err)
	}

	again, err := m.Create(context.Background(), repo, "claw/eng-42")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !again.Resumed {
		t.Fatal("second create must resume")
	}
	if again.Path != wt.Path {
		t.Fatalf("paths differ: %s vs %s", again.Path, wt.Path)
	}
}

func TestCreate_ExistingBranchWithoutWorktree(t *testing.T) {
	repo := initRepo(t)
	runGit(t, repo, "branch", "claw/eng-7")
	m := NewManager(nil)

	wt, err := m.Create(context.Background(), repo, "claw/eng-7")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !wt.Resumed {
		t.Fatal("existing branch must mark resumed")
	}
	if wt.Branch != "claw/eng-7" {
		t.Fatalf("unexpected branch %q", wt.Branch)
	}
}

func TestStatus_DetectsChanges(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(nil)

	st, err := m.Status(context.Background(), repo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HasChanges {
		t.Fatal("clean repo must report no changes")
	}
	if st.LastCommit == "" {
		t.Fatal("expected a last commit hash")
	}

	writeFile(t, filepath.Join(repo, "dirty.txt"), "x")
	st, err = m.Status(context.Background(), repo)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.HasChanges {
		t.Fatal("expected changes after writing a file")
	}
}

func TestListAndRemove(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(nil)

	wt, err := m.Create(context.Background(), repo, "claw/eng-9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	entries, err := m.List(context.Background(), repo)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Branch == "claw/eng-9" {
			found = true
		}
	}
	if !found {
		t.Fatalf("worktree not listed: %+v", entries)
	}

	if err := m.Remove(context.Background(), repo, wt.Path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(wt.Path); err == nil {
		t.Fatal("worktree dir should be gone")
	}
}

func TestPrepare_NoRemoteIsNotFatal(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(nil)

	result := m.Prepare(context.Background(), repo)
	if result.Pulled {
		t.Fatal("pull should fail without a remote")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected collected errors")
	}
}

func TestSanitizeBranch(t *testing.T) {
	if got := sanitizeBranch(" claw/fix bug \\x "); got != "claw/fix-bug--x" {
		t.Fatalf("unexpected sanitized branch %q", got)
	}
}
