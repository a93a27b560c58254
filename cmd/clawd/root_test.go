package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clawd/internal/locking"
	"clawd/internal/state"
)

// hermeticEnv keeps the developer's real config and environment out of CLI
// tests. Empty CLAWD_ values are ignored by the loader, which is exactly
// what we want for neutralizing leaked ones.
func hermeticEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		"CLAWD_CONFIG", "CLAWD_STATE_DIR", "CLAWD_TRACKER_TOKEN",
		"CLAWD_LISTEN_ADDR", "CLAWD_WEBHOOK_URL", "CLAWD_LOG_LEVEL",
		"LINEAR_API_KEY", "LINEAR_API_TOKEN", "OPENAI_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func seedStore(t *testing.T, dir string) *state.Store {
	t.Helper()
	return state.NewStore(filepath.Join(dir, "linear-dispatch-state.json"), locking.NewManager(nil), nil)
}

func TestRootCommandSubcommands(t *testing.T) {
	root := NewRootCommand()
	want := map[string]bool{"serve": false, "doctor": false, "state": false, "webhook": false, "version": false}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "clawd "+Version) {
		t.Fatalf("version output %q missing %q", out, Version)
	}
}

func TestStateListEmpty(t *testing.T) {
	hermeticEnv(t)
	out, err := runCommand(t, "state", "list", "--state-dir", t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No dispatches.") {
		t.Fatalf("expected empty message, got %q", out)
	}
}

func TestStateListShowsActiveAndCompleted(t *testing.T) {
	hermeticEnv(t)
	dir := t.TempDir()
	store := seedStore(t, dir)
	ctx := context.Background()
	if err := store.RegisterDispatch(ctx, &state.ActiveDispatch{
		IssueID:    "uuid-7",
		Identifier: "ENG-7",
		Title:      "Fix login redirect",
		Tier:       state.TierMedium,
		Status:     state.StatusWorking,
		Attempt:    1,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.CompleteDispatch(ctx, "ENG-5", state.CompletedDispatch{
		Identifier:    "ENG-5",
		Tier:          state.TierSmall,
		Status:        state.StatusDone,
		CompletedAt:   time.Now().Add(-time.Hour),
		PRUrl:         "https://github.example/org/app/pull/5",
		TotalAttempts: 1,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err := runCommand(t, "state", "list", "--state-dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"ENG-7", "working", "Fix login redirect", "ENG-5", "pull/5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestStateShowActiveDispatch(t *testing.T) {
	hermeticEnv(t)
	dir := t.TempDir()
	store := seedStore(t, dir)
	if err := store.RegisterDispatch(context.Background(), &state.ActiveDispatch{
		IssueID:      "uuid-7",
		Identifier:   "ENG-7",
		Title:        "Fix login redirect",
		Tier:         state.TierMedium,
		Status:       state.StatusWorking,
		Attempt:      2,
		Branch:       "clawd/eng-7",
		WorktreePath: "/tmp/worktrees/eng-7",
		PendingGaps:  []string{"missing regression test"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Lower case on purpose: identifiers are normalized before lookup.
	out, err := runCommand(t, "state", "show", "eng-7", "--state-dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"ENG-7", "Fix login redirect", "clawd/eng-7", "Pending gaps", "missing regression test"} {
		if !strings.Contains(out, want) {
			t.Fatalf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestStateShowUnknownDispatch(t *testing.T) {
	hermeticEnv(t)
	_, err := runCommand(t, "state", "show", "ENG-404", "--state-dir", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no dispatch") {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestStateRemoveYes(t *testing.T) {
	hermeticEnv(t)
	dir := t.TempDir()
	store := seedStore(t, dir)
	ctx := context.Background()
	if err := store.RegisterDispatch(ctx, &state.ActiveDispatch{
		IssueID:    "uuid-9",
		Identifier: "ENG-9",
		Status:     state.StatusWorking,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := runCommand(t, "state", "remove", "eng-9", "--yes", "--state-dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Removed ENG-9.") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, ok, err := store.GetActiveDispatch(ctx, "ENG-9"); err != nil || ok {
		t.Fatalf("dispatch still present (ok=%v err=%v)", ok, err)
	}
}

func TestStateRemoveUnknown(t *testing.T) {
	hermeticEnv(t)
	_, err := runCommand(t, "state", "remove", "ENG-404", "--yes", "--state-dir", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "no active dispatch") {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestStatePrune(t *testing.T) {
	hermeticEnv(t)
	dir := t.TempDir()
	store := seedStore(t, dir)
	if err := store.CompleteDispatch(context.Background(), "ENG-1", state.CompletedDispatch{
		Identifier:  "ENG-1",
		Status:      state.StatusDone,
		CompletedAt: time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err := runCommand(t, "state", "prune", "--older-than", "24", "--state-dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Pruned 1 completed dispatch(es)") {
		t.Fatalf("unexpected output %q", out)
	}
}
