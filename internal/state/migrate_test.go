package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clawd/internal/locking"
)

func writeStateFile(t *testing.T, body string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch-state.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return NewStore(path, locking.NewManager(nil), nil)
}

// --- Legacy layouts ---

func TestMigrate_V0FlatLayout(t *testing.T) {
	s := writeStateFile(t, `{
  "activeDispatches": {
    "CLW-1": {"issueIdentifier": "CLW-1", "status": "working", "tier": "junior", "attempt": 1}
  },
  "completedDispatches": {
    "CLW-0": {"issueIdentifier": "CLW-0", "status": "done", "tier": "senior"}
  },
  "sessionMap": {
    "sess-a": {"dispatchId": "CLW-1", "phase": "worker", "attempt": 1}
  },
  "processedEvents": ["comment:1"]
}`)

	st, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if st.Version != CurrentVersion {
		t.Fatalf("expected upgraded version %d, got %d", CurrentVersion, st.Version)
	}
	d, ok := st.Dispatches.Active["CLW-1"]
	if !ok {
		t.Fatal("expected active dispatch carried over")
	}
	if d.Tier != TierSmall {
		t.Fatalf("expected junior renamed to small, got %q", d.Tier)
	}
	if st.Dispatches.Completed["CLW-0"].Tier != TierHigh {
		t.Fatalf("expected senior renamed to high, got %q", st.Dispatches.Completed["CLW-0"].Tier)
	}
	if st.SessionMap["sess-a"].DispatchID != "CLW-1" {
		t.Fatal("expected session map carried over")
	}
	if len(st.ProcessedEvents) != 1 {
		t.Fatal("expected processed events carried over")
	}
}

func TestMigrate_V1TierRename(t *testing.T) {
	s := writeStateFile(t, `{
  "version": 1,
  "dispatches": {
    "active": {
      "CLW-1": {"issueIdentifier": "CLW-1", "status": "dispatched", "tier": "medior"}
    },
    "completed": {}
  }
}`)

	st, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if st.Dispatches.Active["CLW-1"].Tier != TierMedium {
		t.Fatalf("expected medior renamed to medium, got %q", st.Dispatches.Active["CLW-1"].Tier)
	}
}

func TestMigrate_CurrentVersionPassthrough(t *testing.T) {
	s := writeStateFile(t, `{
  "version": 2,
  "dispatches": {
    "active": {
      "CLW-1": {"issueIdentifier": "CLW-1", "status": "auditing", "tier": "high", "attempt": 2}
    },
    "completed": {}
  },
  "sessionMap": {},
  "processedEvents": []
}`)

	st, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	d := st.Dispatches.Active["CLW-1"]
	if d.Tier != TierHigh || d.Status != StatusAuditing || d.Attempt != 2 {
		t.Fatalf("expected passthrough, got %+v", d)
	}
}

func TestMigrate_NextWritePersistsUpgrade(t *testing.T) {
	s := writeStateFile(t, `{
  "activeDispatches": {
    "CLW-1": {"issueIdentifier": "CLW-1", "status": "working", "tier": "junior"}
  }
}`)
	ctx := context.Background()

	// Any mutation rewrites the file at the current schema.
	if _, err := s.MarkEventProcessed(ctx, "comment:1"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if !strings.Contains(string(raw), `"version": 2`) {
		t.Fatalf("expected version 2 persisted, got:\n%s", raw)
	}
	if strings.Contains(string(raw), "activeDispatches") {
		t.Fatal("expected legacy top-level key gone after rewrite")
	}
	if !strings.Contains(string(raw), `"small"`) {
		t.Fatal("expected renamed tier persisted")
	}
}

// --- Unknown and corrupt files ---

func TestMigrate_FutureVersionRefused(t *testing.T) {
	s := writeStateFile(t, `{"version": 3, "dispatches": {"active": {}, "completed": {}}}`)

	_, err := s.Read(context.Background())
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}

	// Refusal must not destroy the file.
	if _, statErr := os.Stat(s.Path()); statErr != nil {
		t.Fatalf("expected future-version file untouched: %v", statErr)
	}
}

func TestRead_CorruptFileQuarantined(t *testing.T) {
	s := writeStateFile(t, `{"version": 2, "dispatches": {truncated`)

	st, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("expected corrupt read to degrade to empty state, got %v", err)
	}
	if len(st.Dispatches.Active) != 0 {
		t.Fatal("expected empty state after quarantine")
	}

	if _, statErr := os.Stat(s.Path()); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("expected original file moved aside")
	}
	matches, globErr := filepath.Glob(s.Path() + ".corrupted.*")
	if globErr != nil || len(matches) != 1 {
		t.Fatalf("expected one quarantine file, got %v (err %v)", matches, globErr)
	}
}

func TestRead_QuarantineThenFreshWrites(t *testing.T) {
	s := writeStateFile(t, `not json at all`)
	ctx := context.Background()

	if err := s.RegisterDispatch(ctx, &ActiveDispatch{Identifier: "CLW-1"}); err != nil {
		t.Fatalf("register after quarantine: %v", err)
	}
	d, ok, err := s.GetActiveDispatch(ctx, "CLW-1")
	if err != nil || !ok {
		t.Fatalf("expected fresh state usable, ok=%v err=%v", ok, err)
	}
	if d.Status != StatusDispatched {
		t.Fatalf("unexpected status %q", d.Status)
	}
}
