package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clawd/internal/locking"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch-state.json")
	return NewStore(path, locking.NewManager(nil), nil, opts...)
}

func registerWorking(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.RegisterDispatch(context.Background(), &ActiveDispatch{
		IssueID:    "uuid-" + id,
		Identifier: id,
		Tier:       TierMedium,
		Status:     StatusDispatched,
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if _, err := s.Transition(context.Background(), id, StatusDispatched, StatusWorking,
		WithWorkerSessionKey("worker-"+id)); err != nil {
		t.Fatalf("dispatched->working %s: %v", id, err)
	}
}

// --- Read / persistence ---

func TestRead_MissingFileReturnsEmptyState(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.Dispatches.Active) != 0 || len(st.Dispatches.Completed) != 0 {
		t.Fatal("expected empty state for missing file")
	}
	if st.Version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, st.Version)
	}
}

func TestWrite_PersistsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch-state.json")
	locks := locking.NewManager(nil)

	first := NewStore(path, locks, nil)
	if err := first.RegisterDispatch(context.Background(), &ActiveDispatch{
		Identifier: "CLW-1", Tier: TierSmall,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	second := NewStore(path, locks, nil)
	d, ok, err := second.GetActiveDispatch(context.Background(), "CLW-1")
	if err != nil || !ok {
		t.Fatalf("expected dispatch visible to second store, ok=%v err=%v", ok, err)
	}
	if d.Status != StatusDispatched {
		t.Fatalf("expected default status dispatched, got %q", d.Status)
	}
	if d.DispatchedAt.IsZero() {
		t.Fatal("expected DispatchedAt backfilled")
	}
}

func TestWrite_LeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.RegisterDispatch(context.Background(), &ActiveDispatch{Identifier: "CLW-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp file cleaned up, got %v", err)
	}
}

// --- RegisterDispatch ---

func TestRegisterDispatch_RejectsDuplicateActive(t *testing.T) {
	s := newTestStore(t)
	if err := s.RegisterDispatch(context.Background(), &ActiveDispatch{Identifier: "CLW-1"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := s.RegisterDispatch(context.Background(), &ActiveDispatch{Identifier: "CLW-1"}); err == nil {
		t.Fatal("expected error registering over active dispatch")
	}
}

func TestRegisterDispatch_RequiresIdentifier(t *testing.T) {
	s := newTestStore(t)
	if err := s.RegisterDispatch(context.Background(), &ActiveDispatch{}); err == nil {
		t.Fatal("expected error for blank identifier")
	}
}

func TestRegisterDispatch_DropsStaleCompletedRecord(t *testing.T) {
	s := newTestStore(t)
	if err := s.CompleteDispatch(context.Background(), "CLW-1", CompletedDispatch{
		Identifier: "CLW-1", Status: StatusDone,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.RegisterDispatch(context.Background(), &ActiveDispatch{Identifier: "CLW-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	st, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, exists := st.Dispatches.Completed["CLW-1"]; exists {
		t.Fatal("expected stale completed record dropped on re-dispatch")
	}
	if _, exists := st.Dispatches.Active["CLW-1"]; !exists {
		t.Fatal("expected active dispatch present")
	}
}

// --- Transition ---

func TestTransition_HappyPathLifecycle(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")

	d, err := s.Transition(context.Background(), "CLW-1", StatusWorking, StatusAuditing,
		WithAuditSessionKey("audit-1"))
	if err != nil {
		t.Fatalf("working->auditing: %v", err)
	}
	if d.Status != StatusAuditing || d.AuditSessionKey != "audit-1" {
		t.Fatalf("unexpected dispatch after audit transition: %+v", d)
	}

	d, err = s.Transition(context.Background(), "CLW-1", StatusAuditing, StatusDone)
	if err != nil {
		t.Fatalf("auditing->done: %v", err)
	}
	if d.Status != StatusDone {
		t.Fatalf("expected done, got %q", d.Status)
	}
}

func TestTransition_MissingDispatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Transition(context.Background(), "CLW-404", StatusDispatched, StatusWorking)
	terr, ok := AsTransitionError(err)
	if !ok || terr.Code != TransitionMissing {
		t.Fatalf("expected missing transition error, got %v", err)
	}
}

func TestTransition_StaleState(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")

	// A second handler still believing the dispatch is freshly dispatched.
	_, err := s.Transition(context.Background(), "CLW-1", StatusDispatched, StatusWorking)
	terr, ok := AsTransitionError(err)
	if !ok || terr.Code != TransitionStale {
		t.Fatalf("expected stale transition error, got %v", err)
	}
	if terr.Observed != StatusWorking {
		t.Fatalf("expected observed working, got %q", terr.Observed)
	}
}

func TestTransition_InvalidEdgeRejectedUpfront(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Transition(context.Background(), "CLW-1", StatusDispatched, StatusDone)
	terr, ok := AsTransitionError(err)
	if !ok || terr.Code != TransitionInvalid {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
}

func TestTransition_TerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusDone, StatusFailed, StatusStuck} {
		for _, to := range []Status{StatusDispatched, StatusWorking, StatusAuditing, StatusDone, StatusFailed, StatusStuck} {
			if CanTransition(from, to) {
				t.Fatalf("expected no exit from terminal %s, but %s -> %s allowed", from, from, to)
			}
		}
	}
}

func TestTransition_StuckRequiresReason(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")

	if _, err := s.Transition(context.Background(), "CLW-1", StatusWorking, StatusStuck); err == nil {
		t.Fatal("expected error for stuck transition without reason")
	}

	d, err := s.Transition(context.Background(), "CLW-1", StatusWorking, StatusStuck,
		WithStuckReason(StuckReasonWatchdog))
	if err != nil {
		t.Fatalf("working->stuck: %v", err)
	}
	if d.StuckReason != StuckReasonWatchdog {
		t.Fatalf("expected stuck reason recorded, got %q", d.StuckReason)
	}
}

func TestTransition_NonStuckClearsReason(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")
	if _, err := s.Transition(context.Background(), "CLW-1", StatusWorking, StatusAuditing); err != nil {
		t.Fatalf("working->auditing: %v", err)
	}

	// Rework: reason must never survive on a non-stuck dispatch.
	d, err := s.Transition(context.Background(), "CLW-1", StatusAuditing, StatusWorking,
		WithAttempt(2),
		WithWorkerSessionKey(""),
		WithAuditSessionKey(""),
		WithPendingGaps([]string{"missing tests for parser"}),
	)
	if err != nil {
		t.Fatalf("auditing->working rework: %v", err)
	}
	if d.StuckReason != "" {
		t.Fatalf("expected empty stuck reason, got %q", d.StuckReason)
	}
	if d.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", d.Attempt)
	}
	if d.WorkerSessionKey != "" || d.AuditSessionKey != "" {
		t.Fatalf("expected session keys cleared, got worker=%q audit=%q", d.WorkerSessionKey, d.AuditSessionKey)
	}
	if len(d.PendingGaps) != 1 {
		t.Fatalf("expected pending gaps parked, got %v", d.PendingGaps)
	}
}

func TestTransition_FailedLoserLosesToDoneWinner(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")
	if _, err := s.Transition(context.Background(), "CLW-1", StatusWorking, StatusAuditing); err != nil {
		t.Fatalf("working->auditing: %v", err)
	}
	if _, err := s.Transition(context.Background(), "CLW-1", StatusAuditing, StatusDone); err != nil {
		t.Fatalf("auditing->done: %v", err)
	}

	// The watchdog raced the verdict handler and lost.
	_, err := s.Transition(context.Background(), "CLW-1", StatusAuditing, StatusStuck,
		WithStuckReason(StuckReasonWatchdog))
	terr, ok := AsTransitionError(err)
	if !ok || terr.Code != TransitionStale {
		t.Fatalf("expected stale for watchdog loser, got %v", err)
	}
}

// --- UpdateDispatch ---

func TestUpdateDispatch_SetsFieldsWithoutStatusChange(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")

	d, err := s.UpdateDispatch(context.Background(), "CLW-1",
		WithWorkerSessionKey("worker-retry"),
		WithPendingGaps(nil),
	)
	if err != nil {
		t.Fatalf("update dispatch: %v", err)
	}
	if d.Status != StatusWorking {
		t.Fatalf("expected status unchanged, got %q", d.Status)
	}
	if d.WorkerSessionKey != "worker-retry" {
		t.Fatalf("expected session key replaced, got %q", d.WorkerSessionKey)
	}
	if len(d.PendingGaps) != 0 {
		t.Fatalf("expected pending gaps cleared, got %v", d.PendingGaps)
	}
}

func TestUpdateDispatch_MissingVanishes(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateDispatch(context.Background(), "CLW-404", WithAttempt(1))
	terr, ok := AsTransitionError(err)
	if !ok || terr.Code != TransitionMissing {
		t.Fatalf("expected missing error, got %v", err)
	}
}

// --- CompleteDispatch / RemoveActiveDispatch ---

func TestCompleteDispatch_PurgesSessionMappings(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")
	registerWorking(t, s, "CLW-2")
	ctx := context.Background()

	if err := s.RegisterSessionMapping(ctx, "sess-a", SessionMapping{DispatchID: "CLW-1", Phase: PhaseWorker, Attempt: 1}); err != nil {
		t.Fatalf("map sess-a: %v", err)
	}
	if err := s.RegisterSessionMapping(ctx, "sess-b", SessionMapping{DispatchID: "CLW-1", Phase: PhaseAudit, Attempt: 1}); err != nil {
		t.Fatalf("map sess-b: %v", err)
	}
	if err := s.RegisterSessionMapping(ctx, "sess-c", SessionMapping{DispatchID: "CLW-2", Phase: PhaseWorker, Attempt: 1}); err != nil {
		t.Fatalf("map sess-c: %v", err)
	}

	if err := s.CompleteDispatch(ctx, "CLW-1", CompletedDispatch{Status: StatusDone, PRUrl: "https://example.com/pr/1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	st, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, active := st.Dispatches.Active["CLW-1"]; active {
		t.Fatal("expected CLW-1 removed from active")
	}
	record, ok := st.Dispatches.Completed["CLW-1"]
	if !ok {
		t.Fatal("expected CLW-1 completed record")
	}
	if record.Identifier != "CLW-1" || record.CompletedAt.IsZero() {
		t.Fatalf("expected identifier and completion time backfilled, got %+v", record)
	}
	if _, ok := st.SessionMap["sess-a"]; ok {
		t.Fatal("expected sess-a purged")
	}
	if _, ok := st.SessionMap["sess-b"]; ok {
		t.Fatal("expected sess-b purged")
	}
	if _, ok := st.SessionMap["sess-c"]; !ok {
		t.Fatal("expected unrelated sess-c retained")
	}
}

func TestRemoveActiveDispatch_DropsDispatchAndMappings(t *testing.T) {
	s := newTestStore(t)
	registerWorking(t, s, "CLW-1")
	ctx := context.Background()
	if err := s.RegisterSessionMapping(ctx, "sess-a", SessionMapping{DispatchID: "CLW-1", Phase: PhaseWorker}); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := s.RemoveActiveDispatch(ctx, "CLW-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	st, _ := s.Read(ctx)
	if len(st.Dispatches.Active) != 0 || len(st.SessionMap) != 0 {
		t.Fatal("expected dispatch and mappings removed")
	}
	if len(st.Dispatches.Completed) != 0 {
		t.Fatal("expected no completion record for admin removal")
	}
}

// --- Session mappings ---

func TestGetSessionMapping_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := SessionMapping{DispatchID: "CLW-1", Phase: PhaseAudit, Attempt: 3}
	if err := s.RegisterSessionMapping(ctx, "sess-a", want); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok, err := s.GetSessionMapping(ctx, "sess-a")
	if err != nil || !ok {
		t.Fatalf("expected mapping, ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if err := s.RemoveSessionMapping(ctx, "sess-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, ok, _ = s.GetSessionMapping(ctx, "sess-a")
	if ok {
		t.Fatal("expected mapping removed")
	}
}

func TestRegisterSessionMapping_BlankKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.RegisterSessionMapping(context.Background(), "  ", SessionMapping{DispatchID: "CLW-1"}); err == nil {
		t.Fatal("expected error for blank session key")
	}
}

// --- MarkEventProcessed ---

func TestMarkEventProcessed_FirstWinsSecondDup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, err := s.MarkEventProcessed(ctx, "comment:abc")
	if err != nil || !fresh {
		t.Fatalf("expected first mark fresh, fresh=%v err=%v", fresh, err)
	}
	fresh, err = s.MarkEventProcessed(ctx, "comment:abc")
	if err != nil || fresh {
		t.Fatalf("expected duplicate rejected, fresh=%v err=%v", fresh, err)
	}
}

func TestMarkEventProcessed_FIFOEviction(t *testing.T) {
	s := newTestStore(t, WithMaxProcessedEvents(3))
	ctx := context.Background()

	for _, key := range []string{"e1", "e2", "e3", "e4"} {
		if _, err := s.MarkEventProcessed(ctx, key); err != nil {
			t.Fatalf("mark %s: %v", key, err)
		}
	}

	st, _ := s.Read(ctx)
	if len(st.ProcessedEvents) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(st.ProcessedEvents))
	}
	if st.ProcessedEvents[0] != "e2" || st.ProcessedEvents[2] != "e4" {
		t.Fatalf("expected oldest evicted, got %v", st.ProcessedEvents)
	}

	// Evicted key is treated as new again.
	fresh, err := s.MarkEventProcessed(ctx, "e1")
	if err != nil || !fresh {
		t.Fatalf("expected evicted key fresh again, fresh=%v err=%v", fresh, err)
	}
}

// --- PruneCompleted ---

func TestPruneCompleted_RemovesOnlyOld(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := s.CompleteDispatch(ctx, "CLW-old", CompletedDispatch{
		Identifier: "CLW-old", Status: StatusDone, CompletedAt: now.Add(-40 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	if err := s.CompleteDispatch(ctx, "CLW-new", CompletedDispatch{
		Identifier: "CLW-new", Status: StatusDone, CompletedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("complete new: %v", err)
	}

	removed, err := s.PruneCompleted(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	st, _ := s.Read(ctx)
	if _, ok := st.Dispatches.Completed["CLW-old"]; ok {
		t.Fatal("expected old record pruned")
	}
	if _, ok := st.Dispatches.Completed["CLW-new"]; !ok {
		t.Fatal("expected recent record retained")
	}
}

// --- Listing ---

func TestListActiveDispatches_OldestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"CLW-b", "CLW-a", "CLW-c"} {
		if err := s.RegisterDispatch(ctx, &ActiveDispatch{
			Identifier:   id,
			DispatchedAt: now.Add(time.Duration(2-i) * time.Hour),
		}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	list, err := s.ListActiveDispatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Identifier != "CLW-c" || list[2].Identifier != "CLW-b" {
		ids := make([]string, 0, len(list))
		for _, d := range list {
			ids = append(ids, d.Identifier)
		}
		t.Fatalf("expected oldest first [CLW-c CLW-a CLW-b], got %v", ids)
	}
}

func TestListStaleDispatches_CutoffFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if err := s.RegisterDispatch(ctx, &ActiveDispatch{
		Identifier: "CLW-stale", DispatchedAt: now.Add(-3 * time.Hour),
	}); err != nil {
		t.Fatalf("register stale: %v", err)
	}
	if err := s.RegisterDispatch(ctx, &ActiveDispatch{
		Identifier: "CLW-fresh", DispatchedAt: now.Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("register fresh: %v", err)
	}

	stale, err := s.ListStaleDispatches(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].Identifier != "CLW-stale" {
		t.Fatalf("expected only CLW-stale, got %v", stale)
	}
}

func TestListRecoverableDispatches_WorkerDoneAuditNotStarted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Worker finished, audit never triggered: recoverable.
	registerWorking(t, s, "CLW-1")

	// Audit in flight: not recoverable.
	registerWorking(t, s, "CLW-2")
	if _, err := s.Transition(ctx, "CLW-2", StatusWorking, StatusAuditing, WithAuditSessionKey("audit-2")); err != nil {
		t.Fatalf("transition CLW-2: %v", err)
	}

	// Rework parked (no worker session yet): not audit-recoverable.
	registerWorking(t, s, "CLW-3")
	if _, err := s.UpdateDispatch(ctx, "CLW-3", WithWorkerSessionKey("")); err != nil {
		t.Fatalf("clear CLW-3 session: %v", err)
	}

	recoverable, err := s.ListRecoverableDispatches(ctx)
	if err != nil {
		t.Fatalf("list recoverable: %v", err)
	}
	if len(recoverable) != 1 || recoverable[0].Identifier != "CLW-1" {
		t.Fatalf("expected only CLW-1 recoverable, got %d entries", len(recoverable))
	}

	parked, err := s.ListReworkParked(ctx)
	if err != nil {
		t.Fatalf("list parked: %v", err)
	}
	if len(parked) != 1 || parked[0].Identifier != "CLW-3" {
		t.Fatalf("expected only CLW-3 parked, got %d entries", len(parked))
	}
}

// --- Update escape hatch ---

func TestUpdate_ErrorAbandonsWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerWorking(t, s, "CLW-1")

	boom := errors.New("boom")
	err := s.Update(ctx, func(st *State) error {
		delete(st.Dispatches.Active, "CLW-1")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_, ok, _ := s.GetActiveDispatch(ctx, "CLW-1")
	if !ok {
		t.Fatal("expected failed update to leave state untouched")
	}
}

// --- Projects ---

func TestProjects_PutGetRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &ProjectDispatch{
		ProjectID:     "proj-1",
		ProjectName:   "Checkout revamp",
		Status:        ProjectDispatching,
		MaxConcurrent: 2,
		Issues: map[string]*ProjectIssue{
			"CLW-1": {DependsOn: []string{}, Unblocks: []string{"CLW-2"}, DispatchStatus: IssueDispatched},
			"CLW-2": {DependsOn: []string{"CLW-1"}, Unblocks: []string{}, DispatchStatus: IssuePending},
		},
	}
	if err := s.PutProject(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	p.Issues["CLW-2"].DispatchStatus = IssueStuck

	got, ok, err := s.GetProject(ctx, "proj-1")
	if err != nil || !ok {
		t.Fatalf("expected project, ok=%v err=%v", ok, err)
	}
	if got.Issues["CLW-2"].DispatchStatus != IssuePending {
		t.Fatal("expected stored project isolated from caller mutation")
	}

	if err := s.RemoveProject(ctx, "proj-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, ok, _ = s.GetProject(ctx, "proj-1")
	if ok {
		t.Fatal("expected project removed")
	}
}
