package webhook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clawd/internal/agentrun"
	"clawd/internal/config"
	"clawd/internal/dag"
	"clawd/internal/intent"
	"clawd/internal/locking"
	"clawd/internal/pipeline"
	"clawd/internal/planning"
	"clawd/internal/profiles"
	"clawd/internal/prompts"
	jsonx "clawd/internal/shared/json"
	"clawd/internal/state"
	"clawd/internal/tracker"
	"clawd/internal/worktree"
)

type runStep struct {
	result agentrun.RunResult
	err    error
}

// scriptedRunner pops one scripted step per Run call and records every
// request it saw.
type scriptedRunner struct {
	mu       sync.Mutex
	steps    []runStep
	requests []agentrun.RunRequest
}

func (r *scriptedRunner) Run(_ context.Context, req agentrun.RunRequest) (agentrun.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.steps) == 0 {
		return agentrun.RunResult{}, errors.New("runner script exhausted")
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	return step.result, step.err
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fakeWorktrees struct {
	base string
}

func (f *fakeWorktrees) Create(_ context.Context, _ string, branch string) (worktree.Worktree, error) {
	path := filepath.Join(f.base, strings.ReplaceAll(branch, "/", "-"))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return worktree.Worktree{}, err
	}
	return worktree.Worktree{Path: path, Branch: branch}, nil
}

func (f *fakeWorktrees) Prepare(_ context.Context, _ string) worktree.PrepareResult {
	return worktree.PrepareResult{}
}

func (f *fakeWorktrees) Status(_ context.Context, _ string) (worktree.Status, error) {
	return worktree.Status{LastCommit: "abc1234"}, nil
}

func (f *fakeWorktrees) CreatePullRequest(_ context.Context, _, _, _ string) (string, error) {
	return "https://github.com/acme/app/pull/9", nil
}

type testRig struct {
	router   *Router
	engine   *pipeline.Engine
	store    *state.Store
	tracker  *tracker.Fake
	runner   *scriptedRunner
	intents  *intent.Classifier
	profiles *profiles.Store
}

func newTestRouter(t *testing.T, steps ...runStep) *testRig {
	t.Helper()

	locks := locking.NewManager(nil)
	store := state.NewStore(filepath.Join(t.TempDir(), "dispatch-state.json"), locks, nil)
	fake := tracker.NewFake()
	runner := &scriptedRunner{steps: steps}
	promptCache := prompts.NewCache("", 0, nil)

	profs := profiles.NewStore(filepath.Join(t.TempDir(), "agent-profiles.json"), nil)
	if err := profs.Save([]profiles.Profile{{AgentID: "claude", Alias: "clawd", Backend: "claude"}}); err != nil {
		t.Fatalf("save profiles: %v", err)
	}

	controller := dag.NewController(store, nil, nil)
	engine, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Runner:    runner,
		Tracker:   fake,
		Worktrees: &fakeWorktrees{base: t.TempDir()},
		Prompts:   promptCache,
		Profiles:  profs,
		DAG:       controller,
	}, pipeline.Options{
		DefaultAgentID: "claude",
		Teams: map[string]config.TeamMapping{
			"ENG": {Repo: "app", DefaultTier: "medium", Models: map[string]string{"medium": "claude-sonnet"}},
		},
		Repos: map[string]config.RepoConfig{
			"app": {Path: "/repos/app", BaseBranch: "main"},
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	planStore := planning.NewStore(filepath.Join(t.TempDir(), "planning-state.json"), locks, nil)
	planner := planning.NewManager(planStore, controller, 2, nil)
	intents := intent.NewClassifier(nil, promptCache, 0, nil)

	router, err := NewRouter(Deps{
		Engine:   engine,
		Store:    store,
		Tracker:  fake,
		Intents:  intents,
		Profiles: profs,
		Planning: planner,
		Triage:   NewTriage(nil, promptCache, fake, engine, "claude", nil),
	}, Options{DefaultAgentID: "claude"})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &testRig{
		router:   router,
		engine:   engine,
		store:    store,
		tracker:  fake,
		runner:   runner,
		intents:  intents,
		profiles: profs,
	}
}

func seedIssue(rig *testRig, identifier string) *tracker.Issue {
	issue := &tracker.Issue{
		ID:          "uuid-" + identifier,
		Identifier:  identifier,
		Title:       "Fix login redirect",
		Description: "Users land on a 404 after logging in.",
		Team: tracker.Team{
			ID: "team-eng", Key: "ENG", Name: "Engineering",
			IssueEstimationType: "points",
		},
	}
	rig.tracker.SeedIssue(issue)
	rig.tracker.States["team-eng"] = []tracker.WorkflowState{
		{ID: "st-progress", Name: "In Progress", Type: tracker.StateTypeStarted},
		{ID: "st-review", Name: "In Review", Type: tracker.StateTypeStarted},
		{ID: "st-done", Name: "Done", Type: tracker.StateTypeCompleted},
	}
	return issue
}

func workerOK() runStep {
	return runStep{result: agentrun.RunResult{
		Success:  true,
		Output:   "Implemented the fix and added a regression test.",
		Duration: 2 * time.Second,
	}}
}

func auditPass() runStep {
	return runStep{result: agentrun.RunResult{
		Success: true,
		Output:  `{"pass": true, "criteria": ["redirect fixed"], "gaps": [], "summary": "Clean fix."}`,
	}}
}

func commentDelivery(issue *tracker.Issue, commentID, userID, body string) *Delivery {
	return &Delivery{
		Type:   TypeComment,
		Action: ActionCreate,
		Data: &Payload{
			ID:     commentID,
			Body:   body,
			UserID: userID,
			Issue:  &EventIssue{ID: issue.ID, Identifier: issue.Identifier},
		},
	}
}

func commentContaining(t *testing.T, rig *testRig, fragment string) tracker.FakeComment {
	t.Helper()
	for _, c := range rig.tracker.AllComments() {
		if strings.Contains(c.Body, fragment) {
			return c
		}
	}
	t.Fatalf("no comment contains %q; got %v", fragment, rig.tracker.AllComments())
	return tracker.FakeComment{}
}

func requireNoCommentContaining(t *testing.T, rig *testRig, fragment string) {
	t.Helper()
	for _, c := range rig.tracker.AllComments() {
		if strings.Contains(c.Body, fragment) {
			t.Fatalf("unexpected comment %q", c.Body)
		}
	}
}

func completedDispatch(t *testing.T, rig *testRig, identifier string) *state.CompletedDispatch {
	t.Helper()
	st, err := rig.store.Read(context.Background())
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	rec, ok := st.Dispatches.Completed[identifier]
	if !ok {
		t.Fatalf("dispatch %s not completed; state: %+v", identifier, st.Dispatches)
	}
	return rec
}

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"empty", "", false},
		{"whitespace", "   \n", false},
		{"array", `[{"type":"Comment"}]`, false},
		{"prose", "service unavailable", false},
		{"missing type", `{"action":"create","data":{"id":"c1"}}`, false},
		{"blank type", `{"type":"  "}`, false},
		{"valid", `{"type":"Comment","action":"create","data":{"id":"c1","body":"hi"}}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Parse([]byte(tc.body))
			if tc.ok {
				if err != nil {
					t.Fatalf("parse: %v", err)
				}
				if d.Type != TypeComment || d.Data.ID != "c1" {
					t.Fatalf("parsed %+v", d)
				}
				return
			}
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("err = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestParse_TolerantAboutUnknownFields(t *testing.T) {
	body := `{"type":"Issue","action":"update","data":{"id":"i1"},"url":"https://x","createdAt":"2026-01-01"}`
	d, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Type != TypeIssue || d.Action != ActionUpdate {
		t.Fatalf("parsed %+v", d)
	}
}

func TestRoute_AliasCommentDispatches(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")
	ctx := context.Background()

	rig.router.Route(ctx, commentDelivery(issue, "cmt-1", "user-amy", "@clawd please take this one"))

	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want worker+audit", got)
	}
	rec := completedDispatch(t, rig, "ENG-7")
	if rec.Status != state.StatusDone {
		t.Fatalf("status = %s, want done", rec.Status)
	}
	if len(rig.tracker.Reactions) != 1 || rig.tracker.Reactions[0].CommentID != "cmt-1" {
		t.Fatalf("reactions = %+v, want eyes on cmt-1", rig.tracker.Reactions)
	}
}

func TestRoute_WorkRequestCommentDispatches(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")
	ctx := context.Background()

	rig.router.Route(ctx, commentDelivery(issue, "cmt-2", "user-amy", "Please fix the login redirect before Friday."))

	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want worker+audit", got)
	}
	completedDispatch(t, rig, "ENG-7")
}

func TestRoute_DuplicateCommentSuppressed(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")
	ctx := context.Background()
	d := commentDelivery(issue, "cmt-3", "user-amy", "Please fix the login redirect.")

	rig.router.Route(ctx, d)
	rig.router.Route(ctx, d)

	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want a single dispatch", got)
	}
	if len(rig.tracker.Reactions) != 1 {
		t.Fatalf("reactions = %+v, want one", rig.tracker.Reactions)
	}
}

func TestRoute_ViewerCommentIgnored(t *testing.T) {
	rig := newTestRouter(t)
	issue := seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), commentDelivery(issue, "cmt-4", rig.tracker.ViewerID, "Please fix the login redirect."))

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none for our own comment", got)
	}
	if len(rig.tracker.Comments) != 0 {
		t.Fatalf("comments = %+v, want none", rig.tracker.Comments)
	}
}

func TestRoute_ChatterLeavesIssueAlone(t *testing.T) {
	rig := newTestRouter(t)
	issue := seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), commentDelivery(issue, "cmt-5", "user-amy", "Thanks, looks great!"))

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none for chatter", got)
	}
	if len(rig.tracker.Reactions) != 0 {
		t.Fatalf("reactions = %+v, want none", rig.tracker.Reactions)
	}
}

func TestRoute_CommentWithoutIssueIgnored(t *testing.T) {
	rig := newTestRouter(t)
	seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), &Delivery{
		Type:   TypeComment,
		Action: ActionCreate,
		Data:   &Payload{ID: "cmt-6", Body: "Please fix it", UserID: "user-amy"},
	})

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none without an issue", got)
	}
}

func TestRoute_BusyIssueSkipsWithoutMarking(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")
	ctx := context.Background()
	d := commentDelivery(issue, "cmt-7", "user-amy", "Please fix the login redirect.")

	if !rig.engine.Runs().Claim("ENG-7", "test") {
		t.Fatal("claim failed")
	}
	rig.router.Route(ctx, d)
	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none while busy", got)
	}

	// The busy skip must not consume the event: after the run finishes the
	// same delivery still dispatches.
	rig.engine.Runs().Release("ENG-7")
	rig.router.Route(ctx, d)
	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want dispatch after release", got)
	}
}

func TestRoute_CloseIssueComment(t *testing.T) {
	rig := newTestRouter(t)
	issue := seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), commentDelivery(issue, "cmt-8", "user-amy", "Please close this issue, superseded by ENG-12."))

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none for a close request", got)
	}
	patches := rig.tracker.AllPatches()
	if len(patches) != 1 || patches[0].Patch.StateID == nil || *patches[0].Patch.StateID != "st-done" {
		t.Fatalf("patches = %+v, want state moved to st-done", patches)
	}
	commentContaining(t, rig, "Issue closed")
}

func TestRoute_AssignmentDispatchesOnce(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")
	ctx := context.Background()
	d := &Delivery{
		Type:   TypeIssue,
		Action: ActionUpdate,
		Data: &Payload{
			ID:         issue.ID,
			Identifier: issue.Identifier,
			AssigneeID: rig.tracker.ViewerID,
		},
		UpdatedFrom: map[string]jsonx.RawMessage{"assigneeId": jsonx.RawMessage(`null`)},
	}

	rig.router.Route(ctx, d)
	rig.router.Route(ctx, d)

	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want a single dispatch", got)
	}
	completedDispatch(t, rig, "ENG-7")
}

func TestRoute_DelegationDispatches(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), &Delivery{
		Type:   TypeIssue,
		Action: ActionUpdate,
		Data: &Payload{
			ID:         issue.ID,
			Identifier: issue.Identifier,
			Delegate:   &EventUser{ID: rig.tracker.ViewerID},
		},
		UpdatedFrom: map[string]jsonx.RawMessage{"delegateId": jsonx.RawMessage(`null`)},
	})

	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want worker+audit", got)
	}
}

func TestRoute_UpdateWithoutAssignmentIgnored(t *testing.T) {
	rig := newTestRouter(t)
	issue := seedIssue(rig, "ENG-7")

	// The assignee field holds us, but this update did not change it.
	rig.router.Route(context.Background(), &Delivery{
		Type:   TypeIssue,
		Action: ActionUpdate,
		Data: &Payload{
			ID:         issue.ID,
			Identifier: issue.Identifier,
			AssigneeID: rig.tracker.ViewerID,
		},
		UpdatedFrom: map[string]jsonx.RawMessage{"title": jsonx.RawMessage(`"Old title"`)},
	})

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none", got)
	}
}

func TestRoute_AssignmentToSomeoneElseIgnored(t *testing.T) {
	rig := newTestRouter(t)
	issue := seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), &Delivery{
		Type:   TypeIssue,
		Action: ActionUpdate,
		Data: &Payload{
			ID:         issue.ID,
			Identifier: issue.Identifier,
			AssigneeID: "user-amy",
		},
		UpdatedFrom: map[string]jsonx.RawMessage{"assigneeId": jsonx.RawMessage(`null`)},
	})

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none", got)
	}
}

func sessionCreatedDelivery(issue *tracker.Issue, sessionID, body string) *Delivery {
	return &Delivery{
		Type:   TypeAgentSessionEvent,
		Action: ActionCreated,
		AgentSession: &SessionPayload{
			ID:      sessionID,
			Issue:   &EventIssue{ID: issue.ID, Identifier: issue.Identifier},
			Comment: &SessionComment{ID: "sc-1", Body: body, UserID: "user-amy"},
		},
	}
}

func TestRoute_SessionCreatedDispatchesOnce(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")
	ctx := context.Background()
	d := sessionCreatedDelivery(issue, "sess-1", "Fix the login redirect")

	// The tracker redelivers session events; only one dispatch may start.
	rig.router.Route(ctx, d)
	rig.router.Route(ctx, d)

	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want a single dispatch", got)
	}
	completedDispatch(t, rig, "ENG-7")
}

func TestRoute_SessionPromptedRoutesLikeComment(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	issue := seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), &Delivery{
		Type:   TypeAgentSessionEvent,
		Action: ActionPrompted,
		AgentSession: &SessionPayload{
			ID:      "sess-2",
			Issue:   &EventIssue{ID: issue.ID, Identifier: issue.Identifier},
			Comment: &SessionComment{ID: "sc-9", Body: "@clawd try again with the v2 endpoint", UserID: "user-amy"},
		},
	})

	if got := rig.runner.callCount(); got != 2 {
		t.Fatalf("runner calls = %d, want worker+audit", got)
	}
	if len(rig.tracker.Reactions) != 1 || rig.tracker.Reactions[0].CommentID != "sc-9" {
		t.Fatalf("reactions = %+v, want eyes on sc-9", rig.tracker.Reactions)
	}
}

func TestRoute_PromptedWithoutBodyIgnored(t *testing.T) {
	rig := newTestRouter(t)
	issue := seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), &Delivery{
		Type:   TypeAgentSessionEvent,
		Action: ActionPrompted,
		AgentSession: &SessionPayload{
			ID:    "sess-3",
			Issue: &EventIssue{ID: issue.ID, Identifier: issue.Identifier},
		},
	})

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none without text", got)
	}
}

func TestRoute_PlanStartFinalizeDispatchesProject(t *testing.T) {
	rig := newTestRouter(t, workerOK(), auditPass())
	root := seedIssue(rig, "ENG-7")
	seedIssue(rig, "ENG-8")
	ctx := context.Background()

	rig.router.Route(ctx, commentDelivery(root, "cmt-10", "user-amy", "Start planning the login revamp."))
	commentContaining(t, rig, "Planning started")

	planBody := "The plan looks good, dispatch it.\n\n```json\n" +
		`{"projectName": "Login revamp", "issues": [{"identifier": "ENG-8", "title": "Backend"}]}` +
		"\n```\n"
	rig.router.Route(ctx, commentDelivery(root, "cmt-11", "user-amy", planBody))
	commentContaining(t, rig, "Project dispatched")

	// Released issues dispatch on supervised goroutines; poll for the
	// project child to finish.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := rig.store.Read(ctx)
		if err != nil {
			t.Fatalf("read state: %v", err)
		}
		if rec, ok := st.Dispatches.Completed["ENG-8"]; ok && rec.Status == state.StatusDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ENG-8 never completed; state: %+v", st.Dispatches)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoute_PlanAbandon(t *testing.T) {
	rig := newTestRouter(t)
	root := seedIssue(rig, "ENG-7")
	ctx := context.Background()

	rig.router.Route(ctx, commentDelivery(root, "cmt-12", "user-amy", "Start planning the login revamp."))
	rig.router.Route(ctx, commentDelivery(root, "cmt-13", "user-amy", "Scrap the plan, priorities changed."))

	commentContaining(t, rig, "Planning abandoned")
	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none", got)
	}
}

func TestRoute_UnhandledTypeIgnored(t *testing.T) {
	rig := newTestRouter(t)
	seedIssue(rig, "ENG-7")

	rig.router.Route(context.Background(), &Delivery{Type: "Reaction", Action: "create"})

	if got := rig.runner.callCount(); got != 0 {
		t.Fatalf("runner calls = %d, want none", got)
	}
}

func TestRecentCache_Expiry(t *testing.T) {
	cache, err := newRecentCache(8, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	base := time.Now()
	now := base
	cache.now = func() time.Time { return now }

	if cache.seen("comment:1") {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !cache.seen("comment:1") {
		t.Fatal("second sighting within the window must be a duplicate")
	}

	now = base.Add(2 * time.Minute)
	if cache.seen("comment:1") {
		t.Fatal("expired entry must not count as a duplicate")
	}
}

func TestRecentCache_Sweep(t *testing.T) {
	cache, err := newRecentCache(8, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	base := time.Now()
	now := base
	cache.now = func() time.Time { return now }

	cache.seen("a")
	cache.seen("b")
	now = base.Add(30 * time.Second)
	cache.seen("c")

	now = base.Add(90 * time.Second)
	if dropped := cache.sweep(); dropped != 2 {
		t.Fatalf("dropped = %d, want the two oldest", dropped)
	}
	if !cache.seen("c") {
		t.Fatal("fresh entry must survive the sweep")
	}
}
