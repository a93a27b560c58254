// Package pipeline drives dispatches through the two-phase worker/audit
// lifecycle: spawn a worker agent in the dispatch worktree, audit its output
// with a second independent agent, then either finish, send the dispatch back
// for rework, or escalate to a human. Every entry point is idempotent; state
// moves only through compare-and-swap transitions, so concurrent handlers and
// restarts cannot double-drive a dispatch.
package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"clawd/internal/agentrun"
	"clawd/internal/artifacts"
	"clawd/internal/config"
	"clawd/internal/dag"
	"clawd/internal/logging"
	"clawd/internal/memory"
	"clawd/internal/metrics"
	"clawd/internal/notify"
	"clawd/internal/profiles"
	"clawd/internal/prompts"
	"clawd/internal/state"
	"clawd/internal/tracker"
	"clawd/internal/worktree"
)

// Runner executes one sub-agent invocation. Production wires a per-backend
// multiplexer over agentrun.Runner; tests swap in a scripted fake.
type Runner interface {
	Run(ctx context.Context, req agentrun.RunRequest) (agentrun.RunResult, error)
}

// Worktrees is the git surface dispatches consume. *worktree.Manager
// satisfies it.
type Worktrees interface {
	Create(ctx context.Context, repo, branch string) (worktree.Worktree, error)
	Prepare(ctx context.Context, path string) worktree.PrepareResult
	Status(ctx context.Context, path string) (worktree.Status, error)
	CreatePullRequest(ctx context.Context, path, title, body string) (string, error)
}

// Deps are the collaborators injected into the engine.
type Deps struct {
	Store     *state.Store
	Artifacts *artifacts.Writer
	Notifier  *notify.Notifier
	Runner    Runner
	Tracker   tracker.Client
	Worktrees Worktrees
	Prompts   *prompts.Cache
	Memory    *memory.Store // nil disables dispatch memory
	Profiles  *profiles.Store
	DAG       *dag.Controller // nil disables project cascades
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    logging.Logger
}

// Options carry the dispatch policy knobs.
type Options struct {
	// MaxReworkAttempts bounds audit-fail rework loops. Zero escalates on
	// the first failed audit; negative picks the config default.
	MaxReworkAttempts int
	DefaultAgentID    string
	Teams             map[string]config.TeamMapping
	Repos             map[string]config.RepoConfig
}

// Engine owns the dispatch pipeline.
type Engine struct {
	store     *state.Store
	artifacts *artifacts.Writer
	notifier  *notify.Notifier
	runner    Runner
	tracker   tracker.Client
	worktrees Worktrees
	prompts   *prompts.Cache
	memory    *memory.Store
	profiles  *profiles.Store
	dag       *dag.Controller
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    logging.Logger
	active    *ActiveRuns

	maxRework      int
	defaultAgentID string
	teams          map[string]config.TeamMapping
	repos          map[string]config.RepoConfig
}

// New builds the engine. Store, Runner, Tracker, Worktrees, Prompts, and
// Profiles are required; the rest default to no-ops.
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: state store is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("pipeline: agent runner is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("pipeline: tracker client is required")
	case deps.Worktrees == nil:
		return nil, fmt.Errorf("pipeline: worktree manager is required")
	case deps.Prompts == nil:
		return nil, fmt.Errorf("pipeline: prompt cache is required")
	case deps.Profiles == nil:
		return nil, fmt.Errorf("pipeline: profile store is required")
	}

	logger := logging.OrNop(deps.Logger)
	if deps.Artifacts == nil {
		deps.Artifacts = artifacts.NewWriter(logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	// Zero is a real policy (escalate on the first failed audit), only a
	// negative value falls back to the default.
	if opts.MaxReworkAttempts < 0 {
		opts.MaxReworkAttempts = config.DefaultMaxReworkAttempts
	}
	if opts.DefaultAgentID == "" {
		opts.DefaultAgentID = "claude"
	}

	return &Engine{
		store:          deps.Store,
		artifacts:      deps.Artifacts,
		notifier:       deps.Notifier,
		runner:         deps.Runner,
		tracker:        deps.Tracker,
		worktrees:      deps.Worktrees,
		prompts:        deps.Prompts,
		memory:         deps.Memory,
		profiles:       deps.Profiles,
		dag:            deps.DAG,
		metrics:        deps.Metrics,
		tracer:         deps.Tracer,
		logger:         logger,
		active:         NewActiveRuns(),
		maxRework:      opts.MaxReworkAttempts,
		defaultAgentID: opts.DefaultAgentID,
		teams:          opts.Teams,
		repos:          opts.Repos,
	}, nil
}

// Runs exposes the in-flight run registry, shared with the webhook router
// for its first dedup layer.
func (e *Engine) Runs() *ActiveRuns {
	return e.active
}

// PostComment posts body on the issue as the given agent. Identity posting
// is preferred; when the profile has no identity or the identity post fails,
// a plain comment prefixed with the agent label goes out instead. The
// returned comment id is pre-registered as a processed event so the echo of
// our own comment is never classified.
func (e *Engine) PostComment(ctx context.Context, agentID, issueID, body string) (string, error) {
	profile := e.profiles.Resolve(agentID)

	commentID := ""
	if opts := profile.CommentOpts(); opts != nil {
		id, err := e.tracker.CreateComment(ctx, issueID, body, opts)
		if err != nil {
			e.logger.Warn("Identity comment as %s failed, posting plain: %v", profile.AgentID, err)
		} else {
			commentID = id
		}
	}
	if commentID == "" {
		id, err := e.tracker.CreateComment(ctx, issueID, profile.FallbackLabel()+"\n\n"+body, nil)
		if err != nil {
			return "", err
		}
		commentID = id
	}

	if _, err := e.store.MarkEventProcessed(ctx, "comment:"+commentID); err != nil {
		e.logger.Warn("Pre-registering own comment %s failed: %v", commentID, err)
	}
	return commentID, nil
}

// standDown converts a rejected CAS into a no-op. Stale contention means
// another handler advanced the dispatch first, which is normal under
// concurrent webhooks; anything that is not a transition rejection passes
// through as a real error.
func (e *Engine) standDown(op string, err error) error {
	terr, ok := state.AsTransitionError(err)
	if !ok {
		return err
	}
	switch terr.Code {
	case state.TransitionStale:
		e.metrics.TransitionStale()
		e.logger.Info("%s stood down: %v", op, terr)
	case state.TransitionMissing:
		e.logger.Info("%s stood down: %v", op, terr)
	default:
		e.logger.Warn("%s rejected: %v", op, terr)
	}
	return nil
}

// issueRef prefers the tracker's opaque id over the human identifier.
func issueRef(d *state.ActiveDispatch) string {
	if d.IssueID != "" {
		return d.IssueID
	}
	return d.Identifier
}

// fetchIssue loads fresh issue details, returning nil when the tracker is
// unreachable. Callers degrade to the data already on the dispatch.
func (e *Engine) fetchIssue(ctx context.Context, d *state.ActiveDispatch) *tracker.Issue {
	issue, err := e.tracker.GetIssueDetails(ctx, issueRef(d))
	if err != nil {
		e.logger.Warn("Issue refresh for %s failed: %v", d.Identifier, err)
		return nil
	}
	return issue
}

// moveIssueToStateType transitions the tracker issue to the team's first
// workflow state of the given type. Best-effort: tracker trouble is logged
// and swallowed, the dispatch record is the source of truth.
func (e *Engine) moveIssueToStateType(ctx context.Context, issue *tracker.Issue, stateType string) {
	if issue == nil || issue.Team.ID == "" {
		return
	}
	states, err := e.tracker.GetTeamStates(ctx, issue.Team.ID)
	if err != nil {
		e.logger.Warn("Team states for %s unavailable: %v", issue.Identifier, err)
		return
	}
	target, ok := tracker.FindStateByType(states, stateType)
	if !ok {
		e.logger.Warn("Team %s has no %s state", issue.Team.Key, stateType)
		return
	}
	if err := e.tracker.UpdateIssue(ctx, issue.ID, tracker.IssuePatch{StateID: &target.ID}); err != nil {
		e.logger.Warn("Moving %s to %s failed: %v", issue.Identifier, target.Name, err)
	}
}

// moveIssueToReviewOrDone places a finished issue: "In Review" when a PR
// exists, the completed column otherwise.
func (e *Engine) moveIssueToReviewOrDone(ctx context.Context, issue *tracker.Issue, prURL string) {
	if issue == nil || issue.Team.ID == "" {
		return
	}
	states, err := e.tracker.GetTeamStates(ctx, issue.Team.ID)
	if err != nil {
		e.logger.Warn("Team states for %s unavailable: %v", issue.Identifier, err)
		return
	}
	var target tracker.WorkflowState
	var ok bool
	if prURL != "" {
		target, ok = tracker.FindReviewState(states)
	}
	if !ok {
		target, ok = tracker.FindStateByType(states, tracker.StateTypeCompleted)
	}
	if !ok {
		e.logger.Warn("Team %s has no review or completed state", issue.Team.Key)
		return
	}
	if err := e.tracker.UpdateIssue(ctx, issue.ID, tracker.IssuePatch{StateID: &target.ID}); err != nil {
		e.logger.Warn("Moving %s to %s failed: %v", issue.Identifier, target.Name, err)
	}
}

// recordMemory persists the finished dispatch into the orchestrator memory
// when memory is enabled. Failures never block completion.
func (e *Engine) recordMemory(ctx context.Context, d *state.ActiveDispatch, status, summary string) {
	if e.memory == nil {
		return
	}
	err := e.memory.Record(ctx, memory.Entry{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     status,
		Summary:    summary,
	})
	if err != nil {
		e.logger.Warn("Memory record for %s failed: %v", d.Identifier, err)
	}
}
