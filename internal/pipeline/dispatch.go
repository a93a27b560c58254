package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"clawd/internal/async"
	"clawd/internal/dag"
	"clawd/internal/notify"
	"clawd/internal/state"
	"clawd/internal/utils/id"
)

// ErrIssueBusy reports that the issue already has an in-flight run in this
// process. Callers treat it as a duplicate, not a failure.
var ErrIssueBusy = errors.New("issue already has an active run")

// StartRequest describes one new dispatch.
type StartRequest struct {
	IssueID    string
	Identifier string
	AgentID    string // empty selects the default agent
	Tier       string // empty selects the team's default tier
	Project    string // project dispatch id when DAG-scoped
	Guidance   string // extra instructions from the triggering comment
}

// StartDispatch begins work on an issue: claims the run slot, creates the
// worktree, registers the dispatch, and drives the worker/audit chain to its
// next parking point. The chain runs synchronously; callers that must return
// quickly run it on a supervised goroutine.
func (e *Engine) StartDispatch(ctx context.Context, req StartRequest) error {
	if strings.TrimSpace(req.Identifier) == "" {
		return fmt.Errorf("dispatch requires an issue identifier")
	}
	if !e.active.Claim(req.Identifier, "dispatch") {
		e.metrics.DedupHit("active_runs")
		e.logger.Info("Dispatch %s refused: run already in flight", req.Identifier)
		return ErrIssueBusy
	}
	defer e.active.Release(req.Identifier)

	return e.startDispatch(ctx, req)
}

func (e *Engine) startDispatch(ctx context.Context, req StartRequest) error {
	agentID := firstNonEmpty(req.AgentID, e.defaultAgentID)
	issueID := firstNonEmpty(req.IssueID, req.Identifier)

	issue, err := e.tracker.GetIssueDetails(ctx, issueID)
	if err != nil {
		return e.reportStartFailure(ctx, agentID, issueID, req.Identifier,
			fmt.Errorf("dispatch %s: issue lookup: %w", req.Identifier, err))
	}
	issueID = issue.ID

	mapping, ok := e.teams[issue.Team.Key]
	if !ok {
		return e.reportStartFailure(ctx, agentID, issueID, req.Identifier,
			fmt.Errorf("dispatch %s: no team mapping for %q", req.Identifier, issue.Team.Key))
	}
	repo, ok := e.repos[mapping.Repo]
	if !ok {
		return e.reportStartFailure(ctx, agentID, issueID, req.Identifier,
			fmt.Errorf("dispatch %s: team %q maps to unknown repo %q", req.Identifier, issue.Team.Key, mapping.Repo))
	}

	tier := state.ParseTier(firstNonEmpty(req.Tier, mapping.DefaultTier))
	model := mapping.Models[string(tier)]

	branch := issue.BranchName
	if branch == "" {
		branch = fmt.Sprintf("claw/%s-%s", strings.ToLower(issue.Identifier), id.NewBranchSuffix())
	}
	wt, err := e.worktrees.Create(ctx, repo.Path, branch)
	if err != nil {
		return e.reportStartFailure(ctx, agentID, issueID, req.Identifier,
			fmt.Errorf("dispatch %s: worktree: %w", req.Identifier, err))
	}
	if prep := e.worktrees.Prepare(ctx, wt.Path); len(prep.Errors) > 0 {
		for _, prepErr := range prep.Errors {
			e.logger.Warn("Worktree prepare for %s: %v", req.Identifier, prepErr)
		}
	}

	dispatch := &state.ActiveDispatch{
		IssueID:      issue.ID,
		Identifier:   issue.Identifier,
		Title:        issue.Title,
		WorktreePath: wt.Path,
		Branch:       wt.Branch,
		Tier:         tier,
		Model:        model,
		AgentID:      agentID,
		Status:       state.StatusDispatched,
		Project:      req.Project,
	}
	if err := e.store.RegisterDispatch(ctx, dispatch); err != nil {
		// Usually a concurrent start that won the register race; no
		// user-facing comment for that.
		e.logger.Info("Dispatch %s not registered: %v", req.Identifier, err)
		return fmt.Errorf("dispatch %s: register: %w", req.Identifier, err)
	}
	e.logger.Info("Dispatch %s registered: agent=%s tier=%s branch=%s resumed=%t",
		dispatch.Identifier, agentID, tier, wt.Branch, wt.Resumed)

	e.writeManifest(dispatch, "dispatched", dispatch.Attempt)
	e.appendLog(dispatch, "dispatch", "start", dispatch.Attempt, string(tier))
	e.notifier.Notify(ctx, notify.KindDispatch, notify.Payload{
		Identifier: dispatch.Identifier,
		Title:      dispatch.Title,
		Status:     string(state.StatusDispatched),
	})

	ack := dispatchAckComment(dispatch)
	if _, err := e.PostComment(ctx, agentID, issue.ID, ack); err != nil {
		e.logger.Warn("Dispatch ack comment for %s failed: %v", dispatch.Identifier, err)
	}

	return e.SpawnWorker(ctx, dispatch, SpawnOptions{Guidance: req.Guidance})
}

// ResumeWorker re-spawns the worker for a dispatch parked in working by a
// failed audit or interrupted by a restart. No-op when the issue already has
// an in-flight run.
func (e *Engine) ResumeWorker(ctx context.Context, d *state.ActiveDispatch) error {
	if !e.active.Claim(d.Identifier, "rework") {
		return nil
	}
	defer e.active.Release(d.Identifier)
	return e.SpawnWorker(ctx, d, SpawnOptions{Gaps: d.PendingGaps})
}

// ResumeAudit re-triggers the audit for a dispatch whose worker finished but
// whose audit never started, the post-restart recovery case. It bypasses the
// worker-end dedup mark: a crash between the mark and the status change
// would otherwise strand the dispatch in working forever.
func (e *Engine) ResumeAudit(ctx context.Context, d *state.ActiveDispatch) error {
	if !e.active.Claim(d.Identifier, "audit-recovery") {
		return nil
	}
	defer e.active.Release(d.Identifier)
	return e.triggerAudit(ctx, d)
}

// RecoverInterrupted reverts every dispatch stranded in auditing back to
// working and reports how many it moved. A restart kills all agent children,
// so an auditing status at startup means the audit died mid-run; reverting
// clears the audit session key and the recovery scan re-triggers the audit
// through the normal path.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	active, err := e.store.ListActiveDispatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted: %w", err)
	}
	reverted := 0
	for _, d := range active {
		if d.Status != state.StatusAuditing {
			continue
		}
		_, err := e.store.Transition(ctx, d.Identifier, state.StatusAuditing, state.StatusWorking,
			state.WithAuditSessionKey(""))
		if err != nil {
			if standErr := e.standDown("startup audit revert", err); standErr != nil {
				e.logger.Warn("Startup revert for %s failed: %v", d.Identifier, standErr)
			}
			continue
		}
		e.metrics.TransitionCommitted(string(state.StatusAuditing), string(state.StatusWorking))
		e.logger.Info("Dispatch %s reverted to working: audit was interrupted by a restart", d.Identifier)
		reverted++
	}
	return reverted, nil
}

// reportStartFailure surfaces a dispatch that never got off the ground. No
// active dispatch persists in these cases, so the comment is the only trace
// the user sees.
func (e *Engine) reportStartFailure(ctx context.Context, agentID, issueID, identifier string, err error) error {
	e.logger.Error("Dispatch %s failed to start: %v", identifier, err)
	if _, cErr := e.PostComment(ctx, agentID, issueID, dispatchFailedComment(identifier, err)); cErr != nil {
		e.logger.Warn("Dispatch failure comment for %s failed: %v", identifier, cErr)
	}
	e.notifier.Notify(ctx, notify.KindStuck, notify.Payload{
		Identifier: identifier,
		Status:     string(state.StatusFailed),
		Reason:     err.Error(),
	})
	return err
}

// cascadeCompleted tells the DAG controller one project issue finished and
// dispatches whatever that released. Fire-and-forget: the completed dispatch
// must not wait on its successors.
func (e *Engine) cascadeCompleted(d *state.ActiveDispatch) {
	if e.dag == nil || d.Project == "" {
		return
	}
	projectID, identifier := d.Project, d.Identifier
	async.Go(e.logger, "dag-completed", func() {
		released, err := e.dag.OnIssueCompleted(context.Background(), projectID, identifier)
		if err != nil {
			e.logger.Error("Project %s cascade after %s failed: %v", projectID, identifier, err)
			return
		}
		e.DispatchReleased(released)
	})
}

// DispatchReleased starts a dispatch for every issue the DAG controller
// released, each on its own supervised goroutine. A dispatch that fails for
// any reason other than a duplicate marks its issue stuck so the project
// does not hang waiting on an issue nobody is working.
func (e *Engine) DispatchReleased(released []dag.ReadyIssue) {
	for _, ready := range released {
		ready := ready
		async.Go(e.logger, "dag-dispatch", func() {
			err := e.StartDispatch(context.Background(), StartRequest{
				Identifier: ready.Identifier,
				Project:    ready.ProjectID,
			})
			if err != nil && !errors.Is(err, ErrIssueBusy) {
				e.logger.Error("Project %s: dispatching released issue %s failed: %v",
					ready.ProjectID, ready.Identifier, err)
				if stuckErr := e.dag.OnIssueStuck(context.Background(), ready.ProjectID, ready.Identifier); stuckErr != nil {
					e.logger.Error("Project %s: marking %s stuck failed: %v",
						ready.ProjectID, ready.Identifier, stuckErr)
				}
			}
		})
	}
}

// cascadeStuck tells the DAG controller one project issue is stuck.
func (e *Engine) cascadeStuck(d *state.ActiveDispatch) {
	if e.dag == nil || d.Project == "" {
		return
	}
	projectID, identifier := d.Project, d.Identifier
	async.Go(e.logger, "dag-stuck", func() {
		if err := e.dag.OnIssueStuck(context.Background(), projectID, identifier); err != nil {
			e.logger.Error("Project %s stuck cascade for %s failed: %v", projectID, identifier, err)
		}
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
