package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"clawd/internal/agentrun"
	"clawd/internal/notify"
	"clawd/internal/observability"
	"clawd/internal/state"
	"clawd/internal/tracker"
	"clawd/internal/utils/id"
	"clawd/internal/verdict"
)

// TriggerAudit starts the audit for a finished worker run. The worker-end
// event is consumed exactly once; a duplicate trigger for the same worker
// session is a no-op.
func (e *Engine) TriggerAudit(ctx context.Context, d *state.ActiveDispatch, workerKey string) error {
	fresh, err := e.store.MarkEventProcessed(ctx, "worker-end:"+workerKey)
	if err != nil {
		return err
	}
	if !fresh {
		e.metrics.DedupHit("processed_events")
		e.logger.Info("Worker end for %s already handled, audit not re-triggered", d.Identifier)
		return nil
	}
	return e.triggerAudit(ctx, d)
}

// triggerAudit runs the audit agent without consuming a worker-end event.
// The recovery scan enters here: after a restart the worker-end key may
// already be marked even though the audit never ran, so the CAS to auditing
// is the only guard that matters.
func (e *Engine) triggerAudit(ctx context.Context, d *state.ActiveDispatch) error {
	ctx, span := observability.StartPhase(ctx, e.tracer, "audit", d.Identifier, d.Attempt)
	defer span.End()

	auditKey := id.NewAuditSessionKey()
	fresh, err := e.store.Transition(ctx, d.Identifier, state.StatusWorking, state.StatusAuditing,
		state.WithAuditSessionKey(auditKey))
	if err != nil {
		return e.standDown("audit trigger", err)
	}
	e.metrics.TransitionCommitted(string(state.StatusWorking), string(state.StatusAuditing))
	d = fresh

	e.writeManifest(d, string(state.StatusAuditing), d.Attempt)

	issue := e.fetchIssue(ctx, d)
	prompt, err := e.buildAuditPrompt(d, issue)
	if err != nil {
		return e.revertAudit(ctx, d, "audit prompt", err)
	}
	err = e.store.RegisterSessionMapping(ctx, auditKey, state.SessionMapping{
		DispatchID: d.Identifier,
		Phase:      state.PhaseAudit,
		Attempt:    d.Attempt,
	})
	if err != nil {
		return e.revertAudit(ctx, d, "audit session mapping", err)
	}

	e.appendLog(d, "audit", "start", d.Attempt, "")
	e.notifier.Notify(ctx, notify.KindAuditing, notify.Payload{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     string(state.StatusAuditing),
		Attempt:    d.Attempt,
	})

	started := time.Now()
	result, err := e.runner.Run(ctx, agentrun.RunRequest{
		AgentID:    d.AgentID,
		SessionID:  auditKey,
		Message:    prompt,
		WorkingDir: d.WorktreePath,
		Model:      d.Model,
	})
	if err != nil {
		e.metrics.ObservePhase("audit", "error", time.Since(started))
		return e.revertAudit(ctx, d, "audit run", err)
	}
	e.metrics.ObservePhase("audit", outcomeLabel(result.Success), time.Since(started))

	return e.ProcessVerdict(ctx, d, auditKey, result)
}

// revertAudit sends an audit that could not run back to working so the
// recovery scan retries it later. The worker session key stays in place,
// only the audit key is cleared.
func (e *Engine) revertAudit(ctx context.Context, d *state.ActiveDispatch, op string, cause error) error {
	e.logger.Error("Audit for %s failed at %s: %v", d.Identifier, op, cause)
	e.appendLog(d, "audit", "error", d.Attempt, fmt.Sprintf("%s: %v", op, cause))

	if _, err := e.store.Transition(ctx, d.Identifier, state.StatusAuditing, state.StatusWorking,
		state.WithAuditSessionKey("")); err != nil {
		if standErr := e.standDown("audit revert", err); standErr != nil {
			e.logger.Warn("Audit revert for %s failed: %v", d.Identifier, standErr)
		}
	} else {
		e.metrics.TransitionCommitted(string(state.StatusAuditing), string(state.StatusWorking))
		e.writeManifest(d, string(state.StatusWorking), d.Attempt)
	}
	return fmt.Errorf("dispatch %s: %s: %w", d.Identifier, op, cause)
}

// ProcessVerdict consumes one audit result: parse the verdict and finish,
// park for rework, or escalate. The audit-end event is consumed exactly once
// per audit session.
func (e *Engine) ProcessVerdict(ctx context.Context, d *state.ActiveDispatch, auditKey string, result agentrun.RunResult) error {
	fresh, err := e.store.MarkEventProcessed(ctx, "audit-end:"+auditKey)
	if err != nil {
		return err
	}
	if !fresh {
		e.metrics.DedupHit("processed_events")
		e.logger.Info("Audit end for %s already handled", d.Identifier)
		return nil
	}
	e.appendLog(d, "audit", "end", d.Attempt,
		fmt.Sprintf("success=%t duration=%s tokens=%d", result.Success, result.Duration.Round(time.Second), result.TokensUsed))

	v, err := verdict.Parse(result.Output)
	if err != nil {
		e.metrics.VerdictParseFailure()
		e.logger.Warn("Audit verdict for %s unparseable: %v", d.Identifier, err)
		if _, cErr := e.PostComment(ctx, d.AgentID, issueRef(d), inconclusiveComment(d)); cErr != nil {
			e.logger.Warn("Inconclusive comment for %s failed: %v", d.Identifier, cErr)
		}
		v = verdict.Inconclusive()
	}

	if v.Pass {
		return e.handleAuditPass(ctx, d, v)
	}
	return e.handleAuditFail(ctx, d, v)
}

// handleAuditPass finishes the dispatch: summary, memory, best-effort PR,
// completion record, tracker state, notifications, and the project cascade.
func (e *Engine) handleAuditPass(ctx context.Context, d *state.ActiveDispatch, v *verdict.Verdict) error {
	e.artifacts.WriteAuditVerdict(d.WorktreePath, d.Attempt, v)
	e.writeManifest(d, string(state.StatusDone), d.Attempt+1)

	if _, err := e.store.Transition(ctx, d.Identifier, state.StatusAuditing, state.StatusDone); err != nil {
		return e.standDown("audit pass", err)
	}
	e.metrics.TransitionCommitted(string(state.StatusAuditing), string(state.StatusDone))

	summary := e.artifacts.BuildSummaryFromArtifacts(d.WorktreePath)
	e.artifacts.WriteSummary(d.WorktreePath, summary)
	e.recordMemory(ctx, d, string(state.StatusDone), summary)

	prURL := e.openPullRequest(ctx, d, summary)

	err := e.store.CompleteDispatch(ctx, d.Identifier, state.CompletedDispatch{
		Identifier:    d.Identifier,
		Tier:          d.Tier,
		Status:        state.StatusDone,
		PRUrl:         prURL,
		Project:       d.Project,
		TotalAttempts: d.Attempt + 1,
	})
	if err != nil {
		e.logger.Warn("Completing dispatch %s: %v", d.Identifier, err)
	}

	issue := e.fetchIssue(ctx, d)
	e.moveIssueToReviewOrDone(ctx, issue, prURL)
	if _, err := e.PostComment(ctx, d.AgentID, issueRef(d), successComment(v, prURL)); err != nil {
		e.logger.Warn("Success comment for %s failed: %v", d.Identifier, err)
	}
	e.notifier.Notify(ctx, notify.KindAuditPass, notify.Payload{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     string(state.StatusDone),
		Attempt:    d.Attempt,
		Verdict:    v,
		PRUrl:      prURL,
	})
	e.logger.Info("Dispatch %s done after %d attempt(s)", d.Identifier, d.Attempt+1)
	e.cascadeCompleted(d)
	e.active.Release(d.Identifier)
	return nil
}

// handleAuditFail either parks the dispatch in working for another attempt
// or escalates to a human once the rework budget is spent. Parking does not
// respawn the worker; the recovery scan picks the dispatch up.
func (e *Engine) handleAuditFail(ctx context.Context, d *state.ActiveDispatch, v *verdict.Verdict) error {
	e.artifacts.WriteAuditVerdict(d.WorktreePath, d.Attempt, v)

	nextAttempt := d.Attempt + 1
	if nextAttempt > e.maxRework {
		return e.escalate(ctx, d, v, nextAttempt)
	}

	fresh, err := e.store.Transition(ctx, d.Identifier, state.StatusAuditing, state.StatusWorking,
		state.WithAttempt(nextAttempt),
		state.WithWorkerSessionKey(""),
		state.WithAuditSessionKey(""),
		state.WithPendingGaps(v.Gaps))
	if err != nil {
		return e.standDown("rework park", err)
	}
	e.metrics.TransitionCommitted(string(state.StatusAuditing), string(state.StatusWorking))
	e.writeManifest(fresh, string(state.StatusWorking), nextAttempt)
	e.appendLog(fresh, "audit", "rework", nextAttempt, fmt.Sprintf("%d gap(s)", len(v.Gaps)))

	if _, err := e.PostComment(ctx, d.AgentID, issueRef(d), reworkComment(v, nextAttempt, e.maxRework)); err != nil {
		e.logger.Warn("Rework comment for %s failed: %v", d.Identifier, err)
	}
	e.notifier.Notify(ctx, notify.KindAuditFail, notify.Payload{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     string(state.StatusWorking),
		Attempt:    nextAttempt,
		Verdict:    v,
	})
	e.logger.Info("Dispatch %s parked for rework, attempt %d of %d", d.Identifier, nextAttempt+1, e.maxRework+1)
	return nil
}

// escalate parks the dispatch in stuck after the last allowed audit failure
// and hands the issue back to humans via triage.
func (e *Engine) escalate(ctx context.Context, d *state.ActiveDispatch, v *verdict.Verdict, attempts int) error {
	reason := state.StuckReasonAuditFailed(attempts)
	e.writeManifest(d, string(state.StatusStuck), attempts)

	if _, err := e.store.Transition(ctx, d.Identifier, state.StatusAuditing, state.StatusStuck,
		state.WithStuckReason(reason)); err != nil {
		return e.standDown("escalation", err)
	}
	e.metrics.TransitionCommitted(string(state.StatusAuditing), string(state.StatusStuck))
	e.appendLog(d, "audit", "escalation", d.Attempt, reason)

	summary := e.artifacts.BuildSummaryFromArtifacts(d.WorktreePath)
	e.artifacts.WriteSummary(d.WorktreePath, summary)
	e.recordMemory(ctx, d, string(state.StatusStuck), summary)

	issue := e.fetchIssue(ctx, d)
	e.moveIssueToStateType(ctx, issue, tracker.StateTypeTriage)
	if _, err := e.PostComment(ctx, d.AgentID, issueRef(d), escalationComment(v, attempts)); err != nil {
		e.logger.Warn("Escalation comment for %s failed: %v", d.Identifier, err)
	}
	e.notifier.Notify(ctx, notify.KindEscalation, notify.Payload{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     string(state.StatusStuck),
		Attempt:    attempts,
		Verdict:    v,
		Reason:     reason,
	})
	e.logger.Warn("Dispatch %s escalated after %d failed audit(s)", d.Identifier, attempts)
	e.cascadeStuck(d)
	e.active.Release(d.Identifier)
	return nil
}

// openPullRequest opens a PR for the dispatch branch when the worktree holds
// a commit. Failures never block completion.
func (e *Engine) openPullRequest(ctx context.Context, d *state.ActiveDispatch, summary string) string {
	status, err := e.worktrees.Status(ctx, d.WorktreePath)
	if err != nil {
		e.logger.Warn("Worktree status for %s failed, skipping PR: %v", d.Identifier, err)
		return ""
	}
	if status.LastCommit == "" {
		e.logger.Info("Dispatch %s has no commits, skipping PR", d.Identifier)
		return ""
	}
	title := fmt.Sprintf("%s: %s", d.Identifier, d.Title)
	url, err := e.worktrees.CreatePullRequest(ctx, d.WorktreePath, title, summary)
	if err != nil {
		e.logger.Warn("PR for %s failed: %v", d.Identifier, err)
		return ""
	}
	e.logger.Info("Dispatch %s opened PR %s", d.Identifier, url)
	return url
}

// buildAuditPrompt renders the audit template. The worker summary comes from
// the worker output artifact so the live and recovery paths read the same
// source.
func (e *Engine) buildAuditPrompt(d *state.ActiveDispatch, issue *tracker.Issue) (string, error) {
	title := d.Title
	description := ""
	if issue != nil {
		title = issue.Title
		description = issue.Description
	}
	workerOutput, _ := e.artifacts.ReadWorkerOutput(d.WorktreePath, d.Attempt)
	vars := map[string]string{
		"identifier":   d.Identifier,
		"title":        title,
		"description":  description,
		"worktreePath": d.WorktreePath,
		"attempt":      strconv.Itoa(d.Attempt + 1),
		"guidance":     workerOutput,
	}
	return e.prompts.Render(d.WorktreePath, "audit", vars)
}
