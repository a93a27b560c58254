package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clawd/internal/agentrun"
	"clawd/internal/artifacts"
	"clawd/internal/memory"
	"clawd/internal/notify"
	"clawd/internal/observability"
	"clawd/internal/state"
	"clawd/internal/tracker"
	"clawd/internal/utils/id"
)

// SpawnOptions tune one worker run.
type SpawnOptions struct {
	// Gaps from the last failed audit, injected into the rework prompt.
	// Defaults to the gaps parked on the dispatch.
	Gaps []string
	// Guidance is free-form instruction from the triggering comment.
	Guidance string
}

// SpawnWorker runs the worker agent for a dispatch and, unless the watchdog
// killed it, hands the result to the audit. A dispatched dispatch is CASed to
// working; a dispatch already in working is the rework path and only gets a
// fresh session key.
func (e *Engine) SpawnWorker(ctx context.Context, d *state.ActiveDispatch, opts SpawnOptions) error {
	ctx, span := observability.StartPhase(ctx, e.tracer, "worker", d.Identifier, d.Attempt)
	defer span.End()

	if len(opts.Gaps) == 0 {
		opts.Gaps = d.PendingGaps
	}
	workerKey := id.NewWorkerSessionKey()

	switch d.Status {
	case state.StatusDispatched:
		fresh, err := e.store.Transition(ctx, d.Identifier, state.StatusDispatched, state.StatusWorking,
			state.WithWorkerSessionKey(workerKey))
		if err != nil {
			return e.standDown("worker spawn", err)
		}
		e.metrics.TransitionCommitted(string(state.StatusDispatched), string(state.StatusWorking))
		d = fresh
	case state.StatusWorking:
		// Rework: a failed audit already parked the dispatch in working.
		fresh, err := e.store.UpdateDispatch(ctx, d.Identifier,
			state.WithWorkerSessionKey(workerKey),
			state.WithPendingGaps(nil))
		if err != nil {
			return e.standDown("rework spawn", err)
		}
		d = fresh
	default:
		return fmt.Errorf("dispatch %s: cannot spawn worker from %s", d.Identifier, d.Status)
	}

	issue := e.fetchIssue(ctx, d)
	prompt, err := e.buildWorkerPrompt(ctx, d, issue, opts)
	if err != nil {
		return e.failDispatch(ctx, d, "worker prompt", err)
	}

	err = e.store.RegisterSessionMapping(ctx, workerKey, state.SessionMapping{
		DispatchID: d.Identifier,
		Phase:      state.PhaseWorker,
		Attempt:    d.Attempt,
	})
	if err != nil {
		return e.failDispatch(ctx, d, "worker session mapping", err)
	}

	e.writeManifest(d, string(state.StatusWorking), d.Attempt)
	e.appendLog(d, "worker", "start", d.Attempt, "")
	e.notifier.Notify(ctx, notify.KindWorking, notify.Payload{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     string(state.StatusWorking),
		Attempt:    d.Attempt,
	})

	started := time.Now()
	result, err := e.runner.Run(ctx, agentrun.RunRequest{
		AgentID:    d.AgentID,
		SessionID:  workerKey,
		Message:    prompt,
		WorkingDir: d.WorktreePath,
		Model:      d.Model,
	})
	if err != nil {
		e.metrics.ObservePhase("worker", "error", time.Since(started))
		return e.failDispatch(ctx, d, "worker run", err)
	}

	e.artifacts.WriteWorkerOutput(d.WorktreePath, d.Attempt, result.Output)
	e.appendLog(d, "worker", "end", d.Attempt,
		fmt.Sprintf("success=%t duration=%s tokens=%d", result.Success, result.Duration.Round(time.Second), result.TokensUsed))

	if result.WatchdogKilled {
		e.metrics.ObservePhase("worker", "watchdog_kill", time.Since(started))
		return e.handleWatchdogKill(ctx, d, issue, result)
	}
	e.metrics.ObservePhase("worker", outcomeLabel(result.Success), time.Since(started))

	// Concurrent handlers may have advanced or removed the dispatch while
	// the worker ran; re-read before auditing.
	fresh, ok, err := e.store.GetActiveDispatch(ctx, d.Identifier)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Info("Dispatch %s gone after worker run, skipping audit", d.Identifier)
		return nil
	}
	return e.TriggerAudit(ctx, fresh, workerKey)
}

// handleWatchdogKill finalizes a dispatch whose worker was killed twice by
// the watchdog: the issue goes to triage with an explanatory comment and the
// dispatch parks in stuck.
func (e *Engine) handleWatchdogKill(ctx context.Context, d *state.ActiveDispatch, issue *tracker.Issue, result agentrun.RunResult) error {
	reason := firstNonEmpty(result.ErrorDetail, state.StuckReasonWatchdog)
	e.appendLog(d, "worker", "watchdog_kill", d.Attempt, reason)
	e.writeManifest(d, string(state.StatusStuck), d.Attempt)

	_, err := e.store.Transition(ctx, d.Identifier, state.StatusWorking, state.StatusStuck,
		state.WithStuckReason(state.StuckReasonWatchdog))
	if err != nil {
		return e.standDown("watchdog stuck", err)
	}
	e.metrics.TransitionCommitted(string(state.StatusWorking), string(state.StatusStuck))

	e.moveIssueToStateType(ctx, issue, tracker.StateTypeTriage)
	if _, err := e.PostComment(ctx, d.AgentID, issueRef(d), watchdogComment(d, reason)); err != nil {
		e.logger.Warn("Watchdog comment for %s failed: %v", d.Identifier, err)
	}
	e.notifier.Notify(ctx, notify.KindWatchdogKill, notify.Payload{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     string(state.StatusStuck),
		Attempt:    d.Attempt,
		Reason:     reason,
	})
	e.cascadeStuck(d)
	e.active.Release(d.Identifier)
	return nil
}

// failDispatch terminates a dispatch on an infrastructure error: something
// before or around the agent run failed, not the change itself.
func (e *Engine) failDispatch(ctx context.Context, d *state.ActiveDispatch, op string, cause error) error {
	e.logger.Error("Dispatch %s failed at %s: %v", d.Identifier, op, cause)
	e.appendLog(d, "dispatch", "failed", d.Attempt, fmt.Sprintf("%s: %v", op, cause))
	e.writeManifest(d, string(state.StatusFailed), d.Attempt)

	if _, err := e.store.Transition(ctx, d.Identifier, d.Status, state.StatusFailed); err != nil {
		if standErr := e.standDown("fail transition", err); standErr != nil {
			e.logger.Warn("Dispatch %s could not be marked failed: %v", d.Identifier, standErr)
		}
	} else {
		e.metrics.TransitionCommitted(string(d.Status), string(state.StatusFailed))
	}
	err := e.store.CompleteDispatch(ctx, d.Identifier, state.CompletedDispatch{
		Identifier:    d.Identifier,
		Tier:          d.Tier,
		Status:        state.StatusFailed,
		Project:       d.Project,
		TotalAttempts: d.Attempt + 1,
	})
	if err != nil {
		e.logger.Warn("Completing failed dispatch %s: %v", d.Identifier, err)
	}

	if _, cErr := e.PostComment(ctx, d.AgentID, issueRef(d), dispatchFailedComment(d.Identifier, cause)); cErr != nil {
		e.logger.Warn("Dispatch failure comment for %s failed: %v", d.Identifier, cErr)
	}
	e.notifier.Notify(ctx, notify.KindStuck, notify.Payload{
		Identifier: d.Identifier,
		Title:      d.Title,
		Status:     string(state.StatusFailed),
		Attempt:    d.Attempt,
		Reason:     cause.Error(),
	})
	e.cascadeStuck(d)
	e.active.Release(d.Identifier)
	return fmt.Errorf("dispatch %s: %s: %w", d.Identifier, op, cause)
}

// buildWorkerPrompt renders the worker template with fresh issue data, the
// rework gaps, recalled project memory, and team context.
func (e *Engine) buildWorkerPrompt(ctx context.Context, d *state.ActiveDispatch, issue *tracker.Issue, opts SpawnOptions) (string, error) {
	title := d.Title
	description := ""
	if issue != nil {
		title = issue.Title
		description = issue.Description
	}
	vars := map[string]string{
		"identifier":     d.Identifier,
		"title":          title,
		"description":    description,
		"worktreePath":   d.WorktreePath,
		"attempt":        strconv.Itoa(d.Attempt + 1),
		"gaps":           bulletList(opts.Gaps),
		"projectContext": e.projectContext(ctx, d, title),
		"teamContext":    teamContext(issue),
		"guidance":       opts.Guidance,
	}
	return e.prompts.Render(d.WorktreePath, "worker", vars)
}

// projectContext recalls related past dispatches from memory.
func (e *Engine) projectContext(ctx context.Context, d *state.ActiveDispatch, title string) string {
	if e.memory == nil {
		return ""
	}
	memories, err := e.memory.Recall(ctx, d.Identifier+" "+title, 3)
	if err != nil {
		e.logger.Warn("Memory recall for %s failed: %v", d.Identifier, err)
		return ""
	}
	return memory.ProjectContext(memories)
}

// teamContext summarizes the owning team for the prompt.
func teamContext(issue *tracker.Issue) string {
	if issue == nil || issue.Team.Key == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Team %s (%s).", issue.Team.Key, issue.Team.Name)
	if issue.Project != nil && issue.Project.Name != "" {
		fmt.Fprintf(&b, " Part of project %q.", issue.Project.Name)
	}
	if len(issue.Labels) > 0 {
		names := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			names = append(names, l.Name)
		}
		fmt.Fprintf(&b, " Labels: %s.", strings.Join(names, ", "))
	}
	return b.String()
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return strings.TrimRight(b.String(), "\n")
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (e *Engine) writeManifest(d *state.ActiveDispatch, status string, attempts int) {
	e.artifacts.WriteManifest(d.WorktreePath, artifacts.Manifest{
		Identifier: d.Identifier,
		Status:     status,
		Attempts:   attempts,
	})
}

func (e *Engine) appendLog(d *state.ActiveDispatch, phase, event string, attempt int, detail string) {
	e.artifacts.AppendLog(d.WorktreePath, artifacts.LogEntry{
		Phase:   phase,
		Event:   event,
		Attempt: attempt,
		Detail:  detail,
	})
}
