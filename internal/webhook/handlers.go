package webhook

import (
	"context"
	"fmt"
	"strings"

	"clawd/internal/intent"
	"clawd/internal/planning"
	"clawd/internal/tracker"
)

// handleComment runs the dedup ladder and then the comment decision tree.
func (r *Router) handleComment(ctx context.Context, d *Delivery) {
	c := d.Data
	if c == nil || c.ID == "" || strings.TrimSpace(c.Body) == "" {
		r.logger.Debug("Comment webhook without id or body, ignored")
		return
	}
	issueID, identifier := d.issueRef()
	if issueID == "" {
		r.logger.Warn("Comment %s carries no issue reference, ignored", c.ID)
		return
	}
	if r.busy(issueID, identifier) {
		r.metrics.DedupHit("active_runs")
		r.logger.Info("Comment on %s skipped: run already in flight", firstNonEmpty(identifier, issueID))
		return
	}
	if r.isOwnAction(ctx, payloadUserID(c.UserID, c.User)) {
		r.metrics.DedupHit("viewer")
		return
	}
	if r.duplicate(ctx, "comment:"+c.ID) {
		return
	}
	r.routeCommentBody(ctx, issueID, identifier, c.ID, c.Body)
}

// routeCommentBody is the decision tree shared by issue comments and
// prompted agent sessions: a recognized @alias dispatches without touching
// the classifier, everything else routes by classified intent.
func (r *Router) routeCommentBody(ctx context.Context, issueID, identifier, commentID, body string) {
	if prof, ok := r.matchAlias(body); ok {
		r.logger.Info("Comment on %s mentions @%s, dispatching", firstNonEmpty(identifier, issueID), prof.Alias)
		r.acknowledge(ctx, commentID)
		r.dispatch(ctx, issueID, identifier, prof.AgentID, body)
		return
	}

	issue, err := r.tracker.GetIssueDetails(ctx, issueID)
	if err != nil {
		r.logger.Warn("Issue %s lookup for comment routing failed: %v", issueID, err)
		issue = nil
	}
	res := r.intents.Classify(ctx, body, issueContext(issue, identifier))
	r.logger.Info("Comment on %s classified as %s (fallback=%t)",
		firstNonEmpty(identifier, issueID), res.Intent, res.FromFallback)

	switch res.Intent {
	case intent.General:
		// Chatter. Nothing to do.
	case intent.AskAgent:
		r.acknowledge(ctx, commentID)
		r.dispatch(ctx, issueID, identifier, r.resolveAgent(res.AgentID), body)
	case intent.RequestWork, intent.Question:
		r.acknowledge(ctx, commentID)
		r.dispatch(ctx, issueID, identifier, "", body)
	case intent.CloseIssue:
		r.closeIssue(ctx, issue, issueID)
	case intent.PlanStart, intent.PlanContinue, intent.PlanFinalize, intent.PlanAbandon:
		r.handlePlan(ctx, res.Intent, issue, issueID, body)
	default:
		r.logger.Info("Comment intent %s has no route", res.Intent)
	}
}

// handleSessionEvent starts a dispatch for created sessions and treats
// prompted sessions like comments.
func (r *Router) handleSessionEvent(ctx context.Context, d *Delivery) {
	s := d.AgentSession
	if s == nil || s.ID == "" {
		r.logger.Debug("Session event without a session payload, ignored")
		return
	}
	issueID, identifier := d.issueRef()
	if issueID == "" {
		r.logger.Warn("Session %s carries no issue, ignored", s.ID)
		return
	}
	if r.busy(issueID, identifier) {
		r.metrics.DedupHit("active_runs")
		r.logger.Info("Session event on %s skipped: run already in flight", firstNonEmpty(identifier, issueID))
		return
	}

	switch d.Action {
	case ActionCreated, ActionCreate:
		if r.duplicate(ctx, "session:"+s.ID) {
			return
		}
		r.dispatch(ctx, issueID, identifier, "", sessionBody(s))
	case ActionPrompted:
		body := sessionBody(s)
		if strings.TrimSpace(body) == "" {
			r.logger.Debug("Prompted session %s carries no text, ignored", s.ID)
			return
		}
		if r.isOwnAction(ctx, sessionAuthor(s)) {
			r.metrics.DedupHit("viewer")
			return
		}
		if r.duplicate(ctx, "session:"+s.ID+":"+promptID(s)) {
			return
		}
		r.routeCommentBody(ctx, issueID, identifier, sessionCommentID(s), body)
	default:
		r.logger.Info("Session event %s.%s has no handler", d.Type, d.Action)
	}
}

// handleIssueUpdate dispatches when the update assigned or delegated the
// issue to us. Every other update is noise.
func (r *Router) handleIssueUpdate(ctx context.Context, d *Delivery) {
	data := d.Data
	if data == nil || data.ID == "" {
		return
	}
	ref := firstNonEmpty(data.Identifier, data.ID)
	viewer, err := r.tracker.GetViewerID(ctx)
	if err != nil {
		r.logger.Warn("Viewer id lookup failed, assignment check on %s skipped: %v", ref, err)
		return
	}
	assigned := d.Changed("assigneeId") && payloadUserID(data.AssigneeID, data.Assignee) == viewer
	delegated := d.Changed("delegateId") && payloadUserID(data.DelegateID, data.Delegate) == viewer
	if !assigned && !delegated {
		r.logger.Debug("Issue %s update is not an assignment to us", ref)
		return
	}
	if r.busy(data.ID, data.Identifier) {
		r.metrics.DedupHit("active_runs")
		return
	}
	if r.duplicate(ctx, "assigned:"+data.ID+":"+viewer) {
		return
	}
	r.logger.Info("Issue %s assigned to us, dispatching", ref)
	r.dispatch(ctx, data.ID, data.Identifier, "", "")
}

// handleIssueCreate hands new issues to auto-triage.
func (r *Router) handleIssueCreate(ctx context.Context, d *Delivery) {
	data := d.Data
	if data == nil || data.ID == "" {
		return
	}
	if r.triage == nil {
		r.logger.Debug("Auto-triage disabled, issue %s left alone", firstNonEmpty(data.Identifier, data.ID))
		return
	}
	if r.isOwnAction(ctx, data.CreatorID) {
		r.metrics.DedupHit("viewer")
		return
	}
	if r.duplicate(ctx, "issue-create:"+data.ID) {
		return
	}
	r.triage.Run(ctx, data.ID)
}

// closeIssue moves the issue to the team's completed state on request.
func (r *Router) closeIssue(ctx context.Context, issue *tracker.Issue, issueID string) {
	if issue == nil {
		var err error
		issue, err = r.tracker.GetIssueDetails(ctx, issueID)
		if err != nil {
			r.logger.Error("Close request: issue %s lookup failed: %v", issueID, err)
			return
		}
	}
	states, err := r.tracker.GetTeamStates(ctx, issue.Team.ID)
	if err != nil {
		r.logger.Error("Close request for %s: team states lookup failed: %v", issue.Identifier, err)
		return
	}
	done, ok := tracker.FindStateByType(states, tracker.StateTypeCompleted)
	if !ok {
		r.logger.Warn("Close request for %s: team %s has no completed state", issue.Identifier, issue.Team.Key)
		return
	}
	if err := r.tracker.UpdateIssue(ctx, issue.ID, tracker.IssuePatch{StateID: &done.ID}); err != nil {
		r.logger.Error("Close request for %s: state update failed: %v", issue.Identifier, err)
		return
	}
	body := fmt.Sprintf("**Issue closed**\n\nMoved %s to %q on request.", issue.Identifier, done.Name)
	if _, err := r.engine.PostComment(ctx, r.defaultAgentID, issue.ID, body); err != nil {
		r.logger.Warn("Close report on %s failed: %v", issue.Identifier, err)
	}
	r.logger.Info("Issue %s closed on request", issue.Identifier)
}

// handlePlan forwards a plan intent to the planning subsystem and posts its
// reply. A finalize that released issues dispatches them.
func (r *Router) handlePlan(ctx context.Context, in intent.Intent, issue *tracker.Issue, issueID, body string) {
	if r.planning == nil {
		r.logger.Warn("Plan intent %s on issue %s ignored: planning disabled", in, issueID)
		return
	}
	if issue == nil {
		var err error
		issue, err = r.tracker.GetIssueDetails(ctx, issueID)
		if err != nil {
			r.logger.Error("Plan intent %s: issue %s lookup failed: %v", in, issueID, err)
			return
		}
	}
	root := planning.RootIssue{ID: issue.ID, Identifier: issue.Identifier, Title: issue.Title}

	var (
		reply planning.Reply
		err   error
	)
	switch in {
	case intent.PlanStart:
		reply, err = r.planning.Start(ctx, root, body)
	case intent.PlanContinue:
		reply, err = r.planning.Continue(ctx, root, body)
	case intent.PlanFinalize:
		reply, err = r.planning.Finalize(ctx, root, body)
	case intent.PlanAbandon:
		reply, err = r.planning.Abandon(ctx, root)
	}
	if err != nil {
		r.logger.Error("Planning %s on %s failed: %v", in, root.Identifier, err)
		return
	}
	if reply.Comment != "" {
		if _, cErr := r.engine.PostComment(ctx, r.defaultAgentID, root.ID, reply.Comment); cErr != nil {
			r.logger.Warn("Planning reply on %s failed: %v", root.Identifier, cErr)
		}
	}
	if len(reply.Released) > 0 {
		r.engine.DispatchReleased(reply.Released)
	}
}

// issueContext renders the issue summary handed to the intent classifier.
func issueContext(issue *tracker.Issue, identifier string) string {
	if issue == nil {
		return identifier
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", issue.Identifier, issue.Title)
	if issue.State.Name != "" {
		fmt.Fprintf(&b, " (state: %s)", issue.State.Name)
	}
	if issue.Description != "" {
		b.WriteString("\n")
		b.WriteString(issue.Description)
	}
	return b.String()
}

func payloadUserID(flat string, user *EventUser) string {
	if flat != "" {
		return flat
	}
	if user != nil {
		return user.ID
	}
	return ""
}

func sessionBody(s *SessionPayload) string {
	if s.Comment != nil && s.Comment.Body != "" {
		return s.Comment.Body
	}
	if s.Activity != nil {
		return s.Activity.Body
	}
	return ""
}

func sessionAuthor(s *SessionPayload) string {
	if s.Comment != nil {
		return s.Comment.UserID
	}
	return ""
}

func sessionCommentID(s *SessionPayload) string {
	if s.Comment != nil {
		return s.Comment.ID
	}
	return ""
}

// promptID distinguishes repeated prompts within one session. When the
// tracker sends no distinguishing id, repeats are treated as duplicates.
func promptID(s *SessionPayload) string {
	if s.Activity != nil && s.Activity.ID != "" {
		return s.Activity.ID
	}
	if s.Comment != nil && s.Comment.ID != "" {
		return s.Comment.ID
	}
	return "prompt"
}
