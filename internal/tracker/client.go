package tracker

import (
	"context"
	"strings"
)

// Client is the narrow tracker surface the orchestrator consumes. The
// GraphQL implementation talks to Linear; tests swap in a Fake.
type Client interface {
	// GetViewerID returns the id the tracker knows us by. Used to drop our
	// own echoed comments.
	GetViewerID(ctx context.Context) (string, error)

	// GetIssueDetails fetches the full issue view for prompts and routing.
	GetIssueDetails(ctx context.Context, issueID string) (*Issue, error)

	// GetTeamStates lists the team's workflow columns.
	GetTeamStates(ctx context.Context, teamID string) ([]WorkflowState, error)

	// GetTeamLabels lists the team's labels.
	GetTeamLabels(ctx context.Context, teamID string) ([]Label, error)

	// CreateComment posts a comment and returns its id. opts enables
	// posting under an agent identity; nil posts as the token's account.
	CreateComment(ctx context.Context, issueID, body string, opts *CommentOpts) (string, error)

	// UpdateIssue patches issue fields. Nil patch fields are untouched.
	UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) error

	// CreateSessionOnIssue opens an agent session. Best-effort: an empty
	// session id with nil error means the tracker declined.
	CreateSessionOnIssue(ctx context.Context, issueID string) (string, error)

	// EmitActivity streams one agent activity into a session.
	EmitActivity(ctx context.Context, sessionID string, activity Activity) error

	// CreateReaction adds an emoji reaction to a comment.
	CreateReaction(ctx context.Context, commentID, name string) error

	// Webhook management, used by serve-time self-registration.
	ListWebhooks(ctx context.Context) ([]Webhook, error)
	CreateWebhook(ctx context.Context, url, label string, resourceTypes []string) (string, error)
	UpdateWebhook(ctx context.Context, webhookID, url string, enabled bool) error
	DeleteWebhook(ctx context.Context, webhookID string) error
}

// FindStateByType returns the first workflow state with the given type.
func FindStateByType(states []WorkflowState, stateType string) (WorkflowState, bool) {
	for _, s := range states {
		if s.Type == stateType {
			return s, true
		}
	}
	return WorkflowState{}, false
}

// FindReviewState locates the column a finished dispatch with a PR should
// land in: the team's "In Review" if present, otherwise any started state
// whose name mentions review.
func FindReviewState(states []WorkflowState) (WorkflowState, bool) {
	for _, s := range states {
		if s.Name == "In Review" {
			return s, true
		}
	}
	for _, s := range states {
		if s.Type == StateTypeStarted && strings.Contains(strings.ToLower(s.Name), "review") {
			return s, true
		}
	}
	return WorkflowState{}, false
}
