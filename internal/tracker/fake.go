package tracker

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests. Seed Issues/States/Labels, then
// inspect the recorded mutations. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	ViewerID string
	Issues   map[string]*Issue
	States   map[string][]WorkflowState
	Labels   map[string][]Label

	SessionID string // returned by CreateSessionOnIssue; empty means declined

	Comments   []FakeComment
	Patches    []FakePatch
	Activities []FakeActivity
	Reactions  []FakeReaction
	Webhooks   []Webhook

	CommentErr error
	UpdateErr  error
	IssueErr   error

	commentSeq int
}

// FakeComment records one CreateComment call.
type FakeComment struct {
	ID      string
	IssueID string
	Body    string
	Opts    *CommentOpts
}

// FakePatch records one UpdateIssue call.
type FakePatch struct {
	IssueID string
	Patch   IssuePatch
}

// FakeActivity records one EmitActivity call.
type FakeActivity struct {
	SessionID string
	Activity  Activity
}

// FakeReaction records one CreateReaction call.
type FakeReaction struct {
	CommentID string
	Name      string
}

// NewFake returns an empty fake with a fixed viewer id.
func NewFake() *Fake {
	return &Fake{
		ViewerID: "viewer-self",
		Issues:   map[string]*Issue{},
		States:   map[string][]WorkflowState{},
		Labels:   map[string][]Label{},
	}
}

// SeedIssue registers an issue under both its id and identifier.
func (f *Fake) SeedIssue(issue *Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Issues[issue.ID] = issue
	if issue.Identifier != "" {
		f.Issues[issue.Identifier] = issue
	}
}

func (f *Fake) GetViewerID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ViewerID, nil
}

func (f *Fake) GetIssueDetails(ctx context.Context, issueID string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IssueErr != nil {
		return nil, f.IssueErr
	}
	issue, ok := f.Issues[issueID]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", issueID)
	}
	return issue, nil
}

func (f *Fake) GetTeamStates(ctx context.Context, teamID string) ([]WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.States[teamID], nil
}

func (f *Fake) GetTeamLabels(ctx context.Context, teamID string) ([]Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Labels[teamID], nil
}

func (f *Fake) CreateComment(ctx context.Context, issueID, body string, opts *CommentOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommentErr != nil {
		return "", f.CommentErr
	}
	f.commentSeq++
	id := fmt.Sprintf("comment-%d", f.commentSeq)
	f.Comments = append(f.Comments, FakeComment{ID: id, IssueID: issueID, Body: body, Opts: opts})
	return id, nil
}

func (f *Fake) UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.Patches = append(f.Patches, FakePatch{IssueID: issueID, Patch: patch})
	return nil
}

func (f *Fake) CreateSessionOnIssue(ctx context.Context, issueID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SessionID, nil
}

func (f *Fake) EmitActivity(ctx context.Context, sessionID string, activity Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Activities = append(f.Activities, FakeActivity{SessionID: sessionID, Activity: activity})
	return nil
}

func (f *Fake) CreateReaction(ctx context.Context, commentID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reactions = append(f.Reactions, FakeReaction{CommentID: commentID, Name: name})
	return nil
}

func (f *Fake) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Webhook, len(f.Webhooks))
	copy(out, f.Webhooks)
	return out, nil
}

func (f *Fake) CreateWebhook(ctx context.Context, url, label string, resourceTypes []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("webhook-%d", len(f.Webhooks)+1)
	f.Webhooks = append(f.Webhooks, Webhook{ID: id, URL: url, Label: label, Enabled: true, ResourceTypes: resourceTypes})
	return id, nil
}

func (f *Fake) UpdateWebhook(ctx context.Context, webhookID, url string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Webhooks {
		if f.Webhooks[i].ID == webhookID {
			if url != "" {
				f.Webhooks[i].URL = url
			}
			f.Webhooks[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("webhook %s not found", webhookID)
}

func (f *Fake) DeleteWebhook(ctx context.Context, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Webhooks {
		if f.Webhooks[i].ID == webhookID {
			f.Webhooks = append(f.Webhooks[:i], f.Webhooks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("webhook %s not found", webhookID)
}

// LastComment returns the most recent recorded comment, if any.
func (f *Fake) LastComment() (FakeComment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Comments) == 0 {
		return FakeComment{}, false
	}
	return f.Comments[len(f.Comments)-1], true
}

// AllComments returns a copy of every recorded comment, oldest first.
func (f *Fake) AllComments() []FakeComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeComment, len(f.Comments))
	copy(out, f.Comments)
	return out
}

// AllPatches returns a copy of every recorded issue patch, oldest first.
func (f *Fake) AllPatches() []FakePatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakePatch, len(f.Patches))
	copy(out, f.Patches)
	return out
}

var _ Client = (*Fake)(nil)
