package tracker

import "time"

// Workflow state types as the tracker reports them.
const (
	StateTypeBacklog   = "backlog"
	StateTypeUnstarted = "unstarted"
	StateTypeStarted   = "started"
	StateTypeCompleted = "completed"
	StateTypeCanceled  = "canceled"
	StateTypeTriage    = "triage"
)

// WorkflowState is one column of a team's workflow.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Label is a team label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User identifies a tracker account, human or app.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Comment is one issue comment, newest data the tracker holds for it.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	CreatedAt time.Time `json:"createdAt"`
}

// Team carries the slice of team data dispatches need.
type Team struct {
	ID                  string `json:"id"`
	Key                 string `json:"key"`
	Name                string `json:"name"`
	IssueEstimationType string `json:"issueEstimationType,omitempty"`
}

// ProjectRef is the issue's project, when it has one.
type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Issue is the tracker's view of one issue, flattened to what the
// dispatch pipeline consumes.
type Issue struct {
	ID          string        `json:"id"`
	Identifier  string        `json:"identifier"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	URL         string        `json:"url,omitempty"`
	BranchName  string        `json:"branchName,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	Estimate    *float64      `json:"estimate,omitempty"`
	State       WorkflowState `json:"state"`
	Team        Team          `json:"team"`
	Labels      []Label       `json:"labels,omitempty"`
	Comments    []Comment     `json:"comments,omitempty"`
	Project     *ProjectRef   `json:"project,omitempty"`
	Creator     *User         `json:"creator,omitempty"`
	Assignee    *User         `json:"assignee,omitempty"`
}

// HasLabel reports whether the issue carries a label with the given name.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// IssuePatch lists the fields UpdateIssue may change. Nil fields are left
// untouched on the tracker.
type IssuePatch struct {
	StateID    *string
	Estimate   *float64
	LabelIDs   *[]string
	Priority   *int
	AssigneeID *string
}

func (p IssuePatch) empty() bool {
	return p.StateID == nil && p.Estimate == nil && p.LabelIDs == nil &&
		p.Priority == nil && p.AssigneeID == nil
}

// CommentOpts enables identity-aware posting. Zero value posts as the
// token's own account.
type CommentOpts struct {
	CreateAsUser   string // display name to post under
	DisplayIconURL string
	ParentID       string // reply threading
}

// ActivityType selects the agent activity variant.
type ActivityType string

const (
	ActivityThought  ActivityType = "thought"
	ActivityAction   ActivityType = "action"
	ActivityResponse ActivityType = "response" // closes the session
	ActivityError    ActivityType = "error"
)

// Activity is one agent session activity. Body is used by thought,
// response and error; Action/Parameter by action.
type Activity struct {
	Type      ActivityType
	Body      string
	Action    string
	Parameter string
}

// Webhook is one registered webhook endpoint.
type Webhook struct {
	ID            string   `json:"id"`
	URL           string   `json:"url"`
	Label         string   `json:"label,omitempty"`
	Enabled       bool     `json:"enabled"`
	ResourceTypes []string `json:"resourceTypes,omitempty"`
}
