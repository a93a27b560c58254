// Package webhook turns tracker webhook deliveries into orchestrator
// actions. Parsing is strict about the envelope (a JSON object with a string
// type) and tolerant about everything else; routing classifies, deduplicates
// and hands the real work to the pipeline. Callers answer the HTTP request
// before Route runs so a slow dispatch can never look like a delivery
// failure to the tracker.
package webhook

import (
	"errors"
	"fmt"
	"strings"

	jsonx "clawd/internal/shared/json"
)

// Delivery type and action strings as the tracker sends them.
const (
	TypeAppUserNotification = "AppUserNotification"
	TypeAgentSessionEvent   = "AgentSessionEvent"
	TypeAgentSession        = "AgentSession"
	TypeComment             = "Comment"
	TypeIssue               = "Issue"

	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionCreated  = "created"
	ActionPrompted = "prompted"
)

// ErrInvalidPayload covers every malformed-body case: not JSON, not an
// object, or missing the string type discriminator. The server answers 400.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// EventUser is the actor attached to a payload fragment.
type EventUser struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EventIssue is the issue fragment embedded in comment and session payloads.
type EventIssue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier,omitempty"`
	Title      string `json:"title,omitempty"`
	TeamID     string `json:"teamId,omitempty"`
}

// Payload is the data object of a delivery. One flat shape covers comments
// and issues; absent fields stay zero.
type Payload struct {
	ID          string      `json:"id"`
	Body        string      `json:"body,omitempty"`    // comment body
	IssueID     string      `json:"issueId,omitempty"` // comment's parent issue
	UserID      string      `json:"userId,omitempty"`
	User        *EventUser  `json:"user,omitempty"`
	Issue       *EventIssue `json:"issue,omitempty"`
	Identifier  string      `json:"identifier,omitempty"` // issue payloads
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	TeamID      string      `json:"teamId,omitempty"`
	CreatorID   string      `json:"creatorId,omitempty"`
	AssigneeID  string      `json:"assigneeId,omitempty"`
	Assignee    *EventUser  `json:"assignee,omitempty"`
	DelegateID  string      `json:"delegateId,omitempty"`
	Delegate    *EventUser  `json:"delegate,omitempty"`
}

// SessionComment is the comment fragment of an agent session payload.
type SessionComment struct {
	ID     string `json:"id"`
	Body   string `json:"body,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// AgentActivity is one prompted-session activity fragment.
type AgentActivity struct {
	ID   string `json:"id"`
	Body string `json:"body,omitempty"`
}

// SessionPayload is the agentSession object of AgentSessionEvent deliveries.
type SessionPayload struct {
	ID       string          `json:"id"`
	Issue    *EventIssue     `json:"issue,omitempty"`
	Comment  *SessionComment `json:"comment,omitempty"`
	Activity *AgentActivity  `json:"agentActivity,omitempty"`
}

// Delivery is one parsed webhook delivery.
type Delivery struct {
	Type           string                      `json:"type"`
	Action         string                      `json:"action,omitempty"`
	WebhookID      string                      `json:"webhookId,omitempty"`
	OrganizationID string                      `json:"organizationId,omitempty"`
	Data           *Payload                    `json:"data,omitempty"`
	AgentSession   *SessionPayload             `json:"agentSession,omitempty"`
	UpdatedFrom    map[string]jsonx.RawMessage `json:"updatedFrom,omitempty"`
}

// Parse validates and decodes one delivery body. The envelope must be a JSON
// object carrying a non-empty string type; anything else is
// ErrInvalidPayload. Size capping happens at the HTTP layer, not here.
func Parse(body []byte) (*Delivery, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidPayload)
	}
	var d Delivery
	if err := jsonx.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(d.Type) == "" {
		return nil, fmt.Errorf("%w: missing string type", ErrInvalidPayload)
	}
	return &d, nil
}

// Changed reports whether the delivery's updatedFrom carries a previous
// value for field, i.e. the field was part of this update.
func (d *Delivery) Changed(field string) bool {
	_, ok := d.UpdatedFrom[field]
	return ok
}

// issueRef pulls the best issue (id, identifier) pair out of a delivery,
// whichever payload family it belongs to.
func (d *Delivery) issueRef() (issueID, identifier string) {
	if d.Data != nil {
		if d.Data.Issue != nil {
			issueID, identifier = d.Data.Issue.ID, d.Data.Issue.Identifier
		}
		if issueID == "" {
			issueID = d.Data.IssueID
		}
		if d.Type == TypeIssue {
			if issueID == "" {
				issueID = d.Data.ID
			}
			if identifier == "" {
				identifier = d.Data.Identifier
			}
		}
	}
	if d.AgentSession != nil && d.AgentSession.Issue != nil {
		if issueID == "" {
			issueID = d.AgentSession.Issue.ID
		}
		if identifier == "" {
			identifier = d.AgentSession.Issue.Identifier
		}
	}
	return issueID, identifier
}
