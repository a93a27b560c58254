// Package tracker talks to the issue tracker's GraphQL API. Only the
// operations the dispatch pipeline needs are implemented; everything rides
// one POST endpoint with bearer auth, retry, and a circuit breaker.
package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clawd/internal/httpclient"
	"clawd/internal/logging"
	jsonx "clawd/internal/shared/json"
)

const maxResponseBytes = 8 << 20

// GraphQLClient implements Client over the tracker's GraphQL endpoint.
type GraphQLClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     logging.Logger
	retry      httpclient.RetryConfig

	mu       chan struct{} // viewer id fetch gate
	viewerID string
}

// NewGraphQLClient builds the production client. logger may be nil.
func NewGraphQLClient(endpoint, token string, logger logging.Logger) *GraphQLClient {
	if endpoint == "" {
		endpoint = "https://api.linear.app/graphql"
	}
	logger = logging.OrNop(logger)
	c := &GraphQLClient{
		endpoint:   endpoint,
		token:      token,
		httpClient: httpclient.NewWithBreaker(30*time.Second, "tracker", httpclient.DefaultBreakerConfig(), logger),
		logger:     logger,
		retry:      httpclient.DefaultRetryConfig(),
		mu:         make(chan struct{}, 1),
	}
	c.mu <- struct{}{}
	return c
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlEnvelope struct {
	Data   jsonx.RawMessage `json:"data"`
	Errors []gqlError       `json:"errors,omitempty"`
}

// do posts one GraphQL operation and decodes data into out.
func (c *GraphQLClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := jsonx.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode graphql request: %w", err)
	}

	data, err := httpclient.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) ([]byte, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.token)

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()

		payload, readErr := httpclient.ReadAllWithLimit(resp.Body, maxResponseBytes)
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &httpclient.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
		}
		return payload, nil
	})
	if err != nil {
		return err
	}

	var envelope gqlEnvelope
	if err := jsonx.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode graphql envelope: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if out == nil {
		return nil
	}
	if err := jsonx.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode graphql data: %w", err)
	}
	return nil
}

// GetViewerID returns our own account id, cached after the first fetch.
func (c *GraphQLClient) GetViewerID(ctx context.Context) (string, error) {
	select {
	case <-c.mu:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { c.mu <- struct{}{} }()

	if c.viewerID != "" {
		return c.viewerID, nil
	}
	var resp struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	if err := c.do(ctx, `query { viewer { id } }`, nil, &resp); err != nil {
		return "", err
	}
	c.viewerID = resp.Viewer.ID
	return c.viewerID, nil
}

const issueQuery = `query IssueDetails($id: String!) {
  issue(id: $id) {
    id identifier title description url branchName priority estimate
    state { id name type }
    team { id key name issueEstimationType }
    labels { nodes { id name } }
    comments { nodes { id body createdAt user { id name displayName } } }
    project { id name }
    creator { id name displayName }
    assignee { id name displayName }
  }
}`

type wireIssue struct {
	ID          string        `json:"id"`
	Identifier  string        `json:"identifier"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	URL         string        `json:"url"`
	BranchName  string        `json:"branchName"`
	Priority    int           `json:"priority"`
	Estimate    *float64      `json:"estimate"`
	State       WorkflowState `json:"state"`
	Team        Team          `json:"team"`
	Labels      struct {
		Nodes []Label `json:"nodes"`
	} `json:"labels"`
	Comments struct {
		Nodes []struct {
			ID        string    `json:"id"`
			Body      string    `json:"body"`
			CreatedAt time.Time `json:"createdAt"`
			User      *User     `json:"user"`
		} `json:"nodes"`
	} `json:"comments"`
	Project  *ProjectRef `json:"project"`
	Creator  *User       `json:"creator"`
	Assignee *User       `json:"assignee"`
}

// GetIssueDetails fetches one issue with the fields prompts and routing use.
func (c *GraphQLClient) GetIssueDetails(ctx context.Context, issueID string) (*Issue, error) {
	var resp struct {
		Issue *wireIssue `json:"issue"`
	}
	if err := c.do(ctx, issueQuery, map[string]any{"id": issueID}, &resp); err != nil {
		return nil, err
	}
	if resp.Issue == nil {
		return nil, fmt.Errorf("issue %s not found", issueID)
	}
	w := resp.Issue
	issue := &Issue{
		ID:          w.ID,
		Identifier:  w.Identifier,
		Title:       w.Title,
		Description: w.Description,
		URL:         w.URL,
		BranchName:  w.BranchName,
		Priority:    w.Priority,
		Estimate:    w.Estimate,
		State:       w.State,
		Team:        w.Team,
		Labels:      w.Labels.Nodes,
		Project:     w.Project,
		Creator:     w.Creator,
		Assignee:    w.Assignee,
	}
	for _, node := range w.Comments.Nodes {
		comment := Comment{ID: node.ID, Body: node.Body, CreatedAt: node.CreatedAt}
		if node.User != nil {
			comment.UserID = node.User.ID
			comment.UserName = node.User.DisplayName
			if comment.UserName == "" {
				comment.UserName = node.User.Name
			}
		}
		issue.Comments = append(issue.Comments, comment)
	}
	return issue, nil
}

// GetTeamStates lists the workflow columns of one team.
func (c *GraphQLClient) GetTeamStates(ctx context.Context, teamID string) ([]WorkflowState, error) {
	var resp struct {
		Team struct {
			States struct {
				Nodes []WorkflowState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	query := `query TeamStates($id: String!) { team(id: $id) { states { nodes { id name type } } } }`
	if err := c.do(ctx, query, map[string]any{"id": teamID}, &resp); err != nil {
		return nil, err
	}
	return resp.Team.States.Nodes, nil
}

// GetTeamLabels lists the labels of one team.
func (c *GraphQLClient) GetTeamLabels(ctx context.Context, teamID string) ([]Label, error) {
	var resp struct {
		Team struct {
			Labels struct {
				Nodes []Label `json:"nodes"`
			} `json:"labels"`
		} `json:"team"`
	}
	query := `query TeamLabels($id: String!) { team(id: $id) { labels { nodes { id name } } } }`
	if err := c.do(ctx, query, map[string]any{"id": teamID}, &resp); err != nil {
		return nil, err
	}
	return resp.Team.Labels.Nodes, nil
}

// CreateComment posts a comment, optionally under an agent identity, and
// returns the new comment's id for echo pre-registration.
func (c *GraphQLClient) CreateComment(ctx context.Context, issueID, body string, opts *CommentOpts) (string, error) {
	input := map[string]any{
		"issueId": issueID,
		"body":    body,
	}
	if opts != nil {
		if opts.CreateAsUser != "" {
			input["createAsUser"] = opts.CreateAsUser
		}
		if opts.DisplayIconURL != "" {
			input["displayIconUrl"] = opts.DisplayIconURL
		}
		if opts.ParentID != "" {
			input["parentId"] = opts.ParentID
		}
	}
	var resp struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	mutation := `mutation CommentCreate($input: CommentCreateInput!) {
  commentCreate(input: $input) { success comment { id } }
}`
	if err := c.do(ctx, mutation, map[string]any{"input": input}, &resp); err != nil {
		return "", err
	}
	if !resp.CommentCreate.Success {
		return "", fmt.Errorf("comment create on %s not accepted", issueID)
	}
	return resp.CommentCreate.Comment.ID, nil
}

// UpdateIssue applies the non-nil patch fields.
func (c *GraphQLClient) UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) error {
	if patch.empty() {
		return nil
	}
	input := map[string]any{}
	if patch.StateID != nil {
		input["stateId"] = *patch.StateID
	}
	if patch.Estimate != nil {
		input["estimate"] = *patch.Estimate
	}
	if patch.LabelIDs != nil {
		input["labelIds"] = *patch.LabelIDs
	}
	if patch.Priority != nil {
		input["priority"] = *patch.Priority
	}
	if patch.AssigneeID != nil {
		input["assigneeId"] = *patch.AssigneeID
	}
	var resp struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	mutation := `mutation IssueUpdate($id: String!, $input: IssueUpdateInput!) {
  issueUpdate(id: $id, input: $input) { success }
}`
	if err := c.do(ctx, mutation, map[string]any{"id": issueID, "input": input}, &resp); err != nil {
		return err
	}
	if !resp.IssueUpdate.Success {
		return fmt.Errorf("issue update on %s not accepted", issueID)
	}
	return nil
}

// CreateSessionOnIssue opens an agent session on the issue. Declines are not
// errors: callers fall back to plain comments.
func (c *GraphQLClient) CreateSessionOnIssue(ctx context.Context, issueID string) (string, error) {
	var resp struct {
		AgentSessionCreateOnIssue struct {
			Success      bool `json:"success"`
			AgentSession struct {
				ID string `json:"id"`
			} `json:"agentSession"`
		} `json:"agentSessionCreateOnIssue"`
	}
	mutation := `mutation SessionCreate($input: AgentSessionCreateOnIssueInput!) {
  agentSessionCreateOnIssue(input: $input) { success agentSession { id } }
}`
	err := c.do(ctx, mutation, map[string]any{"input": map[string]any{"issueId": issueID}}, &resp)
	if err != nil {
		c.logger.Debug("Agent session on %s declined: %v", issueID, err)
		return "", nil
	}
	if !resp.AgentSessionCreateOnIssue.Success {
		return "", nil
	}
	return resp.AgentSessionCreateOnIssue.AgentSession.ID, nil
}

// EmitActivity streams one activity into an agent session.
func (c *GraphQLClient) EmitActivity(ctx context.Context, sessionID string, activity Activity) error {
	content := map[string]any{"type": string(activity.Type)}
	switch activity.Type {
	case ActivityAction:
		content["action"] = activity.Action
		if activity.Parameter != "" {
			content["parameter"] = activity.Parameter
		}
	default:
		content["body"] = activity.Body
	}
	var resp struct {
		AgentActivityCreate struct {
			Success bool `json:"success"`
		} `json:"agentActivityCreate"`
	}
	mutation := `mutation ActivityCreate($input: AgentActivityCreateInput!) {
  agentActivityCreate(input: $input) { success }
}`
	input := map[string]any{"agentSessionId": sessionID, "content": content}
	if err := c.do(ctx, mutation, map[string]any{"input": input}, &resp); err != nil {
		return err
	}
	if !resp.AgentActivityCreate.Success {
		return fmt.Errorf("activity on session %s not accepted", sessionID)
	}
	return nil
}

// CreateReaction adds an emoji reaction to a comment.
func (c *GraphQLClient) CreateReaction(ctx context.Context, commentID, name string) error {
	var resp struct {
		ReactionCreate struct {
			Success bool `json:"success"`
		} `json:"reactionCreate"`
	}
	mutation := `mutation ReactionCreate($input: ReactionCreateInput!) {
  reactionCreate(input: $input) { success }
}`
	input := map[string]any{"commentId": commentID, "emoji": name}
	if err := c.do(ctx, mutation, map[string]any{"input": input}, &resp); err != nil {
		return err
	}
	if !resp.ReactionCreate.Success {
		return fmt.Errorf("reaction on comment %s not accepted", commentID)
	}
	return nil
}

// ListWebhooks returns all webhooks visible to the token.
func (c *GraphQLClient) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var resp struct {
		Webhooks struct {
			Nodes []Webhook `json:"nodes"`
		} `json:"webhooks"`
	}
	query := `query { webhooks { nodes { id url label enabled resourceTypes } } }`
	if err := c.do(ctx, query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Webhooks.Nodes, nil
}

// CreateWebhook registers a new webhook endpoint.
func (c *GraphQLClient) CreateWebhook(ctx context.Context, url, label string, resourceTypes []string) (string, error) {
	var resp struct {
		WebhookCreate struct {
			Success bool `json:"success"`
			Webhook struct {
				ID string `json:"id"`
			} `json:"webhook"`
		} `json:"webhookCreate"`
	}
	mutation := `mutation WebhookCreate($input: WebhookCreateInput!) {
  webhookCreate(input: $input) { success webhook { id } }
}`
	input := map[string]any{
		"url":            url,
		"label":          label,
		"allPublicTeams": true,
		"resourceTypes":  resourceTypes,
	}
	if err := c.do(ctx, mutation, map[string]any{"input": input}, &resp); err != nil {
		return "", err
	}
	if !resp.WebhookCreate.Success {
		return "", fmt.Errorf("webhook create for %s not accepted", url)
	}
	return resp.WebhookCreate.Webhook.ID, nil
}

// UpdateWebhook changes a webhook's url or enabled flag.
func (c *GraphQLClient) UpdateWebhook(ctx context.Context, webhookID, url string, enabled bool) error {
	var resp struct {
		WebhookUpdate struct {
			Success bool `json:"success"`
		} `json:"webhookUpdate"`
	}
	mutation := `mutation WebhookUpdate($id: String!, $input: WebhookUpdateInput!) {
  webhookUpdate(id: $id, input: $input) { success }
}`
	input := map[string]any{"enabled": enabled}
	if url != "" {
		input["url"] = url
	}
	if err := c.do(ctx, mutation, map[string]any{"id": webhookID, "input": input}, &resp); err != nil {
		return err
	}
	if !resp.WebhookUpdate.Success {
		return fmt.Errorf("webhook update %s not accepted", webhookID)
	}
	return nil
}

// DeleteWebhook removes a webhook registration.
func (c *GraphQLClient) DeleteWebhook(ctx context.Context, webhookID string) error {
	var resp struct {
		WebhookDelete struct {
			Success bool `json:"success"`
		} `json:"webhookDelete"`
	}
	mutation := `mutation WebhookDelete($id: String!) { webhookDelete(id: $id) { success } }`
	if err := c.do(ctx, mutation, map[string]any{"id": webhookID}, &resp); err != nil {
		return err
	}
	if !resp.WebhookDelete.Success {
		return fmt.Errorf("webhook delete %s not accepted", webhookID)
	}
	return nil
}

var _ Client = (*GraphQLClient)(nil)
