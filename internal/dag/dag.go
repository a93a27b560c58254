// Package dag schedules project-scoped dispatches. A project plan is a set
// of issues with dependsOn edges; the controller validates the graph, keeps
// its progress in the state store, and tells callers which issues became
// ready whenever one completes. The caller owns actually dispatching them.
package dag

import (
	"context"
	"fmt"
	"sort"

	"clawd/internal/logging"
	"clawd/internal/notify"
	"clawd/internal/state"
)

// PlanIssue is one node of an incoming project plan.
type PlanIssue struct {
	Identifier string
	Title      string
	DependsOn  []string
}

// Plan describes a project dispatch before it starts.
type Plan struct {
	ProjectID      string
	ProjectName    string
	RootIdentifier string
	MaxConcurrent  int
	Issues         []PlanIssue
}

// ReadyIssue is an issue whose dependencies are all done and which fits the
// concurrency budget. The pipeline dispatches these.
type ReadyIssue struct {
	ProjectID   string
	ProjectName string
	Identifier  string
	Title       string
}

// Controller owns project dispatch scheduling.
type Controller struct {
	store    *state.Store
	notifier *notify.Notifier
	logger   logging.Logger
}

func NewController(store *state.Store, notifier *notify.Notifier, logger logging.Logger) *Controller {
	if notifier == nil {
		notifier = notify.Nop()
	}
	return &Controller{
		store:    store,
		notifier: notifier,
		logger:   logging.OrNop(logger),
	}
}

// Start validates the plan, persists it, and returns the initial batch of
// ready issues, already marked dispatched in the project record.
func (c *Controller) Start(ctx context.Context, plan Plan) ([]ReadyIssue, error) {
	if plan.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if len(plan.Issues) == 0 {
		return nil, fmt.Errorf("project %s has no issues", plan.ProjectID)
	}
	if err := validate(plan.Issues); err != nil {
		return nil, err
	}
	if plan.MaxConcurrent <= 0 {
		plan.MaxConcurrent = 1
	}

	project := &state.ProjectDispatch{
		ProjectID:      plan.ProjectID,
		ProjectName:    plan.ProjectName,
		RootIdentifier: plan.RootIdentifier,
		Status:         state.ProjectDispatching,
		MaxConcurrent:  plan.MaxConcurrent,
		Issues:         map[string]*state.ProjectIssue{},
	}
	for _, issue := range plan.Issues {
		project.Issues[issue.Identifier] = &state.ProjectIssue{
			Title:          issue.Title,
			DependsOn:      append([]string(nil), issue.DependsOn...),
			DispatchStatus: state.IssuePending,
		}
	}
	for _, issue := range plan.Issues {
		for _, dep := range issue.DependsOn {
			project.Issues[dep].Unblocks = append(project.Issues[dep].Unblocks, issue.Identifier)
		}
	}

	var released []ReadyIssue
	err := c.store.Update(ctx, func(st *state.State) error {
		if _, exists := st.Projects[plan.ProjectID]; exists {
			return fmt.Errorf("project %s already dispatched", plan.ProjectID)
		}
		released = releaseReady(project)
		st.Projects[plan.ProjectID] = project
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Project %s started: %d issues, %d released", plan.ProjectID, len(plan.Issues), len(released))
	return released, nil
}

// OnIssueCompleted marks one project issue done and returns newly released
// issues. Unknown projects and repeated calls are tolerated: both return an
// empty batch.
func (c *Controller) OnIssueCompleted(ctx context.Context, projectID, identifier string) ([]ReadyIssue, error) {
	var released []ReadyIssue
	var progress *notify.Payload
	err := c.store.Update(ctx, func(st *state.State) error {
		project, ok := st.Projects[projectID]
		if !ok {
			c.logger.Info("Completion for %s ignored: project %s not active", identifier, projectID)
			return nil
		}
		issue, ok := project.Issues[identifier]
		if !ok {
			c.logger.Info("Completion for %s ignored: not part of project %s", identifier, projectID)
			return nil
		}
		if issue.DispatchStatus == state.IssueDone {
			return nil
		}
		issue.DispatchStatus = state.IssueDone

		released = releaseReady(project)
		if allDone(project) {
			project.Status = state.ProjectDone
		}
		done, total := progressCounts(project)
		progress = &notify.Payload{
			Identifier:  project.RootIdentifier,
			Title:       project.ProjectName,
			ProjectName: project.ProjectName,
			DoneCount:   done,
			TotalCount:  total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if progress != nil {
		c.notifier.Notify(ctx, notify.KindProjectProgress, *progress)
	}
	return released, nil
}

// OnIssueStuck marks one project issue stuck. When any other issue is
// transitively blocked by it, the whole project is marked stuck.
func (c *Controller) OnIssueStuck(ctx context.Context, projectID, identifier string) error {
	return c.store.Update(ctx, func(st *state.State) error {
		project, ok := st.Projects[projectID]
		if !ok {
			c.logger.Info("Stuck report for %s ignored: project %s not active", identifier, projectID)
			return nil
		}
		issue, ok := project.Issues[identifier]
		if !ok {
			c.logger.Info("Stuck report for %s ignored: not part of project %s", identifier, projectID)
			return nil
		}
		if issue.DispatchStatus == state.IssueStuck {
			return nil
		}
		issue.DispatchStatus = state.IssueStuck

		if len(blockedBy(project, identifier)) > 0 {
			project.Status = state.ProjectStuck
			c.logger.Warn("Project %s stuck: %s blocks further progress", projectID, identifier)
		}
		return nil
	})
}

// Progress reports done vs total for a project.
func (c *Controller) Progress(ctx context.Context, projectID string) (done, total int, err error) {
	project, ok, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("project %s not found", projectID)
	}
	done, total = progressCounts(project)
	return done, total, nil
}

// releaseReady flips pending issues whose dependencies are all done to
// dispatched, respecting the concurrency budget. Scanning the whole plan on
// every call keeps the operation idempotent.
func releaseReady(project *state.ProjectDispatch) []ReadyIssue {
	inFlight := 0
	for _, issue := range project.Issues {
		if issue.DispatchStatus == state.IssueDispatched {
			inFlight++
		}
	}
	budget := project.MaxConcurrent - inFlight

	identifiers := make([]string, 0, len(project.Issues))
	for identifier := range project.Issues {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)

	var released []ReadyIssue
	for _, identifier := range identifiers {
		if budget <= 0 {
			break
		}
		issue := project.Issues[identifier]
		if issue.DispatchStatus != state.IssuePending || !depsDone(project, issue) {
			continue
		}
		issue.DispatchStatus = state.IssueDispatched
		released = append(released, ReadyIssue{
			ProjectID:   project.ProjectID,
			ProjectName: project.ProjectName,
			Identifier:  identifier,
			Title:       issue.Title,
		})
		budget--
	}
	return released
}

func depsDone(project *state.ProjectDispatch, issue *state.ProjectIssue) bool {
	for _, dep := range issue.DependsOn {
		depIssue, ok := project.Issues[dep]
		if !ok || depIssue.DispatchStatus != state.IssueDone {
			return false
		}
	}
	return true
}

func allDone(project *state.ProjectDispatch) bool {
	for _, issue := range project.Issues {
		if issue.DispatchStatus != state.IssueDone {
			return false
		}
	}
	return true
}

// blockedBy returns identifiers transitively blocked by the given issue.
func blockedBy(project *state.ProjectDispatch, identifier string) []string {
	var blocked []string
	seen := map[string]bool{identifier: true}
	queue := append([]string(nil), project.Issues[identifier].Unblocks...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		blocked = append(blocked, next)
		if issue, ok := project.Issues[next]; ok {
			queue = append(queue, issue.Unblocks...)
		}
	}
	return blocked
}

func progressCounts(project *state.ProjectDispatch) (done, total int) {
	for _, issue := range project.Issues {
		total++
		if issue.DispatchStatus == state.IssueDone {
			done++
		}
	}
	return done, total
}

// validate rejects plans with unknown dependencies or cycles, using Kahn's
// algorithm for the cycle check.
func validate(issues []PlanIssue) error {
	inDegree := make(map[string]int, len(issues))
	dependents := make(map[string][]string, len(issues))
	for _, issue := range issues {
		if _, dup := inDegree[issue.Identifier]; dup {
			return fmt.Errorf("duplicate issue %s in plan", issue.Identifier)
		}
		inDegree[issue.Identifier] = 0
	}
	for _, issue := range issues {
		for _, dep := range issue.DependsOn {
			if _, exists := inDegree[dep]; !exists {
				return fmt.Errorf("issue %s depends on unknown issue %s", issue.Identifier, dep)
			}
			inDegree[issue.Identifier]++
			dependents[dep] = append(dependents[dep], issue.Identifier)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed != len(issues) {
		return fmt.Errorf("circular dependency: %d issues could not be ordered", len(issues)-processed)
	}
	return nil
}
