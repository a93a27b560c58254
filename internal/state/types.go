// Package state persists dispatch lifecycle data in a single JSON document
// guarded by a file lock. All mutations go through compare-and-swap
// transitions so concurrent handlers cannot clobber each other's progress.
package state

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an active dispatch.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusWorking    Status = "working"
	StatusAuditing   Status = "auditing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusStuck      Status = "stuck"
)

// IsTerminal reports whether no outbound transitions exist from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusStuck:
		return true
	default:
		return false
	}
}

// allowedTransitions is the complete transition table. Anything absent is
// invalid, including self-transitions.
var allowedTransitions = map[Status][]Status{
	StatusDispatched: {StatusWorking, StatusFailed, StatusStuck},
	StatusWorking:    {StatusAuditing, StatusFailed, StatusStuck},
	StatusAuditing:   {StatusDone, StatusWorking, StatusStuck},
}

// CanTransition reports whether from → to is in the allowed table.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stuck reasons produced by the pipeline.
const (
	StuckReasonWatchdog = "watchdog_kill_2x"
)

// StuckReasonAuditFailed renders the escalation reason for n failed audits.
func StuckReasonAuditFailed(n int) string {
	return fmt.Sprintf("audit_failed_%dx", n)
}

// Tier is the complexity class assigned at dispatch time.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// ParseTier normalizes a tier string, defaulting to medium.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierSmall, TierMedium, TierHigh:
		return Tier(s)
	default:
		return TierMedium
	}
}

// Phase distinguishes the two sub-agent runs of a dispatch.
type Phase string

const (
	PhaseWorker Phase = "worker"
	PhaseAudit  Phase = "audit"
)

// WorktreeRef names one working copy of a multi-repo dispatch.
type WorktreeRef struct {
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// ActiveDispatch is one tracked change attempt on one issue. The issue
// identifier (e.g. ENG-472) is the primary key.
type ActiveDispatch struct {
	IssueID          string        `json:"issueId"`
	Identifier       string        `json:"issueIdentifier"`
	Title            string        `json:"title,omitempty"`
	WorktreePath     string        `json:"worktreePath"`
	Branch           string        `json:"branch"`
	Tier             Tier          `json:"tier"`
	Model            string        `json:"model,omitempty"`
	AgentID          string        `json:"agentId,omitempty"`
	Status           Status        `json:"status"`
	DispatchedAt     time.Time     `json:"dispatchedAt"`
	Attempt          int           `json:"attempt"`
	WorkerSessionKey string        `json:"workerSessionKey,omitempty"`
	AuditSessionKey  string        `json:"auditSessionKey,omitempty"`
	StuckReason      string        `json:"stuckReason,omitempty"`
	Project          string        `json:"project,omitempty"`
	Worktrees        []WorktreeRef `json:"worktrees,omitempty"`
	// PendingGaps holds the last failed audit's gap list while the dispatch
	// is parked in working awaiting a rework run. Cleared when the worker
	// actually spawns.
	PendingGaps []string `json:"pendingGaps,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (d *ActiveDispatch) Clone() *ActiveDispatch {
	if d == nil {
		return nil
	}
	out := *d
	if len(d.Worktrees) > 0 {
		out.Worktrees = append([]WorktreeRef(nil), d.Worktrees...)
	}
	if len(d.PendingGaps) > 0 {
		out.PendingGaps = append([]string(nil), d.PendingGaps...)
	}
	return &out
}

// CompletedDispatch is the post-terminal record kept for reporting.
type CompletedDispatch struct {
	Identifier    string    `json:"issueIdentifier"`
	Tier          Tier      `json:"tier"`
	Status        Status    `json:"status"`
	CompletedAt   time.Time `json:"completedAt"`
	PRUrl         string    `json:"prUrl,omitempty"`
	Project       string    `json:"project,omitempty"`
	TotalAttempts int       `json:"totalAttempts"`
}

// SessionMapping correlates a sub-agent session key with its dispatch.
type SessionMapping struct {
	DispatchID string `json:"dispatchId"`
	Phase      Phase  `json:"phase"`
	Attempt    int    `json:"attempt"`
}

// ProjectStatus is the lifecycle state of a project dispatch.
type ProjectStatus string

const (
	ProjectPlanning    ProjectStatus = "planning"
	ProjectDispatching ProjectStatus = "dispatching"
	ProjectDone        ProjectStatus = "done"
	ProjectStuck       ProjectStatus = "stuck"
)

// IssueDispatchStatus tracks one issue inside a project plan.
type IssueDispatchStatus string

const (
	IssuePending    IssueDispatchStatus = "pending"
	IssueDispatched IssueDispatchStatus = "dispatched"
	IssueDone       IssueDispatchStatus = "done"
	IssueStuck      IssueDispatchStatus = "stuck"
)

// ProjectIssue is one node of the dependency graph.
type ProjectIssue struct {
	Title          string              `json:"title,omitempty"`
	DependsOn      []string            `json:"dependsOn"`
	Unblocks       []string            `json:"unblocks"`
	DispatchStatus IssueDispatchStatus `json:"dispatchStatus"`
}

// ProjectDispatch is a project-scoped plan of dependent dispatches.
type ProjectDispatch struct {
	ProjectID      string                   `json:"projectId"`
	ProjectName    string                   `json:"projectName"`
	RootIdentifier string                   `json:"rootIdentifier"`
	Status         ProjectStatus            `json:"status"`
	MaxConcurrent  int                      `json:"maxConcurrent"`
	Issues         map[string]*ProjectIssue `json:"issues"`
}

// Dispatches groups active and completed records in the state document.
type Dispatches struct {
	Active    map[string]*ActiveDispatch    `json:"active"`
	Completed map[string]*CompletedDispatch `json:"completed"`
}

// State is the full on-disk document.
type State struct {
	Version         int                         `json:"version"`
	Dispatches      Dispatches                  `json:"dispatches"`
	SessionMap      map[string]SessionMapping   `json:"sessionMap"`
	ProcessedEvents []string                    `json:"processedEvents"`
	Projects        map[string]*ProjectDispatch `json:"projects,omitempty"`
}

// NewState returns an empty current-version document.
func NewState() *State {
	return &State{
		Version: CurrentVersion,
		Dispatches: Dispatches{
			Active:    map[string]*ActiveDispatch{},
			Completed: map[string]*CompletedDispatch{},
		},
		SessionMap:      map[string]SessionMapping{},
		ProcessedEvents: []string{},
		Projects:        map[string]*ProjectDispatch{},
	}
}

// normalize backfills nil maps after unmarshaling partial documents.
func (s *State) normalize() {
	if s.Dispatches.Active == nil {
		s.Dispatches.Active = map[string]*ActiveDispatch{}
	}
	if s.Dispatches.Completed == nil {
		s.Dispatches.Completed = map[string]*CompletedDispatch{}
	}
	if s.SessionMap == nil {
		s.SessionMap = map[string]SessionMapping{}
	}
	if s.ProcessedEvents == nil {
		s.ProcessedEvents = []string{}
	}
	if s.Projects == nil {
		s.Projects = map[string]*ProjectDispatch{}
	}
}

// TransitionCode classifies why a compare-and-swap was rejected.
type TransitionCode string

const (
	// TransitionMissing means no active dispatch with that id exists.
	TransitionMissing TransitionCode = "missing"
	// TransitionStale means another handler already advanced the dispatch.
	TransitionStale TransitionCode = "stale_state"
	// TransitionInvalid means from → to is not in the allowed table.
	TransitionInvalid TransitionCode = "invalid_transition"
)

// TransitionError reports a rejected CAS. It is normal control flow: callers
// log it (stale contention at info) and stand down, never retry in place.
type TransitionError struct {
	Code     TransitionCode
	ID       string
	From     Status
	To       Status
	Observed Status
}

func (e *TransitionError) Error() string {
	switch e.Code {
	case TransitionMissing:
		return fmt.Sprintf("dispatch %s: not active", e.ID)
	case TransitionStale:
		return fmt.Sprintf("dispatch %s: expected %s but observed %s (wanted %s)", e.ID, e.From, e.Observed, e.To)
	default:
		return fmt.Sprintf("dispatch %s: transition %s -> %s not allowed", e.ID, e.From, e.To)
	}
}

// AsTransitionError unwraps err into a *TransitionError when it is one.
func AsTransitionError(err error) (*TransitionError, bool) {
	var terr *TransitionError
	if err == nil {
		return nil, false
	}
	if errors.As(err, &terr) {
		return terr, true
	}
	return nil, false
}
