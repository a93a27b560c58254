package planning

import (
	"context"
	"fmt"
	"strings"

	"clawd/internal/dag"
	"clawd/internal/logging"
)

// RootIssue identifies the issue a planning session is rooted at.
type RootIssue struct {
	ID         string
	Identifier string
	Title      string
}

// Reply is what a plan_* handler hands back to the webhook router: a comment
// to post on the root issue, and on finalize the first batch of released
// issues to dispatch.
type Reply struct {
	Comment  string
	Released []dag.ReadyIssue
}

// Manager executes the plan_* comment intents. User mistakes (no open
// session, unreadable plan, cyclic dependencies) come back as Reply comments
// with a nil error; errors are reserved for store and controller failures.
type Manager struct {
	store         *Store
	dag           *dag.Controller
	maxConcurrent int
	logger        logging.Logger
}

// NewManager wires the session store to the DAG controller. maxConcurrent is
// the per-project dispatch budget for plans that do not set their own.
func NewManager(store *Store, controller *dag.Controller, maxConcurrent int, logger logging.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		store:         store,
		dag:           controller,
		maxConcurrent: maxConcurrent,
		logger:        logging.OrNop(logger),
	}
}

// Start opens a planning session on root. An already-open session is left
// untouched and reported back instead of being reset.
func (m *Manager) Start(ctx context.Context, root RootIssue, note string) (Reply, error) {
	var reply Reply
	err := m.store.Mutate(ctx, func(doc *document) error {
		if existing := doc.Sessions[root.ID]; existing != nil && existing.Status == SessionDrafting {
			reply.Comment = fmt.Sprintf(
				"**Planning already underway**\n\nThis issue has an open planning session with %d note(s). Add notes in further comments, finalize with a plan document, or abandon it.",
				len(existing.Notes))
			return errNoWrite
		}
		now := m.store.now()
		sess := &Session{
			RootIssueID:    root.ID,
			RootIdentifier: root.Identifier,
			ProjectName:    root.Title,
			Status:         SessionDrafting,
			StartedAt:      now,
			UpdatedAt:      now,
		}
		if n := capNote(note); n != "" {
			sess.Notes = append(sess.Notes, n)
		}
		doc.Sessions[root.ID] = sess
		reply.Comment = fmt.Sprintf(
			"**Planning started**\n\nCollecting plan notes for %s. Post notes as comments; finalize with a plan document: a fenced JSON block with an `issues` array, or a bullet list like `- %s: Title (after %s)`.",
			root.Identifier, exampleChild(root.Identifier, 2), exampleChild(root.Identifier, 1))
		return nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("start planning session for %s: %w", root.Identifier, err)
	}
	m.logger.Info("Planning session for %s: start handled", root.Identifier)
	return reply, nil
}

// Continue appends a note to the open session.
func (m *Manager) Continue(ctx context.Context, root RootIssue, note string) (Reply, error) {
	var reply Reply
	err := m.store.Mutate(ctx, func(doc *document) error {
		sess := doc.Sessions[root.ID]
		if sess == nil || sess.Status != SessionDrafting {
			reply.Comment = noSessionComment("adding plan notes")
			return errNoWrite
		}
		if n := capNote(note); n != "" {
			sess.Notes = append(sess.Notes, n)
		}
		sess.UpdatedAt = m.store.now()
		reply.Comment = fmt.Sprintf("Noted. The plan for %s now carries %d note(s).", root.Identifier, len(sess.Notes))
		return nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("continue planning session for %s: %w", root.Identifier, err)
	}
	return reply, nil
}

// Abandon closes the open session without dispatching anything.
func (m *Manager) Abandon(ctx context.Context, root RootIssue) (Reply, error) {
	var reply Reply
	err := m.store.Mutate(ctx, func(doc *document) error {
		sess := doc.Sessions[root.ID]
		if sess == nil || sess.Status != SessionDrafting {
			reply.Comment = noSessionComment("abandoning")
			return errNoWrite
		}
		sess.Status = SessionAbandoned
		sess.UpdatedAt = m.store.now()
		reply.Comment = "**Planning abandoned**\n\nThe session is closed and nothing was dispatched. Start a new session to plan this project again."
		return nil
	})
	if err != nil {
		return Reply{}, fmt.Errorf("abandon planning session for %s: %w", root.Identifier, err)
	}
	m.logger.Info("Planning session for %s abandoned", root.Identifier)
	return reply, nil
}

// Finalize parses the plan document out of body, starts the project dispatch,
// and closes the session. Parse and graph validation problems keep the
// session open and come back as a Reply comment; the caller dispatches
// Reply.Released.
func (m *Manager) Finalize(ctx context.Context, root RootIssue, body string) (Reply, error) {
	sess, ok, err := m.store.Get(ctx, root.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("finalize planning session for %s: %w", root.Identifier, err)
	}
	if !ok || sess.Status != SessionDrafting {
		return Reply{Comment: noSessionComment("finalizing")}, nil
	}

	doc, err := ParseDocument(body)
	if err != nil {
		return Reply{Comment: fmt.Sprintf(
			"**Plan not parseable**\n\n%v\n\nThe session stays open. Post a corrected plan document: a fenced JSON block with an `issues` array, or `- %s: Title (after %s)` bullets.",
			err, exampleChild(root.Identifier, 2), exampleChild(root.Identifier, 1))}, nil
	}

	plan := dag.Plan{
		ProjectID:      ProjectIDFor(root.Identifier),
		ProjectName:    firstNonEmpty(doc.ProjectName, sess.ProjectName, root.Identifier),
		RootIdentifier: root.Identifier,
		MaxConcurrent:  doc.MaxConcurrent,
		Issues:         make([]dag.PlanIssue, 0, len(doc.Issues)),
	}
	if plan.MaxConcurrent <= 0 {
		plan.MaxConcurrent = m.maxConcurrent
	}
	for _, issue := range doc.Issues {
		plan.Issues = append(plan.Issues, dag.PlanIssue{
			Identifier: issue.Identifier,
			Title:      issue.Title,
			DependsOn:  issue.DependsOn,
		})
	}

	released, err := m.dag.Start(ctx, plan)
	if err != nil {
		// Graph problems (cycles, unknown deps, an already-running project)
		// are author-facing; the session stays open for a corrected plan.
		return Reply{Comment: fmt.Sprintf(
			"**Plan rejected**\n\n%v\n\nThe session stays open; post a corrected plan document to finalize again.", err)}, nil
	}

	err = m.store.Mutate(ctx, func(d *document) error {
		s := d.Sessions[root.ID]
		if s == nil {
			return errNoWrite
		}
		s.Status = SessionFinalized
		s.ProjectID = plan.ProjectID
		s.UpdatedAt = m.store.now()
		return nil
	})
	if err != nil {
		// The project is already dispatched; failing here would strand it.
		m.logger.Warn("Planning session for %s finalized but bookkeeping failed: %v", root.Identifier, err)
	}

	m.logger.Info("Planning session for %s finalized: project %s, %d issue(s), %d released",
		root.Identifier, plan.ProjectID, len(plan.Issues), len(released))
	return Reply{
		Comment:  finalizeComment(plan, released),
		Released: released,
	}, nil
}

// ProjectIDFor derives the stable project id used in dispatch state and
// cascade callbacks.
func ProjectIDFor(rootIdentifier string) string {
	return "proj-" + strings.ToLower(strings.TrimSpace(rootIdentifier))
}

func finalizeComment(plan dag.Plan, released []dag.ReadyIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Project dispatched**\n\n")
	fmt.Fprintf(&b, "Plan %q covers %d issue(s) with a concurrency budget of %d.\n\n", plan.ProjectName, len(plan.Issues), plan.MaxConcurrent)
	if len(released) == 0 {
		b.WriteString("No issue is dispatchable yet.")
		return b.String()
	}
	b.WriteString("Dispatching now:\n")
	for _, r := range released {
		if r.Title != "" {
			fmt.Fprintf(&b, "- %s: %s\n", r.Identifier, r.Title)
		} else {
			fmt.Fprintf(&b, "- %s\n", r.Identifier)
		}
	}
	b.WriteString("\nThe rest follow as their dependencies finish.")
	return b.String()
}

func noSessionComment(action string) string {
	return fmt.Sprintf("**No planning session**\n\nThis issue has no open planning session, so there is nothing to act on for %s. Start one first.", action)
}

// exampleChild renders a plausible child identifier for help text, e.g.
// ENG-100 → ENG-102.
func exampleChild(rootIdentifier string, offset int) string {
	i := strings.LastIndex(rootIdentifier, "-")
	if i <= 0 {
		return fmt.Sprintf("%s-%d", rootIdentifier, offset)
	}
	var n int
	if _, err := fmt.Sscanf(rootIdentifier[i+1:], "%d", &n); err != nil {
		return rootIdentifier
	}
	return fmt.Sprintf("%s-%d", rootIdentifier[:i], n+offset)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
