package webhook

import (
	"context"
	"fmt"
	"strings"

	"clawd/internal/llm"
	"clawd/internal/logging"
	"clawd/internal/pipeline"
	"clawd/internal/prompts"
	jsonx "clawd/internal/shared/json"
	"clawd/internal/state"
	"clawd/internal/tracker"
)

// chatClient is the slice of the LLM client triage needs.
type chatClient interface {
	ChatJSON(ctx context.Context, messages []llm.Message) (string, error)
}

// Triage suggests a tier and an estimate for newly created issues, applies
// what the team's setup supports, and leaves a comment explaining itself.
// Everything is best-effort: a failed triage changes nothing on the issue.
type Triage struct {
	llm            chatClient
	prompts        *prompts.Cache
	tracker        tracker.Client
	engine         *pipeline.Engine
	defaultAgentID string
	logger         logging.Logger
}

// NewTriage builds the auto-triage handler. llmClient may be nil; every
// suggestion then comes from the deterministic heuristic.
func NewTriage(llmClient chatClient, promptCache *prompts.Cache, trackerClient tracker.Client, engine *pipeline.Engine, defaultAgentID string, logger logging.Logger) *Triage {
	return &Triage{
		llm:            llmClient,
		prompts:        promptCache,
		tracker:        trackerClient,
		engine:         engine,
		defaultAgentID: defaultAgentID,
		logger:         logging.OrNop(logger),
	}
}

// suggestion is what triage decides about one issue.
type suggestion struct {
	Tier      string  `json:"tier"`
	Estimate  float64 `json:"estimate"`
	Reasoning string  `json:"reasoning"`

	fromFallback bool
}

// Run triages one issue.
func (t *Triage) Run(ctx context.Context, issueID string) {
	issue, err := t.tracker.GetIssueDetails(ctx, issueID)
	if err != nil {
		t.logger.Warn("Triage: issue %s lookup failed: %v", issueID, err)
		return
	}

	sug := t.suggest(ctx, issue)

	patch := tracker.IssuePatch{}
	if issue.Team.IssueEstimationType != "" && sug.Estimate > 0 {
		estimate := sug.Estimate
		patch.Estimate = &estimate
	}
	if labelID, ok := t.tierLabelID(ctx, issue, sug.Tier); ok {
		ids := make([]string, 0, len(issue.Labels)+1)
		for _, l := range issue.Labels {
			ids = append(ids, l.ID)
		}
		ids = append(ids, labelID)
		patch.LabelIDs = &ids
	}
	if patch.Estimate != nil || patch.LabelIDs != nil {
		if err := t.tracker.UpdateIssue(ctx, issue.ID, patch); err != nil {
			t.logger.Warn("Triage update on %s failed: %v", issue.Identifier, err)
		}
	}

	if _, err := t.engine.PostComment(ctx, t.defaultAgentID, issue.ID, triageComment(sug)); err != nil {
		t.logger.Warn("Triage comment on %s failed: %v", issue.Identifier, err)
	}
	t.logger.Info("Issue %s triaged: tier=%s estimate=%.1f fallback=%t",
		issue.Identifier, sug.Tier, sug.Estimate, sug.fromFallback)
}

// suggest asks the LLM for a tier and estimate, degrading to the heuristic
// on any failure.
func (t *Triage) suggest(ctx context.Context, issue *tracker.Issue) suggestion {
	if t.llm != nil {
		sug, err := t.suggestLLM(ctx, issue)
		if err == nil {
			return sug
		}
		t.logger.Warn("Triage suggestion for %s fell back to heuristic: %v", issue.Identifier, err)
	}
	sug := heuristicTriage(issue)
	sug.fromFallback = true
	return sug
}

func (t *Triage) suggestLLM(ctx context.Context, issue *tracker.Issue) (suggestion, error) {
	prompt, err := t.prompts.Render("", "triage", map[string]string{
		"identifier":  issue.Identifier,
		"title":       issue.Title,
		"description": issue.Description,
	})
	if err != nil {
		return suggestion{}, err
	}
	raw, err := t.llm.ChatJSON(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return suggestion{}, err
	}
	var sug suggestion
	if err := jsonx.Unmarshal([]byte(raw), &sug); err != nil {
		return suggestion{}, fmt.Errorf("decode triage suggestion: %w", err)
	}
	normalized := string(state.ParseTier(strings.ToLower(strings.TrimSpace(sug.Tier))))
	if normalized != strings.ToLower(strings.TrimSpace(sug.Tier)) {
		return suggestion{}, fmt.Errorf("triage suggested unknown tier %q", sug.Tier)
	}
	sug.Tier = normalized
	return sug, nil
}

// heuristicTriage is the deterministic fallback: keyword buckets first,
// description size as the tiebreaker.
func heuristicTriage(issue *tracker.Issue) suggestion {
	text := strings.ToLower(issue.Title + " " + issue.Description)
	switch {
	case containsAny(text, "refactor", "migrate", "migration", "redesign", "rewrite", "architecture"):
		return suggestion{Tier: string(state.TierHigh), Estimate: 5, Reasoning: "Structural work keywords suggest a large change."}
	case containsAny(text, "typo", "bump", "rename", "comment", "copy change", "one-line"):
		return suggestion{Tier: string(state.TierSmall), Estimate: 1, Reasoning: "Cosmetic-change keywords suggest a small fix."}
	case len(issue.Description) > 1200:
		return suggestion{Tier: string(state.TierHigh), Estimate: 5, Reasoning: "Long description suggests broad scope."}
	case len(issue.Description) < 120:
		return suggestion{Tier: string(state.TierSmall), Estimate: 1, Reasoning: "Short description suggests narrow scope."}
	default:
		return suggestion{Tier: string(state.TierMedium), Estimate: 3, Reasoning: "No strong signal either way."}
	}
}

// tierLabelID finds the team label for a tier, named either `tier:<name>`
// or bare `<name>`. Teams without such labels simply get no label applied.
func (t *Triage) tierLabelID(ctx context.Context, issue *tracker.Issue, tier string) (string, bool) {
	if tier == "" || issue.Team.ID == "" {
		return "", false
	}
	labels, err := t.tracker.GetTeamLabels(ctx, issue.Team.ID)
	if err != nil {
		t.logger.Warn("Triage labels lookup for team %s failed: %v", issue.Team.Key, err)
		return "", false
	}
	for _, l := range labels {
		name := strings.ToLower(l.Name)
		if name == "tier:"+tier || name == tier {
			if issue.HasLabel(l.Name) {
				return "", false
			}
			return l.ID, true
		}
	}
	return "", false
}

func triageComment(sug suggestion) string {
	var b strings.Builder
	b.WriteString("**Triage**\n\n")
	fmt.Fprintf(&b, "Suggested tier: %s.", sug.Tier)
	if sug.Estimate > 0 {
		fmt.Fprintf(&b, " Estimate: %g point(s).", sug.Estimate)
	}
	if sug.Reasoning != "" {
		fmt.Fprintf(&b, "\n\n%s", sug.Reasoning)
	}
	b.WriteString("\n\nAssign the issue to dispatch it.")
	return b.String()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
