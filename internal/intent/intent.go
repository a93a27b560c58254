// Package intent classifies free-text tracker comments into the closed set
// of actions the webhook router knows how to take. Classification is an LLM
// call with a short timeout; when it fails or times out a deterministic
// keyword heuristic answers instead.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"clawd/internal/llm"
	"clawd/internal/logging"
	"clawd/internal/prompts"
	jsonx "clawd/internal/shared/json"
)

// Intent is one recognized comment intention.
type Intent string

const (
	General      Intent = "general"
	AskAgent     Intent = "ask_agent"
	RequestWork  Intent = "request_work"
	Question     Intent = "question"
	CloseIssue   Intent = "close_issue"
	PlanStart    Intent = "plan_start"
	PlanContinue Intent = "plan_continue"
	PlanFinalize Intent = "plan_finalize"
	PlanAbandon  Intent = "plan_abandon"
)

var known = map[Intent]bool{
	General: true, AskAgent: true, RequestWork: true, Question: true,
	CloseIssue: true, PlanStart: true, PlanContinue: true,
	PlanFinalize: true, PlanAbandon: true,
}

// Result is the classifier's answer.
type Result struct {
	Intent       Intent
	AgentID      string // set for ask_agent
	Reasoning    string
	FromFallback bool // heuristic answered because the LLM could not
}

// chatClient is the slice of the LLM client the classifier needs.
type chatClient interface {
	ChatJSON(ctx context.Context, messages []llm.Message) (string, error)
}

// Classifier maps comments to intents.
type Classifier struct {
	llm     chatClient
	prompts *prompts.Cache
	timeout time.Duration
	logger  logging.Logger
}

// NewClassifier builds a classifier. llmClient may be nil, in which case
// every call uses the heuristic.
func NewClassifier(llmClient chatClient, promptCache *prompts.Cache, timeout time.Duration, logger logging.Logger) *Classifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Classifier{
		llm:     llmClient,
		prompts: promptCache,
		timeout: timeout,
		logger:  logging.OrNop(logger),
	}
}

// Classify returns the intent of a comment. It never fails: any error path
// degrades to the keyword heuristic with FromFallback set.
func (c *Classifier) Classify(ctx context.Context, commentBody, issueContext string) Result {
	if c.llm != nil {
		result, err := c.classifyLLM(ctx, commentBody, issueContext)
		if err == nil {
			return result
		}
		c.logger.Warn("Intent classification fell back to heuristic: %v", err)
	}
	result := Heuristic(commentBody)
	result.FromFallback = true
	return result
}

func (c *Classifier) classifyLLM(ctx context.Context, commentBody, issueContext string) (Result, error) {
	prompt, err := c.prompts.Render("", "intent", map[string]string{
		"comment":      commentBody,
		"issueContext": issueContext,
	})
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.llm.ChatJSON(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return Result{}, err
	}

	var parsed struct {
		Intent    string `json:"intent"`
		AgentID   string `json:"agentId"`
		Reasoning string `json:"reasoning"`
	}
	if err := jsonx.Unmarshal([]byte(raw), &parsed); err != nil {
		return Result{}, fmt.Errorf("decode intent response: %w", err)
	}
	intent := Intent(strings.TrimSpace(parsed.Intent))
	if !known[intent] {
		return Result{}, fmt.Errorf("unknown intent %q", parsed.Intent)
	}
	return Result{
		Intent:    intent,
		AgentID:   strings.TrimSpace(parsed.AgentID),
		Reasoning: parsed.Reasoning,
	}, nil
}

var mentionRe = regexp.MustCompile(`^@([A-Za-z0-9_-]+)\b`)

var questionPrefixes = []string{
	"what", "why", "how", "where", "when", "who",
	"does", "do ", "can ", "could", "is ", "are ", "should",
}

var workVerbs = []string{
	"implement", "fix", "build", "add ", "refactor", "update the",
	"change the", "write ", "create a", "make the", "remove the",
}

// Heuristic classifies without the LLM. It is intentionally conservative:
// when nothing matches, the comment is general chatter.
func Heuristic(commentBody string) Result {
	body := strings.TrimSpace(commentBody)
	lower := strings.ToLower(body)

	if m := mentionRe.FindStringSubmatch(body); m != nil {
		return Result{Intent: AskAgent, AgentID: m[1], Reasoning: "mentions an agent by alias"}
	}

	switch {
	case containsAny(lower, "abandon the plan", "scrap the plan", "stop planning", "cancel the plan"):
		return Result{Intent: PlanAbandon, Reasoning: "asks to abandon planning"}
	case containsAny(lower, "finalize the plan", "finalize plan", "create the issues", "plan looks good"):
		return Result{Intent: PlanFinalize, Reasoning: "approves the plan"}
	case containsAny(lower, "plan out", "draft a plan", "break this down", "break it down", "start planning"):
		return Result{Intent: PlanStart, Reasoning: "asks to plan"}
	case containsAny(lower, "close this issue", "close the issue", "please close", "wontfix", "won't fix"):
		return Result{Intent: CloseIssue, Reasoning: "asks to close"}
	}

	if strings.HasSuffix(body, "?") || hasAnyPrefix(lower, questionPrefixes) {
		return Result{Intent: Question, Reasoning: "phrased as a question"}
	}
	if containsAny(lower, workVerbs...) {
		return Result{Intent: RequestWork, Reasoning: "asks for a code change"}
	}
	return Result{Intent: General, Reasoning: "no actionable keywords"}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
