package pipeline

// Tracker comment bodies posted by the pipeline. All of them render plain
// markdown; attempts are shown 1-based.

import (
	"fmt"
	"strings"

	"clawd/internal/state"
	"clawd/internal/verdict"
)

func dispatchAckComment(d *state.ActiveDispatch) string {
	var b strings.Builder
	b.WriteString("**Dispatched**\n\n")
	fmt.Fprintf(&b, "Working on %s in branch `%s` (tier %s). ", d.Identifier, d.Branch, d.Tier)
	b.WriteString("The audit result lands here when the change is ready.")
	return b.String()
}

func dispatchFailedComment(identifier string, cause error) string {
	var b strings.Builder
	b.WriteString("**Dispatch failed**\n\n")
	fmt.Fprintf(&b, "Could not start work on %s: %v\n\n", identifier, cause)
	b.WriteString("No dispatch is active for this issue. Re-assign it or comment here to retry.")
	return b.String()
}

func watchdogComment(d *state.ActiveDispatch, reason string) string {
	var b strings.Builder
	b.WriteString("**Agent Timed Out**\n\n")
	fmt.Fprintf(&b, "The worker on attempt %d stalled and was killed by the watchdog (%s), including one automatic retry.\n\n", d.Attempt+1, reason)
	b.WriteString("How to proceed:\n")
	b.WriteString("1. Comment with more specific guidance and re-assign the issue to retry.\n")
	b.WriteString("2. Split the issue into smaller, more concrete issues.\n")
	fmt.Fprintf(&b, "3. Take over manually; partial work may be committed on `%s`.", d.Branch)
	return b.String()
}

func inconclusiveComment(d *state.ActiveDispatch) string {
	var b strings.Builder
	b.WriteString("**Audit Inconclusive**\n\n")
	fmt.Fprintf(&b, "The audit of attempt %d produced no parseable verdict, so the attempt counts as not passing. ", d.Attempt+1)
	b.WriteString("The dispatch continues through the normal rework path.")
	return b.String()
}

func successComment(v *verdict.Verdict, prURL string) string {
	var b strings.Builder
	b.WriteString("**Audit Passed**\n\n")
	if v.Summary != "" {
		b.WriteString(v.Summary)
		b.WriteString("\n\n")
	}
	if len(v.Criteria) > 0 {
		b.WriteString("Verified:\n")
		for _, c := range v.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if v.TestResults != "" {
		fmt.Fprintf(&b, "Tests: %s\n\n", v.TestResults)
	}
	if prURL != "" {
		fmt.Fprintf(&b, "PR: %s", prURL)
	} else {
		b.WriteString("No pull request was opened; the worktree holds no commits.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func reworkComment(v *verdict.Verdict, nextAttempt, maxRework int) string {
	var b strings.Builder
	b.WriteString("**Needs more work**\n\n")
	fmt.Fprintf(&b, "Attempt %d did not pass the audit.", nextAttempt)
	if v.Summary != "" {
		fmt.Fprintf(&b, " %s", v.Summary)
	}
	b.WriteString("\n\n")
	if len(v.Gaps) > 0 {
		b.WriteString("Gaps to close:\n")
		for _, g := range v.Gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Retrying automatically: attempt %d of %d.", nextAttempt+1, maxRework+1)
	return b.String()
}

func escalationComment(v *verdict.Verdict, attempts int) string {
	var b strings.Builder
	b.WriteString("**Needs Your Help**\n\n")
	fmt.Fprintf(&b, "%d attempt(s) did not pass the audit and the automatic rework budget is spent.", attempts)
	if v.Summary != "" {
		fmt.Fprintf(&b, " %s", v.Summary)
	}
	b.WriteString("\n\n")
	if len(v.Gaps) > 0 {
		b.WriteString("Remaining gaps:\n")
		for _, g := range v.Gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
		b.WriteString("\n")
	}
	b.WriteString("How to proceed:\n")
	b.WriteString("1. Comment with concrete guidance and re-assign the issue; the dispatch restarts with a fresh budget.\n")
	b.WriteString("2. Split this issue into smaller issues and assign those instead.\n")
	b.WriteString("3. Take over manually; the work so far is committed on the dispatch branch.")
	return b.String()
}
