// Package verdict extracts the auditor's pass/fail judgment from raw agent
// output. Audit agents are asked to end with a JSON object like
// {"pass": false, "gaps": [...], "summary": "..."} but routinely wrap it in
// prose, code fences, or truncate it mid-stream, so parsing is tolerant:
// the last fragment containing a "pass" key wins, and malformed fragments go
// through jsonrepair before being rejected.
package verdict

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	jsonx "clawd/internal/shared/json"
)

// ErrUnparseable means no fragment of the output decoded into a verdict.
// Callers treat this as an audit failure with a synthetic gap, never a pass.
var ErrUnparseable = errors.New("no parseable verdict in audit output")

// Verdict is the auditor's judgment on one worker attempt. Criteria lists
// what the auditor verified, Gaps what still blocks a pass.
type Verdict struct {
	Pass        bool     `json:"pass"`
	Criteria    []string `json:"criteria,omitempty"`
	Gaps        []string `json:"gaps,omitempty"`
	TestResults string   `json:"testResults,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

// Render produces the canonical JSON form written to audit artifacts.
// Parse(v.Render()) returns a verdict equal to v.
func (v *Verdict) Render() string {
	data, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		// Verdict contains only plain Go types; this cannot fail in practice.
		return fmt.Sprintf(`{"pass": %t}`, v.Pass)
	}
	return string(data)
}

// Inconclusive is the synthetic failure used when the audit output carried
// no parseable verdict. It fails closed: an unreadable audit never passes.
func Inconclusive() *Verdict {
	return &Verdict{
		Pass:    false,
		Gaps:    []string{"Audit output did not contain a parseable verdict. Treat the attempt as not passing and re-run the audit."},
		Summary: "Audit inconclusive",
	}
}

// Parse scans text for the last JSON object fragment containing a "pass" key
// and decodes it, repairing malformed or truncated JSON when the strict parse
// fails. Returns ErrUnparseable when no candidate decodes.
func Parse(text string) (*Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrUnparseable
	}
	for _, frag := range candidateFragments(text) {
		if v, ok := decodeFragment(frag); ok {
			return v, nil
		}
	}
	return nil, ErrUnparseable
}

// candidateFragments returns object fragments enclosing a "pass" key, last
// occurrence first. Each fragment starts at the nearest enclosing '{' before
// the key and runs to the matching close brace, or to the end of text when
// the object was truncated (jsonrepair closes it).
func candidateFragments(text string) []string {
	var frags []string
	for _, keyIdx := range passKeyIndexes(text) {
		start := enclosingOpenBrace(text, keyIdx)
		if start < 0 {
			continue
		}
		end := matchingCloseBrace(text, start)
		if end < 0 {
			end = len(text)
		}
		frags = append(frags, text[start:end])
	}
	return frags
}

// passKeyIndexes lists offsets of `"pass"` in text, last first.
func passKeyIndexes(text string) []int {
	var idxs []int
	rest := text
	base := 0
	for {
		i := strings.Index(rest, `"pass"`)
		if i < 0 {
			break
		}
		idxs = append(idxs, base+i)
		base += i + len(`"pass"`)
		rest = text[base:]
	}
	for l, r := 0, len(idxs)-1; l < r; l, r = l+1, r-1 {
		idxs[l], idxs[r] = idxs[r], idxs[l]
	}
	return idxs
}

// enclosingOpenBrace walks backward from idx to the '{' that opens the
// object containing it, skipping over balanced nested objects.
func enclosingOpenBrace(text string, idx int) int {
	depth := 0
	for i := idx - 1; i >= 0; i-- {
		switch text[i] {
		case '}':
			depth++
		case '{':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

// matchingCloseBrace walks forward from the '{' at start to its matching
// '}', ignoring braces inside string literals. Returns the exclusive end
// offset, or -1 when the object never closes.
func matchingCloseBrace(text string, start int) int {
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// looseVerdict tolerates the shape drift LLMs produce: pass as a string,
// criteria/gaps as a single string or a mixed array.
type looseVerdict struct {
	Pass        any    `json:"pass"`
	Criteria    any    `json:"criteria"`
	Gaps        any    `json:"gaps"`
	TestResults string `json:"testResults"`
	Summary     string `json:"summary"`
}

func decodeFragment(frag string) (*Verdict, bool) {
	var loose looseVerdict
	if err := jsonx.Unmarshal([]byte(frag), &loose); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(frag)
		if repairErr != nil {
			return nil, false
		}
		if err := jsonx.Unmarshal([]byte(repaired), &loose); err != nil {
			return nil, false
		}
	}

	pass, ok := coerceBool(loose.Pass)
	if !ok {
		return nil, false
	}
	return &Verdict{
		Pass:        pass,
		Criteria:    coerceStrings(loose.Criteria),
		Gaps:        coerceStrings(loose.Gaps),
		TestResults: strings.TrimSpace(loose.TestResults),
		Summary:     strings.TrimSpace(loose.Summary),
	}, true
}

func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "pass", "passed":
			return true, true
		case "false", "no", "fail", "failed":
			return false, true
		}
	}
	return false, false
}

func coerceStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		var out []string
		for _, item := range t {
			switch g := item.(type) {
			case string:
				if s := strings.TrimSpace(g); s != "" {
					out = append(out, s)
				}
			case float64, int, bool:
				out = append(out, fmt.Sprintf("%v", g))
			}
		}
		return out
	}
	return nil
}
