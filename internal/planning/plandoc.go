package planning

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	jsonx "clawd/internal/shared/json"
)

// ErrNoPlan means the finalize comment carried nothing that parses as a plan
// document. The session stays open so the author can post a corrected one.
var ErrNoPlan = errors.New("no parseable plan document")

// PlanDoc is the parsed form of a finalize comment. Issues keep the order
// they were written in.
type PlanDoc struct {
	ProjectName   string      `json:"projectName,omitempty"`
	MaxConcurrent int         `json:"maxConcurrent,omitempty"`
	Issues        []PlanIssue `json:"issues"`
}

// PlanIssue is one entry of a plan document.
type PlanIssue struct {
	Identifier string   `json:"identifier"`
	Title      string   `json:"title,omitempty"`
	DependsOn  []string `json:"dependsOn,omitempty"`
}

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")
	// - ENG-12: Wire the login form (after ENG-10, ENG-11)
	bulletRe = regexp.MustCompile(`^\s*[-*]\s*([A-Za-z][A-Za-z0-9]*-\d+)\s*:\s*(.*?)\s*(?:\((?:after|depends on|needs)\s+([^)]+)\)\s*)?$`)
)

// ParseDocument extracts a plan from a finalize comment. It prefers a fenced
// JSON block (the last one wins, repaired when malformed) and falls back to
// a markdown bullet list of the form `- ENG-2: Title (after ENG-1)`. Returns
// ErrNoPlan when neither form yields at least one issue.
func ParseDocument(body string) (*PlanDoc, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrNoPlan
	}
	if doc := parseFencedJSON(body); doc != nil {
		if err := doc.validate(); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if doc := parseBullets(body); doc != nil {
		if err := doc.validate(); err != nil {
			return nil, err
		}
		return doc, nil
	}
	return nil, ErrNoPlan
}

func parseFencedJSON(body string) *PlanDoc {
	matches := fenceRe.FindAllStringSubmatch(body, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		frag := strings.TrimSpace(matches[i][1])
		if frag == "" {
			continue
		}
		var doc PlanDoc
		if err := jsonx.Unmarshal([]byte(frag), &doc); err == nil && len(doc.Issues) > 0 {
			return &doc
		}
		repaired, err := jsonrepair.JSONRepair(frag)
		if err != nil {
			continue
		}
		if err := jsonx.Unmarshal([]byte(repaired), &doc); err == nil && len(doc.Issues) > 0 {
			return &doc
		}
	}
	return nil
}

func parseBullets(body string) *PlanDoc {
	doc := &PlanDoc{}
	for _, line := range strings.Split(body, "\n") {
		m := bulletRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		issue := PlanIssue{
			Identifier: strings.ToUpper(m[1]),
			Title:      strings.TrimSpace(m[2]),
		}
		if m[3] != "" {
			for _, dep := range strings.FieldsFunc(m[3], func(r rune) bool { return r == ',' || r == ' ' }) {
				dep = strings.TrimSpace(dep)
				if dep != "" {
					issue.DependsOn = append(issue.DependsOn, strings.ToUpper(dep))
				}
			}
		}
		doc.Issues = append(doc.Issues, issue)
	}
	if len(doc.Issues) == 0 {
		return nil
	}
	return doc
}

func (d *PlanDoc) validate() error {
	if len(d.Issues) == 0 {
		return ErrNoPlan
	}
	for i, issue := range d.Issues {
		if strings.TrimSpace(issue.Identifier) == "" {
			return fmt.Errorf("plan issue %d has no identifier", i+1)
		}
	}
	return nil
}
