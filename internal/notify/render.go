package notify

import (
	"fmt"
	"html"
	"strings"
)

// Severity colors for embed-family channels.
const (
	colorBlue   = 0x3B82F6
	colorYellow = 0xEAB308
	colorGreen  = 0x22C55E
	colorOrange = 0xF97316
	colorRed    = 0xEF4444
	colorGray   = 0x6B7280
)

func kindIcon(kind Kind) string {
	switch kind {
	case KindDispatch:
		return "\U0001F680" // 🚀
	case KindWorking:
		return "\U0001F528" // 🔨
	case KindAuditing:
		return "\U0001F50D" // 🔍
	case KindAuditPass:
		return "✅" // ✅
	case KindAuditFail:
		return "\U0001F501" // 🔁
	case KindEscalation:
		return "\U0001F6A8" // 🚨
	case KindStuck:
		return "⛔" // ⛔
	case KindWatchdogKill:
		return "⏱️" // ⏱️
	case KindProjectProgress:
		return "\U0001F4CA" // 📊
	default:
		return "ℹ️" // ℹ️
	}
}

func kindColor(kind Kind) int {
	switch kind {
	case KindDispatch, KindProjectProgress:
		return colorBlue
	case KindWorking, KindAuditing:
		return colorYellow
	case KindAuditPass:
		return colorGreen
	case KindAuditFail:
		return colorOrange
	case KindEscalation, KindStuck, KindWatchdogKill:
		return colorRed
	default:
		return colorGray
	}
}

func kindHeadline(kind Kind, p Payload) string {
	switch kind {
	case KindDispatch:
		return "Dispatched"
	case KindWorking:
		return fmt.Sprintf("Worker started (attempt %d)", p.Attempt+1)
	case KindAuditing:
		return fmt.Sprintf("Audit started (attempt %d)", p.Attempt+1)
	case KindAuditPass:
		return "Audit passed"
	case KindAuditFail:
		return fmt.Sprintf("Audit failed, rework queued (attempt %d)", p.Attempt+1)
	case KindEscalation:
		return "Escalated: needs your help"
	case KindStuck:
		return "Stuck"
	case KindWatchdogKill:
		return "Agent timed out"
	case KindProjectProgress:
		return fmt.Sprintf("Project progress %d/%d", p.DoneCount, p.TotalCount)
	case KindTest:
		return "Test notification"
	default:
		return string(kind)
	}
}

// render produces the plain form and, in rich mode, the embed and HTML forms.
func render(kind Kind, p Payload, rich bool) Message {
	msg := Message{Kind: kind, Plain: renderPlain(kind, p), Data: p}
	if rich {
		msg.Embed = renderEmbed(kind, p)
		msg.HTML = renderHTML(kind, p)
	}
	return msg
}

func renderPlain(kind Kind, p Payload) string {
	var b strings.Builder
	b.WriteString(kindIcon(kind))
	b.WriteString(" ")
	if kind == KindProjectProgress {
		name := p.ProjectName
		if name == "" {
			name = p.Identifier
		}
		fmt.Fprintf(&b, "%s %s", name, kindHeadline(kind, p))
	} else {
		fmt.Fprintf(&b, "%s %s", p.Identifier, kindHeadline(kind, p))
	}
	if p.Title != "" {
		fmt.Fprintf(&b, ": %s", p.Title)
	}
	if p.Reason != "" {
		fmt.Fprintf(&b, " (%s)", p.Reason)
	}
	if p.Verdict != nil && len(p.Verdict.Gaps) > 0 {
		fmt.Fprintf(&b, "\nGaps:")
		for _, gap := range p.Verdict.Gaps {
			fmt.Fprintf(&b, "\n- %s", gap)
		}
	}
	if p.PRUrl != "" {
		fmt.Fprintf(&b, "\nPR: %s", p.PRUrl)
	}
	return b.String()
}

func renderEmbed(kind Kind, p Payload) *Embed {
	title := p.Identifier
	if kind == KindProjectProgress && p.ProjectName != "" {
		title = p.ProjectName
	}
	embed := &Embed{
		Title:       fmt.Sprintf("%s %s: %s", kindIcon(kind), title, kindHeadline(kind, p)),
		Description: p.Title,
		Color:       kindColor(kind),
	}
	if p.Status != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Status", Value: p.Status, Inline: true})
	}
	if p.Attempt > 0 || kind == KindWorking || kind == KindAuditing || kind == KindAuditFail {
		embed.Fields = append(embed.Fields, EmbedField{
			Name: "Attempt", Value: fmt.Sprintf("%d", p.Attempt+1), Inline: true,
		})
	}
	if p.Reason != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Reason", Value: p.Reason, Inline: true})
	}
	if p.Verdict != nil && len(p.Verdict.Gaps) > 0 {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:  "Gaps",
			Value: "- " + strings.Join(p.Verdict.Gaps, "\n- "),
		})
	}
	if p.PRUrl != "" {
		embed.Fields = append(embed.Fields, EmbedField{Name: "PR", Value: p.PRUrl})
	}
	if kind == KindProjectProgress {
		embed.Fields = append(embed.Fields, EmbedField{
			Name: "Issues done", Value: fmt.Sprintf("%d/%d", p.DoneCount, p.TotalCount), Inline: true,
		})
	}
	return embed
}

func renderHTML(kind Kind, p Payload) string {
	var b strings.Builder
	ident := p.Identifier
	if kind == KindProjectProgress && p.ProjectName != "" {
		ident = p.ProjectName
	}
	fmt.Fprintf(&b, "%s <b>%s</b>: %s", kindIcon(kind), html.EscapeString(ident), html.EscapeString(kindHeadline(kind, p)))
	if p.Title != "" {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(p.Title))
	}
	if p.Reason != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", html.EscapeString(p.Reason))
	}
	if p.Verdict != nil && len(p.Verdict.Gaps) > 0 {
		b.WriteString("\nGaps:")
		for _, gap := range p.Verdict.Gaps {
			fmt.Fprintf(&b, "\n• %s", html.EscapeString(gap))
		}
	}
	if p.PRUrl != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Pull request</a>", html.EscapeString(p.PRUrl))
	}
	return b.String()
}
