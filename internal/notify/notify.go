// Package notify fans dispatch lifecycle events out to configured targets.
// Delivery is parallel with per-target failure isolation: one unreachable
// channel never blocks the others, and delivery errors are sanitized before
// they reach the log so endpoint URLs and tokens cannot leak.
package notify

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"clawd/internal/logging"
	"clawd/internal/redaction"
	"clawd/internal/verdict"
)

// Kind names one lifecycle event.
type Kind string

const (
	KindDispatch        Kind = "dispatch"
	KindWorking         Kind = "working"
	KindAuditing        Kind = "auditing"
	KindAuditPass       Kind = "audit_pass"
	KindAuditFail       Kind = "audit_fail"
	KindEscalation      Kind = "escalation"
	KindStuck           Kind = "stuck"
	KindWatchdogKill    Kind = "watchdog_kill"
	KindProjectProgress Kind = "project_progress"
	KindTest            Kind = "test"
)

// Payload carries everything the templates can render. Attempt is the
// zero-based internal counter; rendering is always 1-based.
type Payload struct {
	Identifier string
	Title      string
	Status     string
	Attempt    int
	Verdict    *verdict.Verdict
	Reason     string
	PRUrl      string

	// Project progress fields.
	ProjectName string
	DoneCount   int
	TotalCount  int
}

// Target is one configured delivery destination.
type Target struct {
	Channel   string `yaml:"channel" json:"channel"`
	Target    string `yaml:"target" json:"target"`
	AccountID string `yaml:"accountId,omitempty" json:"accountId,omitempty"`
}

// Config selects targets, enabled events, and the rendering mode.
type Config struct {
	Targets    []Target        `yaml:"targets" json:"targets"`
	Events     map[string]bool `yaml:"events,omitempty" json:"events,omitempty"`
	RichFormat bool            `yaml:"richFormat" json:"richFormat"`
}

// Message is one rendered notification. Senders pick the form they can
// carry: Plain always set; Embed and HTML only in rich mode.
type Message struct {
	Kind  Kind    `json:"kind"`
	Plain string  `json:"plain"`
	Embed *Embed  `json:"embed,omitempty"`
	HTML  string  `json:"html,omitempty"`
	Data  Payload `json:"-"`
}

// Embed is the structured rich form for card-style channels.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// EmbedField is one name/value pair inside an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Sender delivers messages for one channel name.
type Sender interface {
	Channel() string
	Send(ctx context.Context, target Target, msg Message) error
}

// ErrUnknownChannel reports a target whose channel has no registered sender.
var ErrUnknownChannel = fmt.Errorf("no sender registered for channel")

// Notifier fans events out to all matching targets.
type Notifier struct {
	cfg     Config
	senders map[string]Sender
	logger  logging.Logger
}

// New builds a notifier from config and the available senders. With no
// targets every Notify call is a no-op.
func New(cfg Config, senders []Sender, logger logging.Logger) *Notifier {
	byChannel := make(map[string]Sender, len(senders))
	for _, s := range senders {
		if s != nil {
			byChannel[s.Channel()] = s
		}
	}
	return &Notifier{cfg: cfg, senders: byChannel, logger: logging.OrNop(logger)}
}

// Nop returns a notifier that never delivers anything.
func Nop() *Notifier {
	return New(Config{}, nil, nil)
}

// Enabled reports whether kind would be delivered at all.
func (n *Notifier) Enabled(kind Kind) bool {
	if len(n.cfg.Targets) == 0 {
		return false
	}
	if n.cfg.Events == nil {
		return true
	}
	return n.cfg.Events[string(kind)]
}

// Notify renders the event once and delivers it to every target in
// parallel, waiting for all deliveries. Failures are logged, never returned:
// lifecycle notifications are strictly best-effort.
func (n *Notifier) Notify(ctx context.Context, kind Kind, p Payload) {
	if !n.Enabled(kind) {
		return
	}
	msg := render(kind, p, n.cfg.RichFormat)

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range n.cfg.Targets {
		g.Go(func() error {
			n.deliver(gctx, target, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (n *Notifier) deliver(ctx context.Context, target Target, msg Message) {
	sender, ok := n.senders[target.Channel]
	if !ok {
		n.logger.Warn("Notification dropped: %v %q", ErrUnknownChannel, target.Channel)
		return
	}
	if err := sender.Send(ctx, target, msg); err != nil {
		n.logger.Warn("Notification delivery to %s failed: %s",
			target.Channel, redaction.SanitizeErrorStream(err.Error()))
	}
}
