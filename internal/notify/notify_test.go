package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"clawd/internal/verdict"
)

// fakeSender records deliveries and optionally fails for chosen targets.
type fakeSender struct {
	channel string
	failFor map[string]error

	mu   sync.Mutex
	sent []Message
	tgts []Target
}

func (f *fakeSender) Channel() string { return f.channel }

func (f *fakeSender) Send(_ context.Context, target Target, msg Message) error {
	if err, ok := f.failFor[target.Target]; ok {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	f.tgts = append(f.tgts, target)
	return nil
}

func (f *fakeSender) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// --- Fan-out ---

func TestNotify_FansOutToAllTargets(t *testing.T) {
	sender := &fakeSender{channel: "console"}
	n := New(Config{
		Targets: []Target{
			{Channel: "console", Target: "ops-a"},
			{Channel: "console", Target: "ops-b"},
		},
	}, []Sender{sender}, nil)

	n.Notify(context.Background(), KindDispatch, Payload{Identifier: "CLW-1", Title: "Fix login"})

	if sender.delivered() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sender.delivered())
	}
}

func TestNotify_OneFailureDoesNotBlockOthers(t *testing.T) {
	sender := &fakeSender{
		channel: "console",
		failFor: map[string]error{"broken": errors.New("connect refused https://hooks.example.com/abcdef0123456789abcdef")},
	}
	n := New(Config{
		Targets: []Target{
			{Channel: "console", Target: "broken"},
			{Channel: "console", Target: "healthy-1"},
			{Channel: "console", Target: "healthy-2"},
		},
	}, []Sender{sender}, nil)

	n.Notify(context.Background(), KindStuck, Payload{Identifier: "CLW-1", Reason: "watchdog_kill_2x"})

	if sender.delivered() != 2 {
		t.Fatalf("expected the two healthy targets delivered, got %d", sender.delivered())
	}
}

func TestNotify_UnknownChannelDropped(t *testing.T) {
	sender := &fakeSender{channel: "console"}
	n := New(Config{
		Targets: []Target{
			{Channel: "pager", Target: "oncall"},
			{Channel: "console", Target: "ops"},
		},
	}, []Sender{sender}, nil)

	n.Notify(context.Background(), KindTest, Payload{Identifier: "CLW-1"})

	if sender.delivered() != 1 {
		t.Fatalf("expected delivery to the known channel only, got %d", sender.delivered())
	}
}

// --- Suppression ---

func TestNotify_NoTargetsIsNoop(t *testing.T) {
	n := Nop()
	if n.Enabled(KindDispatch) {
		t.Fatal("expected disabled with no targets")
	}
	// Must not panic.
	n.Notify(context.Background(), KindDispatch, Payload{Identifier: "CLW-1"})
}

func TestNotify_EventFilter(t *testing.T) {
	sender := &fakeSender{channel: "console"}
	n := New(Config{
		Targets: []Target{{Channel: "console", Target: "ops"}},
		Events:  map[string]bool{"escalation": true},
	}, []Sender{sender}, nil)

	n.Notify(context.Background(), KindWorking, Payload{Identifier: "CLW-1"})
	if sender.delivered() != 0 {
		t.Fatal("expected working suppressed by event filter")
	}

	n.Notify(context.Background(), KindEscalation, Payload{Identifier: "CLW-1"})
	if sender.delivered() != 1 {
		t.Fatal("expected escalation delivered")
	}
}

func TestNotify_NilEventsMapEnablesAll(t *testing.T) {
	sender := &fakeSender{channel: "console"}
	n := New(Config{Targets: []Target{{Channel: "console", Target: "ops"}}}, []Sender{sender}, nil)
	for _, kind := range []Kind{KindDispatch, KindAuditPass, KindProjectProgress, KindTest} {
		if !n.Enabled(kind) {
			t.Fatalf("expected %s enabled by default", kind)
		}
	}
}

// --- Rendering ---

func TestRenderPlain_AttemptsAreOneBased(t *testing.T) {
	msg := render(KindWorking, Payload{Identifier: "CLW-1", Attempt: 0}, false)
	if !strings.Contains(msg.Plain, "attempt 1") {
		t.Fatalf("expected 1-based attempt, got %q", msg.Plain)
	}

	msg = render(KindAuditFail, Payload{Identifier: "CLW-1", Attempt: 1}, false)
	if !strings.Contains(msg.Plain, "attempt 2") {
		t.Fatalf("expected attempt 2, got %q", msg.Plain)
	}
}

func TestRenderPlain_IncludesGapsAndReason(t *testing.T) {
	msg := render(KindEscalation, Payload{
		Identifier: "CLW-1",
		Title:      "Fix login",
		Reason:     "audit_failed_3x",
		Verdict:    &verdict.Verdict{Pass: false, Gaps: []string{"no tests", "missing docs"}},
	}, false)

	for _, want := range []string{"CLW-1", "Fix login", "audit_failed_3x", "no tests", "missing docs"} {
		if !strings.Contains(msg.Plain, want) {
			t.Fatalf("plain message missing %q:\n%s", want, msg.Plain)
		}
	}
}

func TestRender_PlainModeCarriesNoRichForms(t *testing.T) {
	msg := render(KindAuditPass, Payload{Identifier: "CLW-1"}, false)
	if msg.Embed != nil || msg.HTML != "" {
		t.Fatal("expected no rich forms in plain mode")
	}
}

func TestRender_RichEmbedSeverityColors(t *testing.T) {
	pass := render(KindAuditPass, Payload{Identifier: "CLW-1"}, true)
	if pass.Embed == nil || pass.Embed.Color != colorGreen {
		t.Fatalf("expected green embed for audit_pass, got %+v", pass.Embed)
	}
	stuck := render(KindStuck, Payload{Identifier: "CLW-1", Reason: "watchdog_kill_2x"}, true)
	if stuck.Embed.Color != colorRed {
		t.Fatalf("expected red embed for stuck, got %#x", stuck.Embed.Color)
	}
}

func TestRender_RichHTMLBoldsIdentifierAndEscapes(t *testing.T) {
	msg := render(KindAuditPass, Payload{Identifier: "CLW-1", Title: "handle <script> input"}, true)
	if !strings.Contains(msg.HTML, "<b>CLW-1</b>") {
		t.Fatalf("expected bold identifier, got %q", msg.HTML)
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Fatalf("expected title escaped, got %q", msg.HTML)
	}
}

func TestRender_ProjectProgressCounts(t *testing.T) {
	msg := render(KindProjectProgress, Payload{
		ProjectName: "Checkout revamp", DoneCount: 2, TotalCount: 5,
	}, false)
	if !strings.Contains(msg.Plain, "2/5") || !strings.Contains(msg.Plain, "Checkout revamp") {
		t.Fatalf("unexpected progress message %q", msg.Plain)
	}
}

func TestRenderPlain_PRLink(t *testing.T) {
	msg := render(KindAuditPass, Payload{Identifier: "CLW-1", PRUrl: "https://github.com/acme/app/pull/42"}, false)
	if !strings.Contains(msg.Plain, "pull/42") {
		t.Fatalf("expected PR link, got %q", msg.Plain)
	}
}
