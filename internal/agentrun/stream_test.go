package agentrun

import "testing"

func TestParseStreamMessage_ResultText(t *testing.T) {
	msg, err := parseStreamMessage([]byte(`{"type":"result","result":"done","usage":{"input_tokens":7,"output_tokens":3}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != "result" {
		t.Fatalf("unexpected type %q", msg.Type)
	}
	if msg.text() != "done" {
		t.Fatalf("unexpected text %q", msg.text())
	}
	if msg.usageTokens() != 10 {
		t.Fatalf("unexpected tokens %d", msg.usageTokens())
	}
}

func TestParseStreamMessage_AssistantContentArray(t *testing.T) {
	msg, err := parseStreamMessage([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.text() != "part one part two" {
		t.Fatalf("unexpected text %q", msg.text())
	}
}

func TestParseStreamMessage_ToolUse(t *testing.T) {
	msg, err := parseStreamMessage([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file":"main.go"}}]}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	name, args := msg.toolEvent()
	if name != "Edit" {
		t.Fatalf("unexpected tool %q", name)
	}
	if args == "" {
		t.Fatal("expected stringified args")
	}
}

func TestParseStreamMessage_MalformedLine(t *testing.T) {
	if _, err := parseStreamMessage([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}
