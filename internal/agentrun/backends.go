package agentrun

import (
	"strings"

	jsonx "clawd/internal/shared/json"
)

// Backend identifiers accepted in config and agent profiles.
const (
	BackendClaude = "claude"
	BackendCodex  = "codex"
	BackendGemini = "gemini"
)

// backend builds the CLI invocation for one agent flavor and parses its
// output stream. Backends are stateless; parsers are per-run.
type backend interface {
	name() string
	command(cfg Config, req RunRequest) (bin string, args []string, env map[string]string)
	newParser() lineParser
}

// lineParser consumes stdout lines and accumulates the final answer.
type lineParser interface {
	// consume processes one line and reports any progress event it implies.
	consume(line []byte) (Progress, bool)
	// output returns the final answer text after the stream ends.
	output() string
	// tokens returns the usage total when the backend reports one.
	tokens() int
}

func backendFor(name string) (backend, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendClaude, "":
		return claudeBackend{}, true
	case BackendCodex:
		return codexBackend{}, true
	case BackendGemini:
		return geminiBackend{}, true
	}
	return nil, false
}

// claudeBackend drives the claude CLI in one-shot stream-json mode.
type claudeBackend struct{}

func (claudeBackend) name() string { return BackendClaude }

func (claudeBackend) command(cfg Config, req RunRequest) (string, []string, map[string]string) {
	bin := cfg.BinaryPath
	if bin == "" {
		bin = "claude"
	}
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if model := pick(req.Model, cfg.Model); model != "" {
		args = append(args, "--model", model)
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	args = append(args, "--dangerously-skip-permissions", "--", req.Message)

	env := map[string]string{}
	if cfg.APIKey != "" {
		env["ANTHROPIC_API_KEY"] = cfg.APIKey
	}
	return bin, args, env
}

func (claudeBackend) newParser() lineParser { return &claudeParser{} }

type claudeParser struct {
	result     string
	assistant  strings.Builder
	tokensSeen int
}

func (p *claudeParser) consume(line []byte) (Progress, bool) {
	msg, err := parseStreamMessage(line)
	if err != nil {
		return Progress{}, false
	}
	if t := msg.usageTokens(); t > 0 {
		p.tokensSeen = t
	}
	if name, args := msg.toolEvent(); name != "" {
		return Progress{Tool: name, ToolArgs: truncate(args, 120)}, true
	}
	text := msg.text()
	switch msg.Type {
	case "result":
		if text != "" {
			p.result = text
		}
		return Progress{}, false
	case "assistant":
		if text != "" {
			p.assistant.WriteString(text)
			return Progress{Text: truncate(text, 200)}, true
		}
	}
	return Progress{}, false
}

func (p *claudeParser) output() string {
	if p.result != "" {
		return p.result
	}
	return strings.TrimSpace(p.assistant.String())
}

func (p *claudeParser) tokens() int { return p.tokensSeen }

// codexBackend drives the codex CLI in exec mode with JSONL output.
type codexBackend struct{}

func (codexBackend) name() string { return BackendCodex }

func (codexBackend) command(cfg Config, req RunRequest) (string, []string, map[string]string) {
	bin := cfg.BinaryPath
	if bin == "" {
		bin = "codex"
	}
	args := []string{"exec", "--json", "--skip-git-repo-check", "--full-auto"}
	if model := pick(req.Model, cfg.Model); model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, req.Message)

	env := map[string]string{}
	if cfg.APIKey != "" {
		env["OPENAI_API_KEY"] = cfg.APIKey
	}
	return bin, args, env
}

func (codexBackend) newParser() lineParser { return &codexParser{} }

type codexParser struct {
	messages strings.Builder
}

type codexEvent struct {
	Msg struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Command string `json:"command"`
	} `json:"msg"`
}

func (p *codexParser) consume(line []byte) (Progress, bool) {
	var event codexEvent
	if err := jsonx.Unmarshal(line, &event); err != nil {
		// Not every codex line is JSON; keep raw text as output.
		if text := strings.TrimSpace(string(line)); text != "" {
			p.messages.WriteString(text)
			p.messages.WriteByte('\n')
		}
		return Progress{}, false
	}
	switch event.Msg.Type {
	case "agent_message":
		if event.Msg.Message != "" {
			p.messages.WriteString(event.Msg.Message)
			p.messages.WriteByte('\n')
			return Progress{Text: truncate(event.Msg.Message, 200)}, true
		}
	case "exec_command_begin":
		return Progress{Tool: "exec", ToolArgs: truncate(event.Msg.Command, 120)}, true
	}
	return Progress{}, false
}

func (p *codexParser) output() string { return strings.TrimSpace(p.messages.String()) }

func (p *codexParser) tokens() int { return 0 }

// geminiBackend drives the gemini CLI in plain prompt mode.
type geminiBackend struct{}

func (geminiBackend) name() string { return BackendGemini }

func (geminiBackend) command(cfg Config, req RunRequest) (string, []string, map[string]string) {
	bin := cfg.BinaryPath
	if bin == "" {
		bin = "gemini"
	}
	args := []string{"--yolo"}
	if model := pick(req.Model, cfg.Model); model != "" {
		args = append(args, "-m", model)
	}
	args = append(args, "-p", req.Message)

	env := map[string]string{}
	if cfg.APIKey != "" {
		env["GEMINI_API_KEY"] = cfg.APIKey
	}
	return bin, args, env
}

func (geminiBackend) newParser() lineParser { return &textParser{} }

// textParser treats every stdout line as answer text.
type textParser struct {
	out strings.Builder
}

func (p *textParser) consume(line []byte) (Progress, bool) {
	p.out.Write(line)
	p.out.WriteByte('\n')
	return Progress{}, false
}

func (p *textParser) output() string { return strings.TrimSpace(p.out.String()) }

func (p *textParser) tokens() int { return 0 }

func pick(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(input string, limit int) string {
	if limit <= 0 || len(input) <= limit {
		return input
	}
	return input[:limit]
}
