package agentrun

import (
	"fmt"
	"strings"

	jsonx "clawd/internal/shared/json"
)

// streamMessage is a single stream-json line from the claude backend.
type streamMessage struct {
	Type string
	Raw  map[string]any
}

func parseStreamMessage(line []byte) (streamMessage, error) {
	var raw map[string]any
	if err := jsonx.Unmarshal(line, &raw); err != nil {
		return streamMessage{}, err
	}
	msgType, _ := raw["type"].(string)
	return streamMessage{Type: strings.TrimSpace(msgType), Raw: raw}, nil
}

func (m streamMessage) text() string {
	if m.Raw == nil {
		return ""
	}
	if val, ok := m.Raw["result"].(string); ok {
		return val
	}
	if val, ok := m.Raw["output"].(string); ok {
		return val
	}
	if msg, ok := m.Raw["message"].(map[string]any); ok {
		return contentText(msg["content"])
	}
	if content, ok := m.Raw["content"]; ok {
		return contentText(content)
	}
	return ""
}

func (m streamMessage) usageTokens() int {
	if m.Raw == nil {
		return 0
	}
	usage, ok := m.Raw["usage"].(map[string]any)
	if !ok {
		return 0
	}
	return numberAsInt(usage["input_tokens"]) + numberAsInt(usage["output_tokens"])
}

func (m streamMessage) toolEvent() (name string, args string) {
	if m.Raw == nil {
		return "", ""
	}
	if name, ok := m.Raw["tool_name"].(string); ok {
		return name, stringifyArgs(m.Raw["tool_args"])
	}
	if msg, ok := m.Raw["message"].(map[string]any); ok {
		if tool, ok := msg["tool_use"].(map[string]any); ok {
			if name, ok := tool["name"].(string); ok {
				return name, stringifyArgs(tool["input"])
			}
		}
		if list, ok := msg["content"].([]any); ok {
			for _, item := range list {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if entryType, _ := entry["type"].(string); entryType == "tool_use" {
					if name, ok := entry["name"].(string); ok {
						return name, stringifyArgs(entry["input"])
					}
				}
			}
		}
	}
	return "", ""
}

func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if entryType, _ := entry["type"].(string); entryType == "text" {
				if text, ok := entry["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func stringifyArgs(val any) string {
	if val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		if encoded, err := jsonx.Marshal(v); err == nil {
			return string(encoded)
		}
	}
	return fmt.Sprintf("%v", val)
}

func numberAsInt(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
