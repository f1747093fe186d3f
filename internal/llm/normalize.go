package llm

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

const jsonInstruction = "Respond with valid JSON only. Do not wrap the JSON in Markdown code fences or add any other text."

// foldSystem merges system turns into the leading user turn for providers without a system role.
func foldSystem(msgs []Message) []Message {
	var system []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != RoleSystem {
			rest = append(rest, m)
			continue
		}
		for _, p := range m.Parts {
			if p.Kind == PartText && strings.TrimSpace(p.Text) != "" {
				system = append(system, p.Text)
			}
		}
	}
	if len(system) == 0 {
		return rest
	}

	prefix := TextPart(strings.Join(system, "\n\n"))
	for i, m := range rest {
		if m.Role != RoleUser {
			continue
		}
		parts := make([]Part, 0, len(m.Parts)+1)
		parts = append(parts, prefix)
		parts = append(parts, m.Parts...)
		rest[i] = Message{Role: RoleUser, Parts: parts}
		return rest
	}
	return append([]Message{UserMessage(prefix)}, rest...)
}

// appendJSONInstruction asks for JSON in words, for providers without a structured output mode.
func appendJSONInstruction(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleUser {
			continue
		}
		parts := make([]Part, 0, len(out[i].Parts)+1)
		parts = append(parts, out[i].Parts...)
		parts = append(parts, TextPart(jsonInstruction))
		out[i] = Message{Role: RoleUser, Parts: parts}
		return out
	}
	return append(out, UserMessage(TextPart(jsonInstruction)))
}

// degradeToolParts rewrites tool calls and results as JSON text so no content is dropped.
func degradeToolParts(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		parts := make([]Part, len(m.Parts))
		for j, p := range m.Parts {
			switch p.Kind {
			case PartToolCall:
				parts[j] = TextPart(toolText(map[string]string{
					"type": "tool_call", "id": p.ToolCallID, "name": p.ToolName, "arguments": p.Arguments,
				}))
			case PartToolResult:
				parts[j] = TextPart(toolText(map[string]string{
					"type": "tool_result", "id": p.ToolCallID, "name": p.ToolName, "content": p.Text,
				}))
			default:
				parts[j] = p
			}
		}
		out[i] = Message{Role: m.Role, Parts: parts}
	}
	return out
}

func toolText(fields map[string]string) string {
	for k, v := range fields {
		if v == "" {
			delete(fields, k)
		}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fields["type"]
	}
	return string(b)
}

// dataURL returns the part's URL or an inline base64 data URL.
func dataURL(p Part) string {
	if p.URL != "" {
		return p.URL
	}
	return "data:" + imageMIME(p) + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

func imageMIME(p Part) string {
	if p.MIMEType != "" {
		return p.MIMEType
	}
	return http.DetectContentType(p.Data)
}

func textOnly(parts []Part) (string, bool) {
	var b strings.Builder
	for i, p := range parts {
		if p.Kind != PartText {
			return "", false
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String(), true
}
