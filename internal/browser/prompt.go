package browser

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/n0madic/go-studioproxy/internal/types"
)

const turnSeparator = "\n---\n"

var roleLabels = map[string]string{
	"user":      "User",
	"assistant": "Assistant",
	"system":    "System",
	"tool":      "Tool",
}

// BuildPrompt flattens a chat transcript into the single text block typed into
// the web UI. Only the first system message is used; later ones are dropped.
// Message order is preserved.
func BuildPrompt(messages []types.ChatMessage, tools []types.ChatTool, toolChoice any) string {
	var parts []string

	if catalogue := toolCatalogue(tools, toolChoice); catalogue != "" {
		parts = append(parts, catalogue+turnSeparator)
	}

	systemIdx := -1
	for i, m := range messages {
		if m.Role != "system" {
			continue
		}
		systemIdx = i
		if s, ok := m.Content.(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, "System Instruction:\n"+strings.TrimSpace(s))
		}
		break
	}

	for i, m := range messages {
		if i == systemIdx || m.Role == "system" {
			continue
		}
		turn := renderTurn(m)
		if turn == "" {
			continue
		}
		if len(parts) > 0 {
			parts = append(parts, turnSeparator)
		}
		parts = append(parts, turn)
	}

	prompt := strings.Join(parts, "")
	if prompt != "" {
		prompt += "\n"
	}
	return prompt
}

func renderTurn(m types.ChatMessage) string {
	role := m.Role
	if role == "" {
		role = "unknown"
	}
	label, ok := roleLabels[role]
	if !ok {
		label = strings.ToUpper(role[:1]) + role[1:]
	}

	var body []string
	content := strings.TrimSpace(types.ContentText(m.Content))
	if content != "" {
		body = append(body, content)
	}

	if role == "assistant" && len(m.ToolCalls) > 0 {
		var calls []string
		for _, tc := range m.ToolCalls {
			if tc.Type != "" && tc.Type != "function" {
				continue
			}
			calls = append(calls, "Function call requested: "+tc.Function.Name+"\nArguments:\n"+indentArgs(tc.Function.Arguments))
		}
		if len(calls) > 0 {
			body = append(body, strings.Join(calls, "\n"))
		}
	}

	if role == "tool" {
		var lines []string
		if m.ToolCallID != "" {
			lines = append(lines, "Tool result (tool_call_id="+m.ToolCallID+"):")
		}
		if s, ok := m.Content.(string); ok {
			lines = append(lines, s)
		} else {
			lines = append(lines, types.ContentText(m.Content))
		}
		// The tool result replaces the plain content rendering.
		body = []string{strings.Join(lines, "\n")}
	}

	if len(body) == 0 {
		if role == "assistant" && len(m.ToolCalls) > 0 {
			return label + ":\n"
		}
		return ""
	}
	return label + ":\n" + strings.Join(body, "\n")
}

func toolCatalogue(tools []types.ChatTool, toolChoice any) string {
	lines := []string{"Available tools:"}
	for _, t := range tools {
		if t.Function == nil || t.Function.Name == "" {
			continue
		}
		lines = append(lines, "- function: "+t.Function.Name)
		if t.Function.Parameters != nil {
			if schema, err := marshalNoEscape(t.Function.Parameters); err == nil {
				lines = append(lines, "  parameters schema: "+schema)
			}
		}
	}
	if len(lines) == 1 {
		return ""
	}
	if name := preferredTool(toolChoice); name != "" {
		lines = append(lines, "Prefer using function: "+name)
	}
	return strings.Join(lines, "\n")
}

func preferredTool(toolChoice any) string {
	switch v := toolChoice.(type) {
	case string:
		switch strings.ToLower(v) {
		case "", "auto", "none", "no", "off", "required", "any":
			return ""
		}
		return v
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			name, _ := fn["name"].(string)
			return name
		}
	}
	return ""
}

func indentArgs(args string) string {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(args), "", "  "); err != nil {
		return args
	}
	return buf.String()
}

func marshalNoEscape(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
