package types

import (
	"encoding/json"
	"strings"
)

// StringPtr returns a pointer to the given string.
func StringPtr(s string) *string {
	return &s
}

// IntFromAny converts a JSON-decoded numeric value to int.
// Handles float64, int, and json.Number (all common from json.Unmarshal).
func IntFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// ContentText flattens a message content value into plain text. Multimodal
// arrays contribute their text parts joined by newlines; other parts are dropped.
func ContentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t != "" && t != "text" {
				continue
			}
			if s, ok := m["text"].(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case []ContentPart:
		var parts []string
		for _, p := range c {
			if p.Type == "text" && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// StopSequences normalizes the stop parameter, which may be a string or an
// array of strings. ok is false for any other shape.
func StopSequences(v any) (seqs []string, ok bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case string:
		if s == "" {
			return nil, true
		}
		return []string{s}, true
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, isStr := item.(string)
			if !isStr {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}
