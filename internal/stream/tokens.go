package stream

import (
	"strings"
	"unicode"

	"github.com/n0madic/go-studioproxy/internal/types"
)

// EstimateTokens approximates a token count: CJK runes count 1/1.5 each and
// everything else 1/4. Non-empty text is at least one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int(float64(cjk)/1.5 + float64(other)/4)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateUsage computes an estimated usage block for a prompt and completion.
// The completion side includes reasoning text and serialized tool calls.
func EstimateUsage(messages []types.ChatMessage, completion, reasoning string, calls []types.ToolCall) *types.Usage {
	var prompt strings.Builder
	for _, m := range messages {
		prompt.WriteString(m.Role)
		prompt.WriteString(": ")
		prompt.WriteString(types.ContentText(m.Content))
		prompt.WriteByte('\n')
	}
	out := completion + reasoning
	for _, tc := range calls {
		out += tc.Function.Name + tc.Function.Arguments
	}
	p := EstimateTokens(prompt.String())
	c := EstimateTokens(out)
	return &types.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
