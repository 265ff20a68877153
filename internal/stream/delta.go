// Package stream defines the tier-agnostic delta model that every acquisition
// tier produces and the protocol translator consumes.
package stream

import "github.com/n0madic/go-studioproxy/internal/types"

// Kind identifies the variant carried by a Delta.
type Kind int

const (
	KindText Kind = iota
	KindReasoning
	KindToolCall
	KindUsage
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindReasoning:
		return "reasoning"
	case KindToolCall:
		return "tool_call"
	case KindUsage:
		return "usage"
	case KindTerminal:
		return "terminal"
	}
	return "unknown"
}

// FinishReason is the reason attached to a terminal delta.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// ParseFinishReason maps an upstream finish string onto a FinishReason.
// Unknown or empty values map to FinishStop.
func ParseFinishReason(s string) FinishReason {
	switch s {
	case "length", "max_tokens", "MAX_TOKENS":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "error":
		return FinishError
	}
	return FinishStop
}

// ToolCallFragment is one tool call (or a piece of one) produced by a tier.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one unit of partial or terminal output.
type Delta struct {
	Kind     Kind
	Text     string
	ToolCall *ToolCallFragment
	Usage    *types.Usage
	Reason   FinishReason
	// Message describes the failure for FinishError terminals.
	Message string
}

// Text returns a visible text fragment.
func Text(s string) Delta { return Delta{Kind: KindText, Text: s} }

// Reasoning returns a thinking-phase text fragment.
func Reasoning(s string) Delta { return Delta{Kind: KindReasoning, Text: s} }

// ToolCall returns a tool call fragment.
func ToolCall(index int, id, name, args string) Delta {
	return Delta{Kind: KindToolCall, ToolCall: &ToolCallFragment{Index: index, ID: id, Name: name, Arguments: args}}
}

// UsageReport returns a usage delta. Total is derived.
func UsageReport(prompt, completion int) Delta {
	return Delta{Kind: KindUsage, Usage: &types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}
}

// Terminal closes the delta sequence with reason.
func Terminal(reason FinishReason) Delta { return Delta{Kind: KindTerminal, Reason: reason} }

// TerminalError closes the delta sequence with an error.
func TerminalError(msg string) Delta {
	return Delta{Kind: KindTerminal, Reason: FinishError, Message: msg}
}

// IsOutput reports whether d carries content that reaches the client.
func (d Delta) IsOutput() bool {
	switch d.Kind {
	case KindText, KindReasoning:
		return d.Text != ""
	case KindToolCall:
		return d.ToolCall != nil
	}
	return false
}
