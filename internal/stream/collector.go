package stream

import (
	"strings"

	"github.com/n0madic/go-studioproxy/internal/types"
)

// Collector assembles a delta sequence into a complete result for
// non-streaming responses.
type Collector struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     []types.ToolCall
	byIndex   map[int]int
	usage     *types.Usage
	reason    FinishReason
	message   string
	done      bool
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{byIndex: map[int]int{}}
}

// Add folds d into the collected result. Deltas after the terminal are ignored.
func (c *Collector) Add(d Delta) {
	if c.done {
		return
	}
	switch d.Kind {
	case KindText:
		c.text.WriteString(d.Text)
	case KindReasoning:
		c.reasoning.WriteString(d.Text)
	case KindToolCall:
		if d.ToolCall == nil {
			return
		}
		tc := d.ToolCall
		if i, ok := c.byIndex[tc.Index]; ok {
			c.calls[i].Function.Arguments += tc.Arguments
			if tc.Name != "" {
				c.calls[i].Function.Name = tc.Name
			}
			return
		}
		c.byIndex[tc.Index] = len(c.calls)
		c.calls = append(c.calls, types.ToolCall{
			Index:    tc.Index,
			ID:       tc.ID,
			Type:     "function",
			Function: types.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	case KindUsage:
		c.usage = d.Usage
	case KindTerminal:
		c.reason = d.Reason
		c.message = d.Message
		c.done = true
	}
}

// Text returns the accumulated visible text.
func (c *Collector) Text() string { return c.text.String() }

// Reasoning returns the accumulated thinking text.
func (c *Collector) Reasoning() string { return c.reasoning.String() }

// ToolCalls returns the assembled tool calls in first-seen order.
func (c *Collector) ToolCalls() []types.ToolCall { return c.calls }

// Usage returns the reported usage, or nil when no tier reported one.
func (c *Collector) Usage() *types.Usage { return c.usage }

// Done reports whether a terminal delta was seen.
func (c *Collector) Done() bool { return c.done }

// Finish returns the terminal reason and, for FinishError, its message.
func (c *Collector) Finish() (FinishReason, string) { return c.reason, c.message }
