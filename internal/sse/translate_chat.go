package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/n0madic/go-studioproxy/internal/stream"
	"github.com/n0madic/go-studioproxy/internal/types"
)

// SystemFingerprint is reported on every chat completion object.
const SystemFingerprint = "studioproxy"

// ChatOptions describes the response envelope shared by every chunk.
type ChatOptions struct {
	ID      string
	Model   string
	Created int64
	// Messages are used for the prompt side of the usage estimate when no
	// tier reported usage.
	Messages []types.ChatMessage
}

// ChatWriter translates deltas into chat.completion.chunk SSE events. Every
// content delta becomes exactly one event; the terminal delta becomes one
// usage-bearing finish event followed by the [DONE] sentinel.
type ChatWriter struct {
	w        io.Writer
	flusher  http.Flusher
	opts     ChatOptions
	acc      *stream.Collector
	roleSent bool
	finished bool
}

// NewChatWriter wraps w. Flushing happens after every event when w supports it.
func NewChatWriter(w io.Writer, opts ChatOptions) *ChatWriter {
	cw := &ChatWriter{w: w, opts: opts, acc: stream.NewCollector()}
	if f, ok := w.(http.Flusher); ok {
		cw.flusher = f
	}
	return cw
}

// Finished reports whether the terminal event has been written.
func (cw *ChatWriter) Finished() bool { return cw.finished }

// Write emits the events for d. Writes after the terminal are no-ops.
func (cw *ChatWriter) Write(d stream.Delta) error {
	if cw.finished {
		return nil
	}
	cw.acc.Add(d)

	switch d.Kind {
	case stream.KindText:
		if d.Text == "" {
			return nil
		}
		return cw.writeChunk(cw.makeDelta(types.ChatDelta{Content: d.Text}), nil, nil)
	case stream.KindReasoning:
		if d.Text == "" {
			return nil
		}
		return cw.writeChunk(cw.makeDelta(types.ChatDelta{ReasoningContent: d.Text}), nil, nil)
	case stream.KindToolCall:
		if d.ToolCall == nil {
			return nil
		}
		tc := types.ToolCall{
			Index:    d.ToolCall.Index,
			ID:       d.ToolCall.ID,
			Function: types.FunctionCall{Name: d.ToolCall.Name, Arguments: d.ToolCall.Arguments},
		}
		if tc.ID != "" {
			tc.Type = "function"
		}
		return cw.writeChunk(cw.makeDelta(types.ChatDelta{ToolCalls: []types.ToolCall{tc}}), nil, nil)
	case stream.KindUsage:
		return nil
	case stream.KindTerminal:
		cw.finished = true
		if d.Reason == stream.FinishError {
			return cw.writeError(d.Message)
		}
		reason := string(d.Reason)
		usage := cw.usage()
		if err := cw.writeChunk(cw.makeDelta(types.ChatDelta{}), types.StringPtr(reason), usage); err != nil {
			return err
		}
		return cw.writeDone()
	}
	return nil
}

// makeDelta attaches the assistant role to the first content event only.
func (cw *ChatWriter) makeDelta(delta types.ChatDelta) types.ChatDelta {
	if !cw.roleSent && (delta.Content != "" || delta.ReasoningContent != "" || len(delta.ToolCalls) > 0) {
		delta.Role = "assistant"
		cw.roleSent = true
	}
	return delta
}

func (cw *ChatWriter) usage() *types.Usage {
	if u := cw.acc.Usage(); u != nil {
		return u
	}
	return stream.EstimateUsage(cw.opts.Messages, cw.acc.Text(), cw.acc.Reasoning(), cw.acc.ToolCalls())
}

func (cw *ChatWriter) writeChunk(delta types.ChatDelta, finish *string, usage *types.Usage) error {
	chunk := types.ChatCompletionChunk{
		ID:                cw.opts.ID,
		Object:            "chat.completion.chunk",
		Created:           cw.opts.Created,
		Model:             cw.opts.Model,
		SystemFingerprint: SystemFingerprint,
		Choices: []types.ChatChunkChoice{
			{Index: 0, Delta: delta, FinishReason: finish},
		},
		Usage: usage,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return cw.emit(data)
}

func (cw *ChatWriter) writeError(msg string) error {
	if msg == "" {
		msg = "generation failed"
	}
	data, err := json.Marshal(types.ErrorResponse{Error: types.ErrorDetail{
		Message: msg,
		Type:    "server_error",
		Code:    "acquisition_failed",
	}})
	if err != nil {
		return err
	}
	if err := cw.emit(data); err != nil {
		return err
	}
	return cw.writeDone()
}

func (cw *ChatWriter) emit(data []byte) error {
	if _, err := fmt.Fprintf(cw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
	return nil
}

func (cw *ChatWriter) writeDone() error {
	if _, err := fmt.Fprint(cw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
	return nil
}

// BuildCompletion assembles a non-streaming chat completion from a collector
// that has seen a terminal delta.
func BuildCompletion(c *stream.Collector, opts ChatOptions) types.ChatCompletionResponse {
	reason, _ := c.Finish()
	if reason == "" {
		reason = stream.FinishStop
	}
	calls := c.ToolCalls()
	msg := types.ChatResponseMsg{
		Role:             "assistant",
		ReasoningContent: c.Reasoning(),
		ToolCalls:        calls,
	}
	if text := c.Text(); text != "" || len(calls) == 0 {
		msg.Content = types.StringPtr(text)
	}
	usage := c.Usage()
	if usage == nil {
		usage = stream.EstimateUsage(opts.Messages, c.Text(), c.Reasoning(), calls)
	}
	return types.ChatCompletionResponse{
		ID:                opts.ID,
		Object:            "chat.completion",
		Created:           opts.Created,
		Model:             opts.Model,
		SystemFingerprint: SystemFingerprint,
		Choices: []types.ChatChoice{
			{Index: 0, Message: msg, FinishReason: types.StringPtr(string(reason))},
		},
		Usage: usage,
	}
}
