// Package relay decodes the cumulative frames published by the local
// intercepting relay into incremental deltas.
//
// Each frame is a JSON snapshot of the response so far:
//
//	{"token":"...","reason":"<thinking so far>","body":"<text so far>",
//	 "function":[{"name":"f","params":{...}}],"done":false,
//	 "finish":"stop","usage":{"prompt_tokens":1,"completion_tokens":2},
//	 "error":"..."}
//
// Only the unseen suffix of reason and body is emitted. Function calls are
// emitted once, when the frame marked done arrives.
package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/n0madic/go-studioproxy/internal/stream"
)

// TimeoutReason is the reason value the relay uses to report that it gave up
// waiting for upstream data.
const TimeoutReason = "internal_timeout"

var (
	// ErrMalformedFrame is returned for payloads that are not JSON objects.
	ErrMalformedFrame = errors.New("malformed relay frame")
	// ErrForeignFrame is returned for frames carrying another request's token.
	ErrForeignFrame = errors.New("relay frame belongs to another request")
	// ErrRelayTimeout is returned when the relay reports an internal timeout.
	ErrRelayTimeout = errors.New("relay reported internal timeout")
)

// UpstreamError carries an error message reported inside a frame.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("relay upstream error: %s", e.Message)
}

// Decoder tracks positions within the cumulative snapshots of one response.
// It is not safe for concurrent use.
type Decoder struct {
	token     string
	reasonPos int
	bodyPos   int
	done      bool
	newCallID func() string
	logger    *slog.Logger
}

// NewDecoder returns a decoder that accepts frames carrying token, or frames
// without a token. An empty token accepts every frame.
func NewDecoder(token string) *Decoder {
	return &Decoder{
		token:     token,
		newCallID: func() string { return "call_" + uuid.NewString() },
		logger:    slog.Default().With("component", "relay.decoder"),
	}
}

// Done reports whether a terminal frame has been decoded.
func (d *Decoder) Done() bool { return d.done }

// Decode turns one frame into zero or more deltas. The returned slice ends with
// a terminal delta when the frame is marked done.
func (d *Decoder) Decode(frame []byte) ([]stream.Delta, error) {
	if d.done {
		return nil, nil
	}
	if !gjson.ValidBytes(frame) {
		return nil, ErrMalformedFrame
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, ErrMalformedFrame
	}
	if tok := root.Get("token").String(); d.token != "" && tok != "" && tok != d.token {
		return nil, ErrForeignFrame
	}
	if msg := root.Get("error").String(); msg != "" {
		return nil, &UpstreamError{Message: msg}
	}

	done := root.Get("done").Bool()
	reason := root.Get("reason").String()
	if done && reason == TimeoutReason {
		return nil, ErrRelayTimeout
	}

	var out []stream.Delta
	if s, ok := suffix(reason, &d.reasonPos); ok {
		out = append(out, stream.Reasoning(s))
	} else if len(reason) < d.reasonPos {
		d.logger.Debug("relay.frame.rewound", "field", "reason", "pos", d.reasonPos, "len", len(reason))
	}
	body := root.Get("body").String()
	if s, ok := suffix(body, &d.bodyPos); ok {
		out = append(out, stream.Text(s))
	} else if len(body) < d.bodyPos {
		d.logger.Debug("relay.frame.rewound", "field", "body", "pos", d.bodyPos, "len", len(body))
	}

	if !done {
		return out, nil
	}
	d.done = true

	calls := root.Get("function").Array()
	for i, fn := range calls {
		args := fn.Get("params").Raw
		if args == "" {
			args = "{}"
		}
		out = append(out, stream.ToolCall(i, d.newCallID(), fn.Get("name").String(), args))
	}
	if u := root.Get("usage"); u.Exists() {
		out = append(out, stream.UsageReport(int(u.Get("prompt_tokens").Int()), int(u.Get("completion_tokens").Int())))
	}
	finish := stream.ParseFinishReason(root.Get("finish").String())
	if len(calls) > 0 {
		finish = stream.FinishToolCalls
	}
	out = append(out, stream.Terminal(finish))
	return out, nil
}

// suffix returns the part of s past *pos and advances *pos.
func suffix(s string, pos *int) (string, bool) {
	if len(s) <= *pos {
		return "", false
	}
	out := s[*pos:]
	*pos = len(s)
	return out, true
}
