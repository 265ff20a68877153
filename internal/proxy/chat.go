package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/n0madic/go-studioproxy/internal/acquire"
	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/queue"
	"github.com/n0madic/go-studioproxy/internal/reasoning"
	"github.com/n0madic/go-studioproxy/internal/sse"
	"github.com/n0madic/go-studioproxy/internal/stream"
	"github.com/n0madic/go-studioproxy/internal/types"
)

// retryAfterSeconds is suggested to clients rejected by a full queue.
const retryAfterSeconds = 5

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// errInvalidRequest marks request validation failures.
var errInvalidRequest = errors.New("invalid request")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body types.ChatCompletionRequest
	if _, ok := parseJSONRequest(w, r, &body); !ok {
		return
	}

	req, err := s.buildRequest(&body)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, errInvalidRequest) {
			msg = strings.TrimPrefix(msg, errInvalidRequest.Error()+": ")
		}
		writeErrorCode(w, http.StatusBadRequest, "invalid_parameter", msg)
		return
	}

	if s.Config.Verbose {
		slog.Info("openai.chat.request",
			"req_id", req.ID,
			"model", body.Model,
			"stream", req.Stream,
			"messages", len(req.Messages),
			"tools", len(req.Tools),
			"tool_choice", summarizeToolChoice(req.ToolChoice),
			"reasoning", req.Reasoning.String(),
			"prompt_chars", len(req.Prompt),
		)
	}

	entry, err := s.queue.Enqueue(req)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			writeErrorCode(w, http.StatusServiceUnavailable, "queue_full", "Request queue is full, retry later")
		case errors.Is(err, queue.ErrClosed):
			writeErrorCode(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down")
		default:
			writeErrorCode(w, http.StatusConflict, "duplicate_request", err.Error())
		}
		return
	}

	stop := s.monitor.Watch(r.Context(), entry)
	defer stop()

	model := body.Model
	if model == "" {
		model = s.Config.ModelName
	}
	opts := sse.ChatOptions{
		ID:       "chatcmpl-" + entry.ID(),
		Model:    model,
		Created:  time.Now().Unix(),
		Messages: req.Messages,
	}
	w.Header().Set("X-Request-Id", entry.ID())

	if req.Stream {
		s.streamChat(r.Context(), w, entry, opts)
		return
	}
	s.collectChat(r.Context(), w, entry, opts)
}

// buildRequest validates body and converts it into a canonical request.
func (s *Server) buildRequest(body *types.ChatCompletionRequest) (*acquire.Request, error) {
	if len(body.Messages) == 0 {
		return nil, invalidf("messages must be a non-empty array")
	}
	conversational := false
	for i, m := range body.Messages {
		if !validRoles[m.Role] {
			return nil, invalidf("messages[%d]: unsupported role %q", i, m.Role)
		}
		if m.Role != "system" {
			conversational = true
		}
	}
	if !conversational {
		return nil, invalidf("messages must contain at least one non-system message")
	}

	temperature := body.Temperature
	if temperature == nil {
		temperature = &s.Config.DefaultTemperature
	} else if *temperature < 0 || *temperature > 2 {
		return nil, invalidf("temperature must be between 0 and 2")
	}
	topP := body.TopP
	if topP == nil {
		topP = &s.Config.DefaultTopP
	} else if *topP < 0 || *topP > 1 {
		return nil, invalidf("top_p must be between 0 and 1")
	}
	maxTokens := body.MaxOutputTokens
	if maxTokens == nil {
		maxTokens = body.MaxTokens
	}
	if maxTokens == nil {
		if s.Config.DefaultMaxOutputTokens > 0 {
			maxTokens = &s.Config.DefaultMaxOutputTokens
		}
	} else if *maxTokens <= 0 {
		return nil, invalidf("max_output_tokens must be positive")
	}

	stop, ok := types.StopSequences(body.Stop)
	if !ok {
		return nil, invalidf("stop must be a string or an array of strings")
	}

	for i, tool := range body.Tools {
		if tool.Type != "function" || tool.Function == nil || strings.TrimSpace(tool.Function.Name) == "" {
			return nil, invalidf("tools[%d]: only function tools with a name are supported", i)
		}
	}

	spec, err := reasoning.Normalize(body.ReasoningEffort, reasoning.Default(s.Config.EnableThinkingBudget, s.Config.DefaultThinkingBudget))
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(body.Model)
	if model == s.Config.ModelName {
		model = ""
	}

	t, p := *temperature, *topP
	req := &acquire.Request{
		ID:          queue.NewID(),
		Messages:    body.Messages,
		Model:       model,
		Temperature: &t,
		TopP:        &p,
		Stop:        stop,
		Tools:       body.Tools,
		ToolChoice:  body.ToolChoice,
		Reasoning:   spec,
		Stream:      body.Stream,
		Prompt:      browser.BuildPrompt(body.Messages, body.Tools, body.ToolChoice),
	}
	if maxTokens != nil {
		n := *maxTokens
		req.MaxOutputTokens = &n
	}
	return req, nil
}

// streamChat relays deltas as SSE. Headers are sent with the first delta so a
// request that is still queued holds the connection silently.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, e *queue.Entry, opts sse.ChatOptions) {
	log := slog.Default().With("req_id", e.ID())
	cw := sse.NewChatWriter(w, opts)
	started := false
	start := func() {
		if !started {
			writeSSEHeaders(w, http.StatusOK)
			started = true
		}
	}

	deltas := e.Deltas()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas:
			if !ok {
				start()
				if !cw.Finished() {
					if err := cw.Write(stream.Terminal(stream.FinishStop)); err != nil {
						log.Debug("openai.chat.stream.close_failed", "error", err)
					}
				}
				log.Debug("openai.chat.stream.done", "state", e.State())
				return
			}
			start()
			if err := cw.Write(d); err != nil {
				log.Warn("openai.chat.stream.write_failed", "error", err)
				s.queue.CancelWithReason(e.ID(), queue.ReasonDisconnect)
				e.Detach()
				return
			}
		}
	}
}

// collectChat waits for the request to finish and writes one JSON document.
func (s *Server) collectChat(ctx context.Context, w http.ResponseWriter, e *queue.Entry, opts sse.ChatOptions) {
	c := stream.NewCollector()
	deltas := e.Deltas()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas:
			if ok {
				c.Add(d)
				continue
			}
			s.writeCollected(w, e, c, opts)
			return
		}
	}
}

func (s *Server) writeCollected(w http.ResponseWriter, e *queue.Entry, c *stream.Collector, opts sse.ChatOptions) {
	switch e.State() {
	case queue.StateCompleted:
		writeJSON(w, http.StatusOK, sse.BuildCompletion(c, opts))
	case queue.StateCancelled:
		msg := "Request cancelled"
		if reason := e.CancelReason(); reason != "" {
			msg += " (" + reason + ")"
		}
		writeErrorCode(w, statusClientClosedRequest, "request_cancelled", msg)
	default:
		msg := "Generation failed"
		if err := e.Result().Err; err != nil {
			msg = err.Error()
		} else if _, m := c.Finish(); m != "" {
			msg = m
		}
		writeErrorCode(w, http.StatusInternalServerError, "acquisition_failed", msg)
	}
}
