// Package acquire obtains a model response for one active request by walking
// a ranked list of acquisition tiers.
package acquire

import (
	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/reasoning"
	"github.com/n0madic/go-studioproxy/internal/types"
	"github.com/n0madic/go-studioproxy/internal/upstream"
)

// Request is a validated, canonical inbound chat request. It is immutable
// once built; cancellation travels through the context handed to Run.
type Request struct {
	ID              string
	Messages        []types.ChatMessage
	Model           string
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens *int
	Stop            []string
	Tools           []types.ChatTool
	ToolChoice      any
	Reasoning       reasoning.Spec
	Stream          bool
	// Prompt is Messages flattened for the web UI.
	Prompt string
}

// pageParams carries every documented parameter. Correlation is only read by
// the intercepting relay.
func (r *Request) pageParams(correlation string) browser.Params {
	return browser.Params{
		Model:           r.Model,
		Temperature:     r.Temperature,
		TopP:            r.TopP,
		MaxOutputTokens: r.MaxOutputTokens,
		Stop:            r.Stop,
		Thinking:        r.Reasoning.Directive(),
		Correlation:     correlation,
	}
}

func (r *Request) helperPayload() upstream.Payload {
	return upstream.Payload{
		ReqID:           r.ID,
		Model:           r.Model,
		Messages:        r.Messages,
		Prompt:          r.Prompt,
		Temperature:     r.Temperature,
		TopP:            r.TopP,
		MaxOutputTokens: r.MaxOutputTokens,
		Stop:            r.Stop,
		Tools:           r.Tools,
		ToolChoice:      r.ToolChoice,
		Thinking:        r.Reasoning.Directive(),
	}
}
