// Package upstream is the HTTP client for the user-configured helper service
// that generates responses on behalf of the browser session.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/n0madic/go-studioproxy/internal/reasoning"
	"github.com/n0madic/go-studioproxy/internal/types"
)

// ErrNotConfigured is returned when no helper endpoint is set.
var ErrNotConfigured = errors.New("helper endpoint not configured")

// Payload is the canonical request forwarded to the helper service.
type Payload struct {
	ReqID           string              `json:"req_id,omitempty"`
	Model           string              `json:"model,omitempty"`
	Messages        []types.ChatMessage `json:"messages"`
	Prompt          string              `json:"prompt,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	MaxOutputTokens *int                `json:"max_output_tokens,omitempty"`
	Stop            []string            `json:"stop,omitempty"`
	Tools           []types.ChatTool    `json:"tools,omitempty"`
	ToolChoice      any                 `json:"tool_choice,omitempty"`
	Thinking        reasoning.Directive `json:"thinking"`
	Stream          bool                `json:"stream"`
}

// Request holds one helper call.
type Request struct {
	Payload Payload
	// SAPISID is the session cookie extracted from the active browser profile.
	SAPISID string
}

// Response wraps the helper HTTP response.
type Response struct {
	StatusCode int
	Body       *http.Response
	Headers    http.Header
}

// Client makes requests to the helper service.
type Client struct {
	Endpoint string
	// SAPISID overrides the cookie taken from the browser profile when set.
	SAPISID string
	Verbose bool
	Debug   bool

	httpClient *http.Client
	dumpMu     sync.Mutex
}

// NewClient creates a helper client. A non-empty token is sent as an OAuth2
// bearer credential on every request.
func NewClient(endpoint, sapisid, token string, verbose, debug bool) *Client {
	// No client timeout: the stream is bounded by the caller's context and
	// the tier's completion timer.
	hc := &http.Client{}
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		hc.Transport = &oauth2.Transport{Source: src, Base: http.DefaultTransport}
	}
	return &Client{
		Endpoint:   strings.TrimSpace(endpoint),
		SAPISID:    sapisid,
		Verbose:    verbose,
		Debug:      debug,
		httpClient: hc,
	}
}

// Configured reports whether an endpoint is set.
func (c *Client) Configured() bool {
	return c != nil && c.Endpoint != ""
}

// Do sends the payload to the helper endpoint and returns the streaming response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	payload := req.Payload
	payload.Stream = true

	if c.Verbose {
		slog.Info("upstream.request",
			"req_id", payload.ReqID,
			"model", payload.Model,
			"messages", len(payload.Messages),
			"tools", len(payload.Tools),
			"tool_choice", summarizeToolChoice(payload.ToolChoice),
			"thinking", payload.Thinking.ThinkingEnabled,
		)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	sapisid := firstNonEmpty(c.SAPISID, req.SAPISID)
	if sapisid != "" {
		httpReq.Header.Set("Cookie", "SAPISID="+sapisid)
	}
	if payload.ReqID != "" {
		httpReq.Header.Set("X-Request-ID", payload.ReqID)
	}
	c.dumpRequest(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("helper request failed: %w", err)
	}
	if c.Verbose {
		attrs := []any{"req_id", payload.ReqID, "status", resp.StatusCode}
		if requestID := upstreamRequestID(resp.Header); requestID != "" {
			attrs = append(attrs, "request_id", requestID)
		}
		slog.Info("upstream.response", attrs...)
	}
	c.dumpResponse(resp)

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       resp,
		Headers:    resp.Header,
	}, nil
}

func summarizeToolChoice(choice any) string {
	switch v := choice.(type) {
	case nil:
		return "auto"
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return "auto"
		}
		return v
	case map[string]any:
		kind, _ := v["type"].(string)
		if fn, ok := v["function"].(map[string]any); ok {
			if name, _ := fn["name"].(string); name != "" {
				if kind != "" {
					return kind + ":" + name
				}
				return "function:" + name
			}
		}
		if kind != "" {
			return kind
		}
		return "object"
	default:
		return fmt.Sprintf("%T", choice)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func upstreamRequestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	return firstNonEmpty(
		headers.Get("x-request-id"),
		headers.Get("request-id"),
		headers.Get("cf-ray"),
	)
}
