package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// controllerHTTPTimeout bounds a single call to the page controller. Submits
// that type long prompts are the slowest calls.
const controllerHTTPTimeout = 2 * time.Minute

// maxErrorBody caps how much of an error reply is kept for the message.
const maxErrorBody = 4 << 10

// Client is a PageController backed by the HTTP sidecar that owns the
// browser process.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Verbose    bool
}

// NewClient creates a page controller client for baseURL.
func NewClient(baseURL string, verbose bool) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: controllerHTTPTimeout},
		Verbose:    verbose,
	}
}

type submitRequest struct {
	Prompt string `json:"prompt"`
	Params Params `json:"params"`
}

type modelRequest struct {
	Model string `json:"model"`
}

type modelsResponse struct {
	Models []Model `json:"models"`
}

// SubmitPrompt implements PageController.
func (c *Client) SubmitPrompt(ctx context.Context, prompt string, params Params) error {
	return c.do(ctx, "submit", http.MethodPost, "/prompt", submitRequest{Prompt: prompt, Params: params}, nil)
}

// SwitchModel implements PageController.
func (c *Client) SwitchModel(ctx context.Context, id string) error {
	return c.do(ctx, "switch_model", http.MethodPost, "/model", modelRequest{Model: id}, nil)
}

// Poll implements PageController.
func (c *Client) Poll(ctx context.Context) (PollResult, error) {
	var out PollResult
	err := c.do(ctx, "poll", http.MethodGet, "/response", nil, &out)
	return out, err
}

// Stop implements PageController.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, "stop", http.MethodPost, "/stop", nil, nil)
}

// ClearChat implements PageController.
func (c *Client) ClearChat(ctx context.Context) error {
	return c.do(ctx, "clear", http.MethodPost, "/clear", nil, nil)
}

// Models implements PageController.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var out modelsResponse
	if err := c.do(ctx, "models", http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Status implements PageController.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, "status", http.MethodGet, "/status", nil, &out)
	return out, err
}

// Credentials implements PageController.
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	var out Credentials
	err := c.do(ctx, "credentials", http.MethodGet, "/credentials", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if c == nil || c.BaseURL == "" {
		return ErrNoPage
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrNoPage, op, err)
	}
	defer resp.Body.Close()

	if c.Verbose {
		slog.Debug("browser.controller.call", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))
	}

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ControllerError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s reply: %w", op, err)
	}
	return nil
}

// errorMessage extracts {"error":"..."} or {"error":{"message":"..."}} when
// present and falls back to the raw body.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error any `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		switch e := envelope.Error.(type) {
		case string:
			return e
		case map[string]any:
			if msg, ok := e["message"].(string); ok {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
