// Package browser talks to the page controller that drives the single shared
// browser page, and hands out exclusive ownership of that page.
package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/n0madic/go-studioproxy/internal/reasoning"
)

var (
	// ErrNoPage is returned when the page controller is not configured or
	// cannot be reached.
	ErrNoPage = errors.New("browser page unavailable")
	// ErrSessionReleased is returned by a Session used after Release.
	ErrSessionReleased = errors.New("browser session already released")
)

// Params carries the generation parameters applied to the page before a
// prompt is submitted. Nil fields leave the page's current value untouched.
type Params struct {
	Model           string              `json:"model,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	MaxOutputTokens *int                `json:"max_output_tokens,omitempty"`
	Stop            []string            `json:"stop,omitempty"`
	Thinking        reasoning.Directive `json:"thinking"`
	// Correlation is echoed by the intercepting relay on every frame that
	// belongs to this prompt.
	Correlation string `json:"correlation,omitempty"`
}

// PollResult is one observation of the rendered output region.
type PollResult struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
	// Running is true while the page shows its busy indicator.
	Running bool `json:"running"`
	// Final is set when the controller itself detected completion.
	Final bool `json:"final,omitempty"`
}

// Status describes the page controller's view of the page.
type Status struct {
	Ready bool   `json:"ready"`
	Model string `json:"model,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Model is one entry of the page's model selector.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Credentials are the session cookies extracted from the active browser profile.
type Credentials struct {
	SAPISID string `json:"sapisid"`
}

// PageController drives the web UI. Mutating calls are only valid while the
// caller holds the page's Session.
type PageController interface {
	SubmitPrompt(ctx context.Context, prompt string, params Params) error
	SwitchModel(ctx context.Context, id string) error
	Poll(ctx context.Context) (PollResult, error)
	Stop(ctx context.Context) error
	ClearChat(ctx context.Context) error
	Models(ctx context.Context) ([]Model, error)
	Status(ctx context.Context) (Status, error)
	Credentials(ctx context.Context) (Credentials, error)
}

// ControllerError is a non-success reply from the page controller.
type ControllerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("page controller %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Rejected reports whether the controller declined the call (4xx) as opposed
// to failing to perform it.
func (e *ControllerError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
