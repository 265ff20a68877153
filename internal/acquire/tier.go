package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/n0madic/go-studioproxy/internal/browser"
	"github.com/n0madic/go-studioproxy/internal/stream"
)

// Emit delivers one delta toward the client. It returns an error once the
// consumer is gone; tiers must stop producing when that happens.
type Emit func(stream.Delta) error

// Tier is one ranked strategy for obtaining output. Attempt runs while the
// caller holds sess; a successful attempt emits a terminal delta and returns
// nil. Failures are returned as *TierError.
type Tier interface {
	Name() string
	Attempt(ctx context.Context, sess *browser.Session, req *Request, emit Emit) error
}

// Checker is implemented by tiers that can report whether their collaborator
// is configured and reachable without running a request.
type Checker interface {
	Check(ctx context.Context) error
}

// Outcome classifies one tier attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeUnavailable
	OutcomeTimedOut
	OutcomeRejected
	// OutcomeFailed is a failure after output already reached the client.
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeUnavailable:
		return "Unavailable"
	case OutcomeTimedOut:
		return "TimedOut"
	case OutcomeRejected:
		return "Rejected"
	case OutcomeFailed:
		return "Failed"
	case OutcomeCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// MarshalText renders the outcome name in JSON.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText reads an outcome name written by MarshalText.
func (o *Outcome) UnmarshalText(b []byte) error {
	*o = ParseOutcome(string(b))
	return nil
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) Outcome {
	for o := OutcomeSuccess; o <= OutcomeCancelled; o++ {
		if o.String() == s {
			return o
		}
	}
	return OutcomeFailed
}

// TierError is a classified tier failure.
type TierError struct {
	Tier    string
	Outcome Outcome
	Err     error
}

func (e *TierError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Tier, e.Outcome)
	}
	return fmt.Sprintf("%s: %s: %v", e.Tier, e.Outcome, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

func unavailable(tier string, err error) *TierError {
	return &TierError{Tier: tier, Outcome: OutcomeUnavailable, Err: err}
}

func timedOut(tier string, err error) *TierError {
	return &TierError{Tier: tier, Outcome: OutcomeTimedOut, Err: err}
}

func rejected(tier string, err error) *TierError {
	return &TierError{Tier: tier, Outcome: OutcomeRejected, Err: err}
}

// pageError classifies a page controller failure.
func pageError(tier string, err error) *TierError {
	var ce *browser.ControllerError
	if errors.As(err, &ce) && ce.Rejected() {
		return rejected(tier, err)
	}
	return unavailable(tier, err)
}

// Attempt records one tier invocation.
type Attempt struct {
	Tier     string        `json:"tier"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	// Emitted is true when the tier surfaced output before finishing.
	Emitted bool `json:"emitted"`
}

// FormatAttempts renders an attempt log as "[Tier1: Unavailable, Tier2: Success]".
func FormatAttempts(attempts []Attempt) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = a.Tier + ": " + a.Outcome.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// AllTiersFailedError is returned when every tier failed before any output.
type AllTiersFailedError struct {
	Attempts []Attempt
}

func (e *AllTiersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all tiers failed: no tiers configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s %s", a.Tier, a.Outcome)
		if a.Error != "" {
			parts[i] += " (" + a.Error + ")"
		}
	}
	return "all tiers failed: " + strings.Join(parts, "; ")
}
