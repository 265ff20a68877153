// Package reasoning converts the heterogeneous reasoning_effort request
// parameter into a closed, canonical Spec.
package reasoning

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Spec.
type Kind int

const (
	KindOff Kind = iota
	KindBudget
	KindUnlimited
)

// Named level budgets.
const (
	BudgetLow    = 1000
	BudgetMedium = 8000
	BudgetHigh   = 24000
)

// ErrInvalidParameter is returned (wrapped) for values outside the accepted grammar.
var ErrInvalidParameter = errors.New("invalid reasoning_effort")

// InvalidParameterError echoes back the raw value that failed to parse.
type InvalidParameterError struct {
	Value any
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid reasoning_effort %s: expected 0, -1, none, low, medium, high or a non-negative integer", formatRaw(e.Value))
}

func (e *InvalidParameterError) Unwrap() error { return ErrInvalidParameter }

// Spec is Off, Budget(Tokens) or Unlimited. The zero value is Off.
type Spec struct {
	Kind   Kind
	Tokens int
}

// Off disables the thinking phase.
func Off() Spec { return Spec{Kind: KindOff} }

// Budget caps the thinking phase at n tokens.
func Budget(n int) Spec { return Spec{Kind: KindBudget, Tokens: n} }

// Unlimited removes the thinking cap.
func Unlimited() Spec { return Spec{Kind: KindUnlimited} }

// Enabled reports whether any thinking is allowed.
func (s Spec) Enabled() bool { return s.Kind != KindOff }

func (s Spec) String() string {
	switch s.Kind {
	case KindBudget:
		return fmt.Sprintf("budget(%d)", s.Tokens)
	case KindUnlimited:
		return "unlimited"
	default:
		return "off"
	}
}

// Default builds the server-configured default spec.
func Default(enabled bool, budget int) Spec {
	if !enabled {
		return Off()
	}
	if budget < 0 {
		return Unlimited()
	}
	return Budget(budget)
}

// Normalize parses raw into a Spec. A nil raw value, or a string that is empty
// after trimming, yields def.
func Normalize(raw any, def Spec) (Spec, error) {
	switch v := raw.(type) {
	case nil:
		return def, nil
	case string:
		return normalizeString(v, raw, def)
	case json.Number:
		return normalizeString(v.String(), raw, def)
	case int:
		return fromInt(int64(v), raw)
	case int64:
		return fromInt(v, raw)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt32 {
			return Spec{}, &InvalidParameterError{Value: raw}
		}
		return fromInt(int64(v), raw)
	default:
		return Spec{}, &InvalidParameterError{Value: raw}
	}
}

func normalizeString(s string, raw any, def Spec) (Spec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return def, nil
	case "0":
		return Off(), nil
	case "low":
		return Budget(BudgetLow), nil
	case "medium":
		return Budget(BudgetMedium), nil
	case "high":
		return Budget(BudgetHigh), nil
	case "-1", "none":
		return Unlimited(), nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return Spec{}, &InvalidParameterError{Value: raw}
	}
	return fromInt(n, raw)
}

func fromInt(n int64, raw any) (Spec, error) {
	switch {
	case n == 0:
		return Off(), nil
	case n == -1:
		return Unlimited(), nil
	case n > 0 && n <= math.MaxInt32:
		return Budget(int(n)), nil
	default:
		return Spec{}, &InvalidParameterError{Value: raw}
	}
}

func formatRaw(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprintf("%v", v)
}
