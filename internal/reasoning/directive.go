package reasoning

// Directive is the page-level view of a Spec: the thinking toggle, the budget
// toggle and the budget value as the web UI exposes them.
type Directive struct {
	ThinkingEnabled bool `json:"thinking_enabled"`
	BudgetEnabled   bool `json:"budget_enabled"`
	BudgetTokens    int  `json:"budget_tokens,omitempty"`
}

// Directive converts s into UI controls.
func (s Spec) Directive() Directive {
	switch s.Kind {
	case KindBudget:
		return Directive{ThinkingEnabled: true, BudgetEnabled: true, BudgetTokens: s.Tokens}
	case KindUnlimited:
		return Directive{ThinkingEnabled: true}
	default:
		return Directive{}
	}
}
