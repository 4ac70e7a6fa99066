package domain

import (
	"time"
)

// EvaluationContext is the per-filing input to an evaluation. It is
// ephemeral: the engine never persists it.
type EvaluationContext struct {
	TenantID    string    `json:"tenantId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`

	// Data is the filing's field tree, addressed by dot-separated
	// paths. The engine evaluates against its own working copy; the
	// caller's map is never mutated.
	Data map[string]any `json:"data"`

	// Previous is an optional read-only snapshot of the prior filing,
	// addressed under the "previous." path prefix.
	Previous map[string]any `json:"previous,omitempty"`
}

// AppliedRule is one entry in the rule-firing trace. Only rules whose
// condition held appear; order is execution order.
type AppliedRule struct {
	RuleID          string     `json:"ruleId"`
	RuleName        string     `json:"ruleName"`
	ConditionResult bool       `json:"conditionResult"`
	Action          ActionSpec `json:"action"`
}

// Explanation links a calculated field to the formula and rules that
// produced it, per the audit contract consumed by the explanation UI.
type Explanation struct {
	// Section is the grouping key: the first segment of the field path.
	Section string  `json:"section"`
	Field   string  `json:"field"`
	Value   float64 `json:"value"`

	// Steps are ordered human-readable calculation steps: declared
	// formula, post-substitution formula, raw result, rounding.
	Steps []string `json:"steps"`

	// RuleIDs lists the rules whose actions triggered this field.
	RuleIDs []string `json:"ruleIds"`
}

// FieldError is a field-scoped evaluation failure. The affected field
// is omitted from calculatedValues; the engine never substitutes a
// default, because a silently wrong figure is worse than a visibly
// missing one.
type FieldError struct {
	Field  string `json:"field"`
	RuleID string `json:"ruleId,omitempty"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return "field " + e.Field + ": " + e.Reason
}

// EvaluationResult is the output of one filing evaluation. The engine
// returns it and retains nothing.
type EvaluationResult struct {
	CalculatedValues map[string]float64 `json:"calculatedValues"`
	AppliedRules     []AppliedRule      `json:"appliedRules"`
	Flags            []string           `json:"flags"`
	Explanations     []Explanation      `json:"explanations"`

	// FieldErrors holds field-scoped failures. Callers must treat a
	// non-empty list as blocking for filing submission.
	FieldErrors []FieldError `json:"fieldErrors,omitempty"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata carries audit and processing information.
type EvaluationMetadata struct {
	TraceID         string `json:"traceId"`
	RulepackID      string `json:"rulepackId"`
	RulepackVersion string `json:"rulepackVersion"`
	ContentHash     string `json:"contentHash"`
	RulesEvaluated  int    `json:"rulesEvaluated"`
	RulesFired      int    `json:"rulesFired"`
	TotalMs         int64  `json:"totalMs"`
	EngineVersion   string `json:"engineVersion"`
}
