package domain

import "time"

// RulepackDocument is the authored input to the compiler: a versioned,
// jurisdiction-scoped bundle of rules, calculations, thresholds and
// citations. Documents are immutable once compiled.
type RulepackDocument struct {
	Jurisdiction  string     `json:"jurisdiction"`
	FilingType    string     `json:"filingType"`
	Version       string     `json:"version"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"` // open-ended when nil

	// Author is registration metadata; it never affects the content hash.
	Author string `json:"author,omitempty"`

	Rules        []Rule        `json:"rules"`
	Calculations []Calculation `json:"calculations"`
	Thresholds   []Threshold   `json:"thresholds,omitempty"`
	References   []Reference   `json:"references,omitempty"`
}

// Rule pairs a condition tree with an action. Higher priority rules
// evaluate first; equal priorities keep declaration order.
type Rule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Condition   ConditionNode `json:"condition"`
	Action      ActionSpec    `json:"action"`
	Priority    int           `json:"priority,omitempty"`
}

// Calculation is a named numeric formula over declared dependencies.
type Calculation struct {
	ID           string          `json:"id"`
	Formula      string          `json:"formula"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Rounding     *RoundingPolicy `json:"rounding,omitempty"` // nil keeps full precision
}

// RoundingPolicy is applied as the final step of a calculation.
type RoundingPolicy struct {
	Method        RoundingMethod `json:"method"`
	DecimalPlaces int            `json:"decimalPlaces"`
}

// RoundingMethod selects how a calculated value is rounded.
type RoundingMethod string

const (
	// RoundHalfUp rounds half away from zero on the float64 value.
	RoundHalfUp RoundingMethod = "round"
	RoundFloor  RoundingMethod = "floor"
	RoundCeil   RoundingMethod = "ceiling"
)

// Threshold is a named numeric constant referenceable from formulas.
type Threshold struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Reference is an informational citation (statute, guidance note).
// It has no effect on evaluation.
type Reference struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Rulepack lifecycle status in the catalog.
type RulepackStatus string

const (
	StatusDraft   RulepackStatus = "draft"
	StatusActive  RulepackStatus = "active"
	StatusRetired RulepackStatus = "retired"
)

// CompiledRulepack is the immutable output of compilation: validated,
// canonicalized, content-addressed. Instances are shared read-only
// across concurrent evaluations.
type CompiledRulepack struct {
	ID            string         `json:"id"`
	Jurisdiction  string         `json:"jurisdiction"`
	FilingType    string         `json:"filingType"`
	Version       string         `json:"version"`
	EffectiveFrom time.Time      `json:"effectiveFrom"`
	EffectiveTo   *time.Time     `json:"effectiveTo,omitempty"`
	Status        RulepackStatus `json:"status"`
	Author        string         `json:"author,omitempty"`

	// ContentHash is a SHA-256 digest of the RFC 8785 canonical JSON
	// form of the document. Versions that differ only in catalog
	// metadata share a hash.
	ContentHash string `json:"contentHash"`

	// Rules in execution order: priority descending, declaration
	// order on ties.
	Rules []Rule `json:"rules"`

	Calculations []Calculation `json:"calculations"`

	// CalcOrder is the precomputed topological order of calculation ids.
	CalcOrder []string `json:"calcOrder"`

	Thresholds []Threshold `json:"thresholds,omitempty"`
	References []Reference `json:"references,omitempty"`

	CompiledAt time.Time `json:"compiledAt"`
}

// CalculationByID returns the calculation with the given id, or nil.
func (p *CompiledRulepack) CalculationByID(id string) *Calculation {
	for i := range p.Calculations {
		if p.Calculations[i].ID == id {
			return &p.Calculations[i]
		}
	}
	return nil
}

// ThresholdValue returns a named threshold constant.
func (p *CompiledRulepack) ThresholdValue(name string) (float64, bool) {
	for _, t := range p.Thresholds {
		if t.Name == name {
			return t.Value, true
		}
	}
	return 0, false
}
