package rulepack

import (
	"strings"
	"testing"

	"github.com/opensource-finance/merlin/internal/domain"
)

func compiledPack(t *testing.T, doc *domain.RulepackDocument) *domain.CompiledRulepack {
	t.Helper()
	pack, _, err := Compile(doc)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return pack
}

func TestCalculationDependencyChain(t *testing.T) {
	doc := validDocument()
	doc.Rules[0].Action = domain.ActionSpec{Type: domain.ActionCalculate, Field: "tax.total", CalculationID: "total"}
	doc.Calculations = []domain.Calculation{
		{ID: "net", Formula: "income.gross - income.expense", Dependencies: []string{"income.gross", "income.expense"}},
		{ID: "total", Formula: "net * standard_rate", Dependencies: []string{"net"}},
	}

	pack := compiledPack(t, doc)
	view := testView(map[string]any{
		"income": map[string]any{"gross": 50000.0, "expense": 10000.0},
	})

	run := newCalcRun(pack, view)
	got, err := run.evaluate("total")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if got != 8000 {
		t.Errorf("got %v, want 8000", got)
	}

	// The chained dependency was evaluated exactly once and memoized.
	if v, ok := run.values["net"]; !ok || v != 40000 {
		t.Errorf("expected memoized net = 40000, got %v (present %v)", v, ok)
	}
}

func TestCalculationUnresolvedIdentifier(t *testing.T) {
	doc := validDocument()
	doc.Calculations = []domain.Calculation{
		{ID: "vat_due", Formula: "sales.net * standard_rate", Dependencies: []string{"sales.net"}},
	}

	pack := compiledPack(t, doc)
	run := newCalcRun(pack, testView(map[string]any{})) // sales.net absent

	_, err := run.evaluate("vat_due")
	if err == nil {
		t.Fatal("expected unresolved identifier error")
	}
	if !strings.Contains(err.Error(), "unresolved identifier") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCalculationDivisionByZero(t *testing.T) {
	doc := validDocument()
	doc.Calculations = []domain.Calculation{
		{ID: "vat_due", Formula: "sales.net / divisor", Dependencies: []string{"sales.net", "divisor"}},
	}

	pack := compiledPack(t, doc)
	run := newCalcRun(pack, testView(map[string]any{
		"sales":   map[string]any{"net": 100.0},
		"divisor": 0.0,
	}))

	if _, err := run.evaluate("vat_due"); err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("expected division by zero, got %v", err)
	}
}

func TestCalculationFailurePropagatesToDependents(t *testing.T) {
	doc := validDocument()
	doc.Rules[0].Action = domain.ActionSpec{Type: domain.ActionCalculate, Field: "out.b", CalculationID: "b"}
	doc.Calculations = []domain.Calculation{
		{ID: "a", Formula: "missing + 1", Dependencies: []string{"missing"}},
		{ID: "b", Formula: "a * 2", Dependencies: []string{"a"}},
	}

	pack := compiledPack(t, doc)
	run := newCalcRun(pack, testView(map[string]any{}))

	_, err := run.evaluate("b")
	if err == nil || !strings.Contains(err.Error(), `dependency "a" failed`) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
}

func TestThresholdsResolveWithoutDeclaration(t *testing.T) {
	// standard_rate is a pack constant: usable without appearing in
	// the dependency list.
	doc := validDocument()

	pack := compiledPack(t, doc)
	run := newCalcRun(pack, testView(map[string]any{
		"sales": map[string]any{"net": 1000.0},
	}))

	got, err := run.evaluate("vat_due")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if got != 200 {
		t.Errorf("got %v, want 200", got)
	}
}

func TestRounding(t *testing.T) {
	tests := []struct {
		name   string
		policy *domain.RoundingPolicy
		in     float64
		want   float64
	}{
		{"none keeps precision", nil, 2.00499, 2.00499},
		{"round half up", &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 2}, 2.015, 2.02},
		// 2.005 as a float64 sits just below the true midpoint, so
		// half-away-from-zero rounds it down. Pinned, not ambiguous.
		{"round midpoint artifact", &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 2}, 2.005, 2.0},
		{"round negative half", &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 0}, -2.5, -3},
		{"floor", &domain.RoundingPolicy{Method: domain.RoundFloor, DecimalPlaces: 2}, 2.019, 2.01},
		{"ceiling", &domain.RoundingPolicy{Method: domain.RoundCeil, DecimalPlaces: 2}, 2.011, 2.02},
		{"zero places", &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 0}, 2.5, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := applyRounding(tt.policy, tt.in)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExplanationSteps(t *testing.T) {
	doc := validDocument()

	pack := compiledPack(t, doc)
	run := newCalcRun(pack, testView(map[string]any{
		"sales": map[string]any{"net": 1000.0},
	}))

	if _, err := run.evaluate("vat_due"); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	ce := run.explanation["vat_due"]
	if ce == nil {
		t.Fatal("expected an explanation entry")
	}
	if len(ce.steps) != 4 {
		t.Fatalf("expected 4 steps, got %d: %v", len(ce.steps), ce.steps)
	}
	if !strings.HasPrefix(ce.steps[0], "formula:") {
		t.Errorf("step 0: %q", ce.steps[0])
	}
	if !strings.Contains(ce.steps[1], "1000 * 0.2") {
		t.Errorf("substituted step missing values: %q", ce.steps[1])
	}
	if !strings.HasPrefix(ce.steps[3], "rounded (round, 2 dp)") {
		t.Errorf("rounding step: %q", ce.steps[3])
	}
}
