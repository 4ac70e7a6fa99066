package rulepack

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

func executorDocument() *domain.RulepackDocument {
	return &domain.RulepackDocument{
		Jurisdiction:  "UK",
		FilingType:    "vat-return",
		Version:       "1.0.0",
		EffectiveFrom: time.Date(2024, 4, 6, 0, 0, 0, 0, time.UTC),
		Rules: []domain.Rule{
			{
				ID:       "select-scheme",
				Name:     "Select flat rate scheme",
				Priority: 10,
				Condition: domain.ConditionNode{
					Type: domain.ConditionComparison, Field: "turnover", Operator: domain.OpLte, Value: 150000.0,
				},
				Action: domain.ActionSpec{Type: domain.ActionSet, Field: "scheme", Value: "flat_rate"},
			},
			{
				ID:       "flat-rate-vat",
				Name:     "Flat rate VAT due",
				Priority: 5,
				Condition: domain.ConditionNode{
					Type: domain.ConditionComparison, Field: "scheme", Operator: domain.OpEq, Value: "flat_rate",
				},
				Action: domain.ActionSpec{Type: domain.ActionCalculate, Field: "vat.due", CalculationID: "flat_vat"},
			},
			{
				ID:       "review-large",
				Name:     "Flag large turnover for review",
				Priority: 0,
				Condition: domain.ConditionNode{
					Type: domain.ConditionComparison, Field: "turnover", Operator: domain.OpGt, Value: 100000.0,
				},
				Action: domain.ActionSpec{Type: domain.ActionFlag, Flag: "manual_review"},
			},
			{
				ID:       "route-review",
				Name:     "Route flagged filings",
				Priority: 0,
				Condition: domain.ConditionNode{
					Type: domain.ConditionComparison, Field: "turnover", Operator: domain.OpGt, Value: 100000.0,
				},
				Action: domain.ActionSpec{Type: domain.ActionRoute, Destination: "review-queue"},
			},
		},
		Calculations: []domain.Calculation{
			{
				ID:           "flat_vat",
				Formula:      "turnover * flat_rate",
				Dependencies: []string{"turnover"},
				Rounding:     &domain.RoundingPolicy{Method: domain.RoundHalfUp, DecimalPlaces: 2},
			},
		},
		Thresholds: []domain.Threshold{{Name: "flat_rate", Value: 0.165}},
	}
}

func TestExecutorPriorityOrderSensitivity(t *testing.T) {
	// The priority-10 rule's set effect must be visible to the
	// priority-5 rule's condition in the same pass.
	pack := compiledPack(t, executorDocument())
	result := NewExecutor(pack).Run(&domain.EvaluationContext{
		TenantID: "tenant-001",
		Data:     map[string]any{"turnover": 120000.0},
	})

	if len(result.FieldErrors) != 0 {
		t.Fatalf("unexpected field errors: %v", result.FieldErrors)
	}

	got, ok := result.CalculatedValues["vat.due"]
	if !ok {
		t.Fatal("expected vat.due to be calculated via the earlier set effect")
	}
	if got != 19800 {
		t.Errorf("vat.due = %v, want 19800", got)
	}

	wantTrace := []string{"select-scheme", "flat-rate-vat", "review-large", "route-review"}
	if len(result.AppliedRules) != len(wantTrace) {
		t.Fatalf("trace %v, want %v", result.AppliedRules, wantTrace)
	}
	for i, id := range wantTrace {
		if result.AppliedRules[i].RuleID != id {
			t.Errorf("trace[%d] = %s, want %s", i, result.AppliedRules[i].RuleID, id)
		}
	}
}

func TestExecutorCallerDataNotMutated(t *testing.T) {
	pack := compiledPack(t, executorDocument())
	data := map[string]any{"turnover": 120000.0}

	NewExecutor(pack).Run(&domain.EvaluationContext{Data: data})

	if _, ok := data["scheme"]; ok {
		t.Error("set action leaked into the caller's data map")
	}
}

func TestExecutorFalseConditionsLeaveNoTrace(t *testing.T) {
	pack := compiledPack(t, executorDocument())
	result := NewExecutor(pack).Run(&domain.EvaluationContext{
		Data: map[string]any{"turnover": 50000.0},
	})

	// turnover <= 150000 fires select-scheme and flat-rate-vat; the
	// two >100000 rules must leave neither trace nor effect.
	for _, ar := range result.AppliedRules {
		if ar.RuleID == "review-large" || ar.RuleID == "route-review" {
			t.Errorf("rule %s should not have fired", ar.RuleID)
		}
	}
	if len(result.Flags) != 0 {
		t.Errorf("unexpected flags: %v", result.Flags)
	}
}

func TestExecutorFlagDeduplication(t *testing.T) {
	doc := executorDocument()
	doc.Rules = append(doc.Rules, domain.Rule{
		ID:   "review-again",
		Name: "Second reviewer flag",
		Condition: domain.ConditionNode{
			Type: domain.ConditionExists, Field: "turnover",
		},
		Action: domain.ActionSpec{Type: domain.ActionFlag, Flag: "manual_review"},
	})

	pack := compiledPack(t, doc)
	result := NewExecutor(pack).Run(&domain.EvaluationContext{
		Data: map[string]any{"turnover": 120000.0},
	})

	count := 0
	for _, flag := range result.Flags {
		if flag == "manual_review" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("manual_review raised %d times in flags, want 1", count)
	}
}

func TestExecutorPartialFailure(t *testing.T) {
	doc := executorDocument()
	doc.Rules = append(doc.Rules, domain.Rule{
		ID:       "broken-calc",
		Name:     "References data that is absent",
		Priority: 1,
		Condition: domain.ConditionNode{
			Type: domain.ConditionExists, Field: "turnover",
		},
		Action: domain.ActionSpec{Type: domain.ActionCalculate, Field: "adjust.total", CalculationID: "adjustment"},
	})
	doc.Calculations = append(doc.Calculations, domain.Calculation{
		ID:           "adjustment",
		Formula:      "prior.balance * 2",
		Dependencies: []string{"prior.balance"},
	})

	pack := compiledPack(t, doc)
	result := NewExecutor(pack).Run(&domain.EvaluationContext{
		Data: map[string]any{"turnover": 120000.0},
	})

	// The healthy field is still produced.
	if _, ok := result.CalculatedValues["vat.due"]; !ok {
		t.Error("expected vat.due despite the broken sibling calculation")
	}

	// The broken field is an error, not a silent zero.
	if _, ok := result.CalculatedValues["adjust.total"]; ok {
		t.Error("broken field must not appear in calculatedValues")
	}
	if len(result.FieldErrors) != 1 {
		t.Fatalf("expected 1 field error, got %v", result.FieldErrors)
	}
	fe := result.FieldErrors[0]
	if fe.Field != "adjust.total" || fe.RuleID != "broken-calc" {
		t.Errorf("unexpected field error: %+v", fe)
	}
}

func TestExecutorExplanationCompleteness(t *testing.T) {
	pack := compiledPack(t, executorDocument())
	result := NewExecutor(pack).Run(&domain.EvaluationContext{
		Data: map[string]any{"turnover": 120000.0},
	})

	if len(result.Explanations) != len(result.CalculatedValues) {
		t.Fatalf("explanations %d, calculated values %d", len(result.Explanations), len(result.CalculatedValues))
	}
	for _, ex := range result.Explanations {
		if _, ok := result.CalculatedValues[ex.Field]; !ok {
			t.Errorf("explanation for %s has no calculated value", ex.Field)
		}
		if len(ex.RuleIDs) == 0 {
			t.Errorf("explanation for %s has no rule ids", ex.Field)
		}
		if len(ex.Steps) == 0 {
			t.Errorf("explanation for %s has no steps", ex.Field)
		}
		if ex.Section != "vat" {
			t.Errorf("explanation section = %q, want vat", ex.Section)
		}
	}
}

func TestExecutorDeterminism(t *testing.T) {
	pack := compiledPack(t, executorDocument())
	ectx := &domain.EvaluationContext{
		TenantID: "tenant-001",
		Data: map[string]any{
			"turnover": 120000.0,
			"extra":    map[string]any{"a": 1.0, "b": 2.0, "c": 3.0},
		},
	}

	normalize := func(r *domain.EvaluationResult) []byte {
		r.Metadata.TotalMs = 0 // wall-clock timing is audit metadata, not payload
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		return b
	}

	first := normalize(NewExecutor(pack).Run(ectx))
	for i := 0; i < 10; i++ {
		if got := normalize(NewExecutor(pack).Run(ectx)); string(got) != string(first) {
			t.Fatalf("run %d produced different bytes:\n%s\nvs\n%s", i, got, first)
		}
	}
}
