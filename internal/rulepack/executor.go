package rulepack

import (
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Executor runs a compiled rulepack against one evaluation context.
// The pack is shared read-only; every Run owns its working data copy,
// so concurrent evaluations need no locking.
type Executor struct {
	pack *domain.CompiledRulepack
}

// NewExecutor creates an executor for a compiled rulepack.
func NewExecutor(pack *domain.CompiledRulepack) *Executor {
	return &Executor{pack: pack}
}

// Run executes the rulepack: rules in priority order against the
// current working data (earlier set actions are visible to later
// conditions, deliberately), calculate actions drive the calculation
// engine, flags deduplicate, route actions land in the trace only.
// Field-scoped calculation failures accumulate in FieldErrors; the
// rest of the result is still produced.
func (ex *Executor) Run(ectx *domain.EvaluationContext) *domain.EvaluationResult {
	start := time.Now()

	working := deepCopy(ectx.Data)
	view := &dataView{data: working, previous: ectx.Previous}
	calc := newCalcRun(ex.pack, view)

	result := &domain.EvaluationResult{
		CalculatedValues: make(map[string]float64),
		AppliedRules:     []domain.AppliedRule{},
		Flags:            []string{},
		Explanations:     []domain.Explanation{},
	}

	flagSeen := make(map[string]bool)
	// explanations keyed by target field; order of first production.
	explIndex := make(map[string]int)

	for i := range ex.pack.Rules {
		rule := &ex.pack.Rules[i]
		if !evalCondition(&rule.Condition, view) {
			continue
		}

		result.AppliedRules = append(result.AppliedRules, domain.AppliedRule{
			RuleID:          rule.ID,
			RuleName:        rule.Name,
			ConditionResult: true,
			Action:          rule.Action,
		})

		switch rule.Action.Type {
		case domain.ActionSet:
			setPath(working, rule.Action.Field, rule.Action.Value)

		case domain.ActionCalculate:
			field := rule.Action.Field
			value, err := calc.evaluate(rule.Action.CalculationID)
			if err != nil {
				result.FieldErrors = append(result.FieldErrors, domain.FieldError{
					Field:  field,
					RuleID: rule.ID,
					Reason: err.Error(),
				})
				continue
			}
			setPath(working, field, value)
			result.CalculatedValues[field] = value

			if idx, ok := explIndex[field]; ok {
				result.Explanations[idx].RuleIDs = appendUnique(result.Explanations[idx].RuleIDs, rule.ID)
				result.Explanations[idx].Value = value
			} else {
				ce := calc.explanation[rule.Action.CalculationID]
				explIndex[field] = len(result.Explanations)
				result.Explanations = append(result.Explanations, domain.Explanation{
					Section: section(field),
					Field:   field,
					Value:   value,
					Steps:   append([]string(nil), ce.steps...),
					RuleIDs: []string{rule.ID},
				})
			}

		case domain.ActionFlag:
			if !flagSeen[rule.Action.Flag] {
				flagSeen[rule.Action.Flag] = true
				result.Flags = append(result.Flags, rule.Action.Flag)
			}

		case domain.ActionRoute:
			// Advisory only: the trace entry above is the whole effect.
		}
	}

	result.Metadata = domain.EvaluationMetadata{
		RulepackID:      ex.pack.ID,
		RulepackVersion: ex.pack.Version,
		ContentHash:     ex.pack.ContentHash,
		RulesEvaluated:  len(ex.pack.Rules),
		RulesFired:      len(result.AppliedRules),
		TotalMs:         time.Since(start).Milliseconds(),
	}
	return result
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}
