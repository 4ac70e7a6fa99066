package rulepack

import (
	"reflect"

	"github.com/opensource-finance/merlin/internal/domain"
)

// evalCondition is the pure recursive condition evaluator. It never
// fails: a comparison over an unparseable or missing operand is simply
// false. And/or short-circuit, so an expensive or broken sibling after
// a deciding child is never touched.
func evalCondition(n *domain.ConditionNode, view *dataView) bool {
	switch n.Type {
	case domain.ConditionAnd:
		for i := range n.Children {
			if !evalCondition(&n.Children[i], view) {
				return false
			}
		}
		return true

	case domain.ConditionOr:
		for i := range n.Children {
			if evalCondition(&n.Children[i], view) {
				return true
			}
		}
		return false

	case domain.ConditionNot:
		return !evalCondition(&n.Children[0], view)

	case domain.ConditionComparison:
		return evalComparison(n, view)

	case domain.ConditionExists:
		// Present is what matters: an explicit null still exists.
		_, ok := view.Resolve(n.Field)
		return ok

	case domain.ConditionInRange:
		raw, ok := view.Resolve(n.Field)
		if !ok {
			return false
		}
		v, ok := toNumber(raw)
		if !ok {
			return false
		}
		return v >= *n.Min && v <= *n.Max
	}
	return false
}

func evalComparison(n *domain.ConditionNode, view *dataView) bool {
	raw, ok := view.Resolve(n.Field)

	switch n.Operator {
	case domain.OpEq:
		// Structural equality, no type coercion: "5" != 5.
		return ok && reflect.DeepEqual(raw, n.Value)
	case domain.OpNe:
		return ok && !reflect.DeepEqual(raw, n.Value)
	}

	// Ordering operators coerce both operands to numeric; anything
	// unparseable makes the comparison false rather than an error.
	if !ok {
		return false
	}
	left, ok := toNumber(raw)
	if !ok {
		return false
	}
	right, ok := toNumber(n.Value)
	if !ok {
		return false
	}

	switch n.Operator {
	case domain.OpGt:
		return left > right
	case domain.OpGte:
		return left >= right
	case domain.OpLt:
		return left < right
	case domain.OpLte:
		return left <= right
	}
	return false
}
