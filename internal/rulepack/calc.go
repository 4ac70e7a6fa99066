package rulepack

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/expr"
)

// parseFormula and formulaIdents keep the compiler decoupled from the
// expression package's surface.
func parseFormula(formula string) (*expr.Node, error) { return expr.Parse(formula) }
func formulaIdents(n *expr.Node) []string             { return expr.Idents(n) }

// canonicalFormula lower-cases the identifiers in a formula and renders
// it back to normalized text. Unparseable formulas pass through
// untouched; validation reports them.
func canonicalFormula(formula string) string {
	node, err := expr.Parse(formula)
	if err != nil {
		return formula
	}
	expr.NormalizeIdents(node)
	return node.String()
}

// calcRun evaluates calculations for a single evaluation pass, in
// dependency order, memoizing each calculation the first time a
// calculate action (or a dependent formula) needs it. All state is
// owned by the pass; nothing is shared across concurrent evaluations.
type calcRun struct {
	pack *domain.CompiledRulepack
	view *dataView

	values      map[string]float64 // by calculation id
	failed      map[string]string  // by calculation id, first failure reason
	orderIndex  map[string]int
	explanation map[string]*calcExplanation // by calculation id
}

type calcExplanation struct {
	steps []string
	value float64
}

func newCalcRun(pack *domain.CompiledRulepack, view *dataView) *calcRun {
	idx := make(map[string]int, len(pack.CalcOrder))
	for i, id := range pack.CalcOrder {
		idx[id] = i
	}
	return &calcRun{
		pack:        pack,
		view:        view,
		values:      make(map[string]float64),
		failed:      make(map[string]string),
		orderIndex:  idx,
		explanation: make(map[string]*calcExplanation),
	}
}

// evaluate computes a calculation by id, first ensuring every declared
// calculation dependency has been computed. The compiler guarantees
// the graph is acyclic, so the recursion is bounded by the topological
// order.
func (cr *calcRun) evaluate(id string) (float64, error) {
	if v, ok := cr.values[id]; ok {
		return v, nil
	}
	if reason, ok := cr.failed[id]; ok {
		return 0, fmt.Errorf("%s", reason)
	}

	calc := cr.pack.CalculationByID(id)
	if calc == nil {
		return 0, fmt.Errorf("unknown calculation %q", id)
	}

	declared := make(map[string]bool, len(calc.Dependencies))
	for _, dep := range calc.Dependencies {
		declared[dep] = true
		if _, isCalc := cr.orderIndex[dep]; isCalc {
			if _, err := cr.evaluate(dep); err != nil {
				reason := fmt.Sprintf("dependency %q failed: %v", dep, err)
				cr.failed[id] = reason
				return 0, fmt.Errorf("%s", reason)
			}
		}
	}

	node, err := expr.Parse(calc.Formula)
	if err != nil {
		// Unreachable for compiled packs; kept for packs loaded from
		// storage written by older engine versions.
		reason := fmt.Sprintf("formula does not parse: %v", err)
		cr.failed[id] = reason
		return 0, fmt.Errorf("%s", reason)
	}

	// Identifiers resolve against already-produced calculation values
	// first, then context data, gated by the declared dependency list.
	// Thresholds are pack constants and resolve unconditionally.
	resolve := func(name string) (float64, bool) {
		if !declared[name] {
			if v, ok := cr.pack.ThresholdValue(name); ok {
				return v, true
			}
			return 0, false
		}
		if v, ok := cr.values[name]; ok {
			return v, true
		}
		raw, ok := cr.view.Resolve(name)
		if !ok {
			return 0, false
		}
		return toNumber(raw)
	}

	raw, err := expr.Eval(node, resolve)
	if err != nil {
		cr.failed[id] = err.Error()
		return 0, err
	}

	value, roundStep := applyRounding(calc.Rounding, raw)

	steps := []string{
		fmt.Sprintf("formula: %s", node.String()),
		fmt.Sprintf("substituted: %s", expr.Substitute(node, resolve)),
		fmt.Sprintf("result: %s", strconv.FormatFloat(raw, 'f', -1, 64)),
	}
	if roundStep != "" {
		steps = append(steps, roundStep)
	}

	cr.values[id] = value
	cr.explanation[id] = &calcExplanation{steps: steps, value: value}
	return value, nil
}

// applyRounding applies the declared policy as the final step. The
// "round" method is half away from zero on the float64 value; 2.005
// at two places rounds down to 2.0 because the nearest double to
// 2.005 sits just below the true midpoint. That behavior is pinned by
// tests rather than left to vary.
func applyRounding(policy *domain.RoundingPolicy, v float64) (float64, string) {
	if policy == nil {
		return v, ""
	}
	shift := math.Pow(10, float64(policy.DecimalPlaces))
	var rounded float64
	switch policy.Method {
	case domain.RoundHalfUp:
		rounded = math.Round(v*shift) / shift
	case domain.RoundFloor:
		rounded = math.Floor(v*shift) / shift
	case domain.RoundCeil:
		rounded = math.Ceil(v*shift) / shift
	default:
		return v, ""
	}
	step := fmt.Sprintf("rounded (%s, %d dp): %s",
		policy.Method, policy.DecimalPlaces, strconv.FormatFloat(rounded, 'f', -1, 64))
	return rounded, step
}

// section derives the explanation grouping key from a field path.
func section(field string) string {
	if i := strings.IndexByte(field, '.'); i > 0 {
		return field[:i]
	}
	return field
}
