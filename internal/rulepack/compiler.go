// Package rulepack implements the rulepack engine: the compiler that
// validates and canonicalizes rule documents, and the interpreter that
// evaluates compiled rulepacks against a filing's data.
package rulepack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/opensource-finance/merlin/internal/domain"
)

// Compile validates a rulepack document and produces an immutable,
// content-addressed CompiledRulepack plus its canonical source bytes.
// Every invariant violation is collected so authors can fix a document
// in one pass; compilation never partially succeeds and has no side
// effects beyond the returned values.
func Compile(doc *domain.RulepackDocument) (*domain.CompiledRulepack, []byte, error) {
	cerr := &domain.CompileError{}

	if doc.Jurisdiction == "" {
		cerr.Add("document", "jurisdiction is required")
	}
	if doc.FilingType == "" {
		cerr.Add("document", "filingType is required")
	}
	if _, err := semver.NewVersion(doc.Version); err != nil {
		cerr.Add("document", "version %q is not a valid semantic version", doc.Version)
	}
	if doc.EffectiveTo != nil && doc.EffectiveTo.Before(doc.EffectiveFrom) {
		cerr.Add("document", "effectiveTo precedes effectiveFrom")
	}

	rules := canonicalizeRules(doc.Rules)
	calcs := canonicalizeCalculations(doc.Calculations)
	thresholds := canonicalizeThresholds(doc.Thresholds)

	calcIDs := validateCalculations(calcs, thresholds, cerr)
	validateRules(rules, calcIDs, cerr)

	order := topoSort(calcs, calcIDs, cerr)

	if cerr.HasIssues() {
		return nil, nil, cerr
	}

	canonical, hash, err := contentHash(doc.Jurisdiction, doc.FilingType, rules, calcs, thresholds, doc.References)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to canonicalize document: %w", err)
	}

	pack := &domain.CompiledRulepack{
		ID:            uuid.New().String(),
		Jurisdiction:  doc.Jurisdiction,
		FilingType:    doc.FilingType,
		Version:       doc.Version,
		EffectiveFrom: doc.EffectiveFrom,
		EffectiveTo:   doc.EffectiveTo,
		Status:        domain.StatusDraft,
		Author:        doc.Author,
		ContentHash:   hash,
		Rules:         rules,
		Calculations:  calcs,
		CalcOrder:     order,
		Thresholds:    thresholds,
		References:    doc.References,
		CompiledAt:    time.Now().UTC(),
	}
	return pack, canonical, nil
}

// canonicalizeRules lower-cases field paths and sorts rules into
// execution order: priority descending, declaration order on ties.
// The total order is documented behavior, not an accident.
func canonicalizeRules(in []domain.Rule) []domain.Rule {
	rules := make([]domain.Rule, len(in))
	for i, r := range in {
		r.Condition = canonicalizeCondition(r.Condition)
		r.Action.Field = strings.ToLower(r.Action.Field)
		r.Action.CalculationID = strings.ToLower(r.Action.CalculationID)
		rules[i] = r
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	return rules
}

// canonicalizeCondition copies the tree; the caller's document is
// never mutated.
func canonicalizeCondition(n domain.ConditionNode) domain.ConditionNode {
	n.Field = strings.ToLower(n.Field)
	if len(n.Children) > 0 {
		children := make([]domain.ConditionNode, len(n.Children))
		for i, child := range n.Children {
			children[i] = canonicalizeCondition(child)
		}
		n.Children = children
	}
	return n
}

// canonicalizeCalculations lower-cases ids, dependencies and the
// identifiers inside formula text, so a document that is internally
// consistent in any casing compiles to the same canonical form.
func canonicalizeCalculations(in []domain.Calculation) []domain.Calculation {
	calcs := make([]domain.Calculation, len(in))
	for i, c := range in {
		c.ID = strings.ToLower(c.ID)
		if len(c.Dependencies) > 0 {
			deps := make([]string, len(c.Dependencies))
			for j, dep := range c.Dependencies {
				deps[j] = strings.ToLower(dep)
			}
			c.Dependencies = deps
		}
		c.Formula = canonicalFormula(c.Formula)
		calcs[i] = c
	}
	sort.SliceStable(calcs, func(i, j int) bool {
		return calcs[i].ID < calcs[j].ID
	})
	return calcs
}

func canonicalizeThresholds(in []domain.Threshold) []domain.Threshold {
	out := make([]domain.Threshold, len(in))
	for i, t := range in {
		t.Name = strings.ToLower(t.Name)
		out[i] = t
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// validateCalculations checks calculation invariants and returns the
// set of calculation ids for cross-reference checks.
func validateCalculations(calcs []domain.Calculation, thresholds []domain.Threshold, cerr *domain.CompileError) map[string]bool {
	ids := make(map[string]bool, len(calcs))
	for _, c := range calcs {
		if c.ID == "" {
			cerr.Add("calculation", "calculation id is required")
			continue
		}
		if ids[c.ID] {
			cerr.Add(c.ID, "duplicate calculation id")
			continue
		}
		ids[c.ID] = true
	}

	thresholdNames := make(map[string]bool, len(thresholds))
	seen := make(map[string]bool, len(thresholds))
	for _, t := range thresholds {
		if seen[t.Name] {
			cerr.Add(t.Name, "duplicate threshold name")
		}
		seen[t.Name] = true
		thresholdNames[t.Name] = true
	}

	for _, c := range calcs {
		if !validFieldPath(c.ID) {
			cerr.Add(c.ID, "calculation id %q is not a legal field path", c.ID)
		}

		declared := make(map[string]bool, len(c.Dependencies))
		for _, dep := range c.Dependencies {
			if !validFieldPath(dep) && !validFieldPath(strings.TrimPrefix(dep, previousPrefix)) {
				cerr.Add(c.ID, "dependency %q is not a legal field path", dep)
			}
			declared[dep] = true
		}

		node, err := parseFormula(c.Formula)
		if err != nil {
			cerr.Add(c.ID, "formula does not parse: %v", err)
			continue
		}

		// Identifiers must be declared dependencies; thresholds are
		// pack constants and are exempt.
		for _, ident := range formulaIdents(node) {
			if !declared[ident] && !thresholdNames[ident] {
				cerr.Add(c.ID, "formula reads %q which is not a declared dependency", ident)
			}
		}

		if c.Rounding != nil {
			switch c.Rounding.Method {
			case domain.RoundHalfUp, domain.RoundFloor, domain.RoundCeil:
			default:
				cerr.Add(c.ID, "unknown rounding method %q", c.Rounding.Method)
			}
			if c.Rounding.DecimalPlaces < 0 {
				cerr.Add(c.ID, "decimalPlaces must be >= 0")
			}
		}
	}

	return ids
}

func validateRules(rules []domain.Rule, calcIDs map[string]bool, cerr *domain.CompileError) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			cerr.Add("rule", "rule id is required")
			continue
		}
		if seen[r.ID] {
			cerr.Add(r.ID, "duplicate rule id")
			continue
		}
		seen[r.ID] = true

		validateCondition(r.ID, r.Condition, cerr)
		validateAction(r.ID, r.Action, calcIDs, cerr)
	}
}

func validateCondition(ruleID string, n domain.ConditionNode, cerr *domain.CompileError) {
	switch n.Type {
	case domain.ConditionAnd, domain.ConditionOr:
		if len(n.Children) == 0 {
			cerr.Add(ruleID, "%s condition requires at least one child", n.Type)
		}
		for _, child := range n.Children {
			validateCondition(ruleID, child, cerr)
		}
	case domain.ConditionNot:
		if len(n.Children) != 1 {
			cerr.Add(ruleID, "not condition requires exactly one child, got %d", len(n.Children))
			return
		}
		validateCondition(ruleID, n.Children[0], cerr)
	case domain.ConditionComparison:
		validateLeafField(ruleID, n.Field, cerr)
		switch n.Operator {
		case domain.OpEq, domain.OpNe, domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		default:
			cerr.Add(ruleID, "unknown comparison operator %q", n.Operator)
		}
	case domain.ConditionExists:
		validateLeafField(ruleID, n.Field, cerr)
	case domain.ConditionInRange:
		validateLeafField(ruleID, n.Field, cerr)
		if n.Min == nil || n.Max == nil {
			cerr.Add(ruleID, "inRange condition requires both min and max")
		} else if *n.Min > *n.Max {
			cerr.Add(ruleID, "inRange min %v exceeds max %v", *n.Min, *n.Max)
		}
	default:
		cerr.Add(ruleID, "unknown condition type %q", n.Type)
	}
}

func validateLeafField(ruleID, field string, cerr *domain.CompileError) {
	path := strings.TrimPrefix(field, previousPrefix)
	if !validFieldPath(path) {
		cerr.Add(ruleID, "field %q is not a legal field path", field)
	}
}

func validateAction(ruleID string, a domain.ActionSpec, calcIDs map[string]bool, cerr *domain.CompileError) {
	switch a.Type {
	case domain.ActionSet:
		if !validFieldPath(a.Field) {
			cerr.Add(ruleID, "set action field %q is not a legal field path", a.Field)
		}
	case domain.ActionCalculate:
		if !validFieldPath(a.Field) {
			cerr.Add(ruleID, "calculate action target %q is not a legal field path", a.Field)
		}
		if !calcIDs[a.CalculationID] {
			cerr.Add(ruleID, "calculate action references unknown calculation %q", a.CalculationID)
		}
	case domain.ActionFlag:
		if a.Flag == "" {
			cerr.Add(ruleID, "flag action requires a flag name")
		}
	case domain.ActionRoute:
		if a.Destination == "" {
			cerr.Add(ruleID, "route action requires a destination")
		}
	default:
		cerr.Add(ruleID, "unknown action type %q", a.Type)
	}
}

// topoSort produces a deterministic topological order over the
// calculation dependency graph (Kahn's algorithm, lexicographic among
// ready nodes) and records a cycle error when no such order exists.
func topoSort(calcs []domain.Calculation, calcIDs map[string]bool, cerr *domain.CompileError) []string {
	// Edges dep -> dependent, counting only deps that are calculations;
	// raw context fields are always available.
	dependents := make(map[string][]string)
	indegree := make(map[string]int, len(calcs))
	for _, c := range calcs {
		indegree[c.ID] = 0
	}
	for _, c := range calcs {
		for _, dep := range c.Dependencies {
			if calcIDs[dep] && dep != c.ID {
				dependents[dep] = append(dependents[dep], c.ID)
				indegree[c.ID]++
			}
			if dep == c.ID {
				cerr.Add(c.ID, "calculation depends on itself")
			}
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(calcs))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(calcs) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		cerr.Add(strings.Join(cyclic, ","), "cyclic calculation dependency among %v", cyclic)
	}

	return order
}

// canonicalContent is the hashed form of a rulepack. Catalog metadata
// (version, effective window, status) is excluded so versions that
// differ only in metadata share a content row.
type canonicalContent struct {
	Jurisdiction string               `json:"jurisdiction"`
	FilingType   string               `json:"filingType"`
	Rules        []domain.Rule        `json:"rules"`
	Calculations []domain.Calculation `json:"calculations"`
	Thresholds   []domain.Threshold   `json:"thresholds,omitempty"`
	References   []domain.Reference   `json:"references,omitempty"`
}

// contentHash serializes the canonical form as RFC 8785 JSON and
// digests it with SHA-256.
func contentHash(jurisdiction, filingType string, rules []domain.Rule, calcs []domain.Calculation, thresholds []domain.Threshold, refs []domain.Reference) ([]byte, string, error) {
	raw, err := json.Marshal(canonicalContent{
		Jurisdiction: jurisdiction,
		FilingType:   filingType,
		Rules:        rules,
		Calculations: calcs,
		Thresholds:   thresholds,
		References:   refs,
	})
	if err != nil {
		return nil, "", err
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}
