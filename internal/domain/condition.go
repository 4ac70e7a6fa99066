package domain

// ConditionType tags a node in a condition tree.
type ConditionType string

const (
	ConditionAnd        ConditionType = "and"
	ConditionOr         ConditionType = "or"
	ConditionNot        ConditionType = "not"
	ConditionComparison ConditionType = "comparison"
	ConditionExists     ConditionType = "exists"
	ConditionInRange    ConditionType = "inRange"
)

// CompareOp is a comparison operator in a condition leaf.
type CompareOp string

const (
	OpEq  CompareOp = "eq"
	OpNe  CompareOp = "ne"
	OpGt  CompareOp = "gt"
	OpGte CompareOp = "gte"
	OpLt  CompareOp = "lt"
	OpLte CompareOp = "lte"
)

// ConditionNode is one node of a rule's boolean condition tree.
// Composite nodes (and/or/not) use Children; leaves address a
// dot-separated field path into the evaluation data.
type ConditionNode struct {
	Type ConditionType `json:"type"`

	// Composite nodes. Not takes exactly one child.
	Children []ConditionNode `json:"children,omitempty"`

	// Leaf fields.
	Field    string    `json:"field,omitempty"`
	Operator CompareOp `json:"operator,omitempty"`
	Value    any       `json:"value,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
}

// IsComposite reports whether the node has structural children.
func (n *ConditionNode) IsComposite() bool {
	switch n.Type {
	case ConditionAnd, ConditionOr, ConditionNot:
		return true
	}
	return false
}
