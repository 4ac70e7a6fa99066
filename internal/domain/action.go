package domain

// ActionType tags the effect a fired rule applies.
type ActionType string

const (
	ActionSet       ActionType = "set"
	ActionCalculate ActionType = "calculate"
	ActionFlag      ActionType = "flag"
	ActionRoute     ActionType = "route"
)

// ActionSpec is the tagged effect of a rule. Exactly the fields for
// its Type are populated:
//
//	set:       Field, Value
//	calculate: Field (target), CalculationID
//	flag:      Flag
//	route:     Destination (advisory only; recorded in the trace,
//	           consumed by an external workflow collaborator)
type ActionSpec struct {
	Type          ActionType `json:"type"`
	Field         string     `json:"field,omitempty"`
	Value         any        `json:"value,omitempty"`
	CalculationID string     `json:"calculationId,omitempty"`
	Flag          string     `json:"flag,omitempty"`
	Destination   string     `json:"destination,omitempty"`
}
