package model

// Operator is the comparison applied by a Clause.
type Operator string

const (
	OpEqual          Operator = "equal"
	OpEqualSensitive Operator = "equal_sensitive"
	OpContains       Operator = "contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpIn             Operator = "in"
	OpGreaterThan    Operator = "gt"
	OpSegmentMatch   Operator = "segmentMatch"
)

// AttributeIdentifier is the reserved attribute name that resolves to Target.Identifier.
const AttributeIdentifier = "identifier"

// AttributeName is the reserved attribute name that resolves to Target.Name.
const AttributeName = "name"

// Clause is a single attribute comparison used by serving rules and segment rules.
type Clause struct {
	Attribute string   `json:"attribute"`
	Op        Operator `json:"op"`
	Values    []string `json:"values"`
	Negate    bool     `json:"negate,omitempty"`
}

// Segment is a reusable group of identities: explicit members plus attribute rules.
type Segment struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`

	// Included and Excluded list identity identifiers. Exclusion always wins.
	Included []string `json:"included,omitempty"`
	Excluded []string `json:"excluded,omitempty"`

	// Rules must all match for attribute-based inclusion.
	Rules []Clause `json:"rules,omitempty"`

	Version int64 `json:"version"`
}
