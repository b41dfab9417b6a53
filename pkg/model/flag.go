// Package model defines the data shapes shared between the client, its connector
// and its pluggable store: flag and segment definitions, identities (targets),
// stream notifications and metrics batches.
//
// Definitions are treated as immutable once constructed. Updates replace a
// definition wholesale; nothing in the client mutates a stored definition in place.
package model

// Kind is the declared value type of a flag's variations.
type Kind string

const (
	KindBoolean Kind = "boolean"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindJSON    Kind = "json"

	// KindInt is accepted as an alias of KindNumber.
	KindInt Kind = "int"
)

// FlagState is the on/off switch of a flag.
type FlagState string

const (
	StateOn  FlagState = "on"
	StateOff FlagState = "off"
)

// FlagDefinition is a named, versioned rule set that resolves to one of its Variations.
type FlagDefinition struct {
	// Identifier is the unique key of the flag.
	Identifier string `json:"feature"`

	Kind  Kind      `json:"kind"`
	State FlagState `json:"state"`

	// Variations is the ordered list of values the flag can serve.
	Variations []Variation `json:"variations"`

	// DefaultServe is what the flag serves when ON and nothing more specific matched.
	DefaultServe Serve `json:"defaultServe"`

	// OffVariation is the variation identifier served when the flag is OFF.
	OffVariation string `json:"offVariation"`

	// Prerequisites must all be satisfied, otherwise the OFF variation is served.
	Prerequisites []Prerequisite `json:"prerequisites,omitempty"`

	// VariationToTargetMap pins explicit identities or segments to a variation.
	VariationToTargetMap []VariationMap `json:"variationToTargetMap,omitempty"`

	// Rules are evaluated in list order; the first rule whose clauses all match wins.
	Rules []ServingRule `json:"rules,omitempty"`

	Version int64 `json:"version"`
}

// Variation is one possible value a flag can serve.
// Value holds the raw payload; it is interpreted according to the flag's Kind.
type Variation struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	Value      string `json:"value"`
}

// Serve is the result of a rule: either a fixed Variation or a percentage Distribution.
type Serve struct {
	Variation    string        `json:"variation,omitempty"`
	Distribution *Distribution `json:"distribution,omitempty"`
}

// Distribution spreads identities over variations by weight (weights sum to 100).
type Distribution struct {
	// BucketBy names the identity attribute used for hashing. Empty means "identifier".
	BucketBy   string              `json:"bucketBy,omitempty"`
	Variations []WeightedVariation `json:"variations"`
}

// WeightedVariation assigns a percentage weight to a variation.
type WeightedVariation struct {
	Variation string `json:"variation"`
	Weight    int    `json:"weight"`
}

// ServingRule is a targeting rule: all Clauses must match for Serve to apply.
type ServingRule struct {
	RuleID  string   `json:"ruleId,omitempty"`
	Clauses []Clause `json:"clauses"`
	Serve   Serve    `json:"serve"`
}

// Prerequisite requires flag Feature to serve one of Variations for the same identity.
type Prerequisite struct {
	Feature    string   `json:"feature"`
	Variations []string `json:"variations"`
}

// VariationMap pins identities (directly or through segments) to a variation.
type VariationMap struct {
	Variation      string   `json:"variation"`
	Targets        []string `json:"targets,omitempty"`
	TargetSegments []string `json:"targetSegments,omitempty"`
}

// FindVariation returns the variation with the given identifier.
func (f *FlagDefinition) FindVariation(identifier string) (*Variation, bool) {
	for i := range f.Variations {
		if f.Variations[i].Identifier == identifier {
			return &f.Variations[i], true
		}
	}
	return nil, false
}

// ReferencedSegments returns the set of segment identifiers this flag depends on,
// through segment-membership clauses or through its variation-to-target map.
func (f *FlagDefinition) ReferencedSegments() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, rule := range f.Rules {
		for _, clause := range rule.Clauses {
			if clause.Op == OpSegmentMatch {
				for _, v := range clause.Values {
					add(v)
				}
			}
		}
	}
	for _, m := range f.VariationToTargetMap {
		for _, s := range m.TargetSegments {
			add(s)
		}
	}
	return out
}
