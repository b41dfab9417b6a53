package ruleengine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// MaxTargetListSize limits explicit identity lists in a single variation mapping
// or segment. Large lists belong in attribute rules, not in a definition that is
// scanned on every evaluation.
const MaxTargetListSize = 10_000

// ValidateFlag checks that every reference inside def resolves and every
// variation payload parses for the flag's kind. Synchronizers use it to refuse
// malformed definitions before they reach the repository.
func ValidateFlag(def *model.FlagDefinition) error {
	if def.Identifier == "" {
		return fmt.Errorf("%w: missing identifier", ErrMalformedFlag)
	}
	if len(def.Variations) == 0 {
		return fmt.Errorf("%w: %q has no variations", ErrMalformedFlag, def.Identifier)
	}

	parse, err := parserFor(def.Kind)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedFlag, def.Identifier, err)
	}
	for _, v := range def.Variations {
		if err := parse(v.Value); err != nil {
			return fmt.Errorf("%w: %q variation %q: %v", ErrMalformedFlag, def.Identifier, v.Identifier, err)
		}
	}

	refs := []string{def.OffVariation}
	if err := collectServe(def.DefaultServe, &refs); err != nil {
		return fmt.Errorf("%w: %q default serve: %v", ErrMalformedFlag, def.Identifier, err)
	}
	for _, rule := range def.Rules {
		if err := collectServe(rule.Serve, &refs); err != nil {
			return fmt.Errorf("%w: %q rule %q: %v", ErrMalformedFlag, def.Identifier, rule.RuleID, err)
		}
	}
	for _, m := range def.VariationToTargetMap {
		if len(m.Targets) > MaxTargetListSize {
			return fmt.Errorf("%w: %q target list exceeds maximum size: %d > %d",
				ErrMalformedFlag, def.Identifier, len(m.Targets), MaxTargetListSize)
		}
		refs = append(refs, m.Variation)
	}

	for _, id := range refs {
		if _, ok := def.FindVariation(id); !ok {
			return fmt.Errorf("%w: %q references unknown variation %q", ErrMalformedFlag, def.Identifier, id)
		}
	}
	return nil
}

func collectServe(s model.Serve, refs *[]string) error {
	if s.Distribution == nil {
		*refs = append(*refs, s.Variation)
		return nil
	}
	if len(s.Distribution.Variations) == 0 {
		return errors.New("empty distribution")
	}
	total := 0
	for _, wv := range s.Distribution.Variations {
		if wv.Weight < 0 || wv.Weight > 100 {
			return fmt.Errorf("weight must be between 0 and 100, got %d", wv.Weight)
		}
		total += wv.Weight
		*refs = append(*refs, wv.Variation)
	}
	if total != 100 {
		return fmt.Errorf("weights must sum to 100, got %d", total)
	}
	return nil
}

func parserFor(kind model.Kind) (func(string) error, error) {
	switch kind {
	case model.KindBoolean:
		return func(s string) error { _, err := strconv.ParseBool(s); return err }, nil
	case model.KindString:
		return func(string) error { return nil }, nil
	case model.KindNumber, model.KindInt:
		return func(s string) error { _, err := parseNumber(s); return err }, nil
	case model.KindJSON:
		return func(s string) error { _, err := parseJSON(s); return err }, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

// ValidateSegment checks the explicit lists stay within bounds.
func ValidateSegment(seg *model.Segment) error {
	if seg.Identifier == "" {
		return fmt.Errorf("%w: segment missing identifier", ErrMalformedFlag)
	}
	if len(seg.Included)+len(seg.Excluded) > MaxTargetListSize {
		return fmt.Errorf("%w: segment %q target lists exceed maximum size %d",
			ErrMalformedFlag, seg.Identifier, MaxTargetListSize)
	}
	return nil
}
