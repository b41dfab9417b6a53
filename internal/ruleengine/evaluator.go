package ruleengine

import (
	"slices"
	"strconv"
	"strings"

	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// Matcher is the strategy implemented by every attribute operator.
// It reports whether the identity's attribute value satisfies the clause values.
type Matcher interface {
	Match(attribute string, values []string) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(attribute string, values []string) bool

func (f MatcherFunc) Match(attribute string, values []string) bool {
	return f(attribute, values)
}

// defaultMatchers returns the built-in operator strategies.
// Segment membership is not here: it needs the repository and is handled by the engine.
func defaultMatchers() map[model.Operator]Matcher {
	return map[model.Operator]Matcher{
		model.OpEqual: MatcherFunc(func(attr string, values []string) bool {
			return slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(attr, v) })
		}),
		model.OpEqualSensitive: MatcherFunc(func(attr string, values []string) bool {
			return slices.Contains(values, attr)
		}),
		model.OpContains: MatcherFunc(func(attr string, values []string) bool {
			return slices.ContainsFunc(values, func(v string) bool { return strings.Contains(attr, v) })
		}),
		model.OpStartsWith: MatcherFunc(func(attr string, values []string) bool {
			return slices.ContainsFunc(values, func(v string) bool { return strings.HasPrefix(attr, v) })
		}),
		model.OpEndsWith: MatcherFunc(func(attr string, values []string) bool {
			return slices.ContainsFunc(values, func(v string) bool { return strings.HasSuffix(attr, v) })
		}),
		model.OpIn: MatcherFunc(func(attr string, values []string) bool {
			return slices.Contains(values, attr)
		}),
		model.OpGreaterThan: MatcherFunc(greaterThan),
	}
}

// greaterThan compares numerically when both sides parse as numbers and
// lexically otherwise. Only the first value is considered.
func greaterThan(attr string, values []string) bool {
	if len(values) == 0 {
		return false
	}
	left, lerr := strconv.ParseFloat(attr, 64)
	right, rerr := strconv.ParseFloat(values[0], 64)
	if lerr == nil && rerr == nil {
		return left > right
	}
	return attr > values[0]
}
