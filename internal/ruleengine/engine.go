package ruleengine

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/rafaeljc/heimdall-client/internal/validation"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// maxDepth bounds prerequisite and nested segment recursion. A definition that
// needs more is treated as malformed (most likely a cycle).
const maxDepth = 10

// Engine evaluates flags held by a Query. It is safe for concurrent use.
type Engine struct {
	query    Query
	recorder Recorder
	matchers map[model.Operator]Matcher
	logger   *slog.Logger
}

// New creates an Engine reading from query. recorder may be nil when analytics
// are disabled. If logger is nil, it defaults to slog.Default().
func New(logger *slog.Logger, query Query, recorder Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(query, "ruleengine query")

	return &Engine{
		query:    query,
		recorder: recorder,
		matchers: defaultMatchers(),
		logger:   logger.With(slog.String("component", "ruleengine")),
	}
}

// Evaluate resolves the variation served to target. It does not record metrics.
func (e *Engine) Evaluate(flagIdentifier string, target *model.Target) (Evaluation, error) {
	flag, ok := e.query.GetFlag(flagIdentifier)
	if !ok {
		return Evaluation{}, ErrFlagNotFound
	}
	if target == nil {
		target = &model.Target{}
	}

	variation, err := e.evaluateFlag(flag, target, 0)
	if err != nil {
		return Evaluation{Flag: flag}, err
	}
	return Evaluation{Flag: flag, Variation: variation}, nil
}

// evaluateFlag follows the fixed precedence: off, prerequisites, explicit
// targeting, rules in order, default serve.
func (e *Engine) evaluateFlag(flag *model.FlagDefinition, target *model.Target, depth int) (*model.Variation, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: %q exceeds prerequisite depth %d", ErrMalformedFlag, flag.Identifier, maxDepth)
	}

	if flag.State == model.StateOff {
		return e.variation(flag, flag.OffVariation)
	}

	ok, err := e.prerequisitesMet(flag, target, depth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.variation(flag, flag.OffVariation)
	}

	if id, ok := e.targetMapping(flag, target, depth); ok {
		return e.variation(flag, id)
	}

	for _, rule := range flag.Rules {
		if e.allClausesMatch(rule.Clauses, target, depth) {
			return e.serve(flag, rule.Serve, target)
		}
	}

	return e.serve(flag, flag.DefaultServe, target)
}

func (e *Engine) prerequisitesMet(flag *model.FlagDefinition, target *model.Target, depth int) (bool, error) {
	for _, pre := range flag.Prerequisites {
		parent, ok := e.query.GetFlag(pre.Feature)
		if !ok {
			e.logger.Debug("prerequisite flag not found",
				slog.String("flag", flag.Identifier),
				slog.String("prerequisite", pre.Feature),
			)
			return false, nil
		}
		served, err := e.evaluateFlag(parent, target, depth+1)
		if err != nil {
			return false, err
		}
		if !slices.Contains(pre.Variations, served.Identifier) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) targetMapping(flag *model.FlagDefinition, target *model.Target, depth int) (string, bool) {
	for _, m := range flag.VariationToTargetMap {
		if target.IsValid() && slices.Contains(m.Targets, target.Identifier) {
			return m.Variation, true
		}
		for _, seg := range m.TargetSegments {
			if e.inSegment(seg, target, depth) {
				return m.Variation, true
			}
		}
	}
	return "", false
}

func (e *Engine) serve(flag *model.FlagDefinition, s model.Serve, target *model.Target) (*model.Variation, error) {
	if s.Distribution != nil {
		id, ok := distribute(s.Distribution, flag.Identifier, target)
		if !ok {
			return nil, fmt.Errorf("%w: %q has an empty distribution", ErrMalformedFlag, flag.Identifier)
		}
		return e.variation(flag, id)
	}
	return e.variation(flag, s.Variation)
}

func (e *Engine) variation(flag *model.FlagDefinition, identifier string) (*model.Variation, error) {
	v, ok := flag.FindVariation(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no variation %q", ErrMalformedFlag, flag.Identifier, identifier)
	}
	return v, nil
}

func (e *Engine) allClausesMatch(clauses []model.Clause, target *model.Target, depth int) bool {
	for _, c := range clauses {
		if !e.clauseMatches(c, target, depth) {
			return false
		}
	}
	return true
}

// clauseMatches applies a single clause. Negate flips the operator's result,
// including the case where the attribute is absent.
func (e *Engine) clauseMatches(c model.Clause, target *model.Target, depth int) bool {
	var matched bool

	if c.Op == model.OpSegmentMatch {
		matched = slices.ContainsFunc(c.Values, func(seg string) bool {
			return e.inSegment(seg, target, depth)
		})
	} else {
		matcher, exists := e.matchers[c.Op]
		if !exists {
			// Fail closed on the clause: the rule cannot match.
			e.logger.Warn("skipping unknown operator",
				slog.String("operator", string(c.Op)),
				slog.String("attribute", c.Attribute),
			)
			return false
		}
		if attr, ok := target.AttributeString(c.Attribute); ok {
			matched = matcher.Match(attr, c.Values)
		}
	}

	if c.Negate {
		return !matched
	}
	return matched
}

// inSegment reports segment membership. Explicit exclusion always wins, explicit
// inclusion comes next, then the segment's attribute rules (all must match).
// An unknown segment never matches.
func (e *Engine) inSegment(identifier string, target *model.Target, depth int) bool {
	if depth > maxDepth {
		return false
	}
	seg, ok := e.query.GetSegment(identifier)
	if !ok {
		return false
	}

	if target.IsValid() {
		if slices.Contains(seg.Excluded, target.Identifier) {
			return false
		}
		if slices.Contains(seg.Included, target.Identifier) {
			return true
		}
	}

	if len(seg.Rules) == 0 {
		return false
	}
	return e.allClausesMatch(seg.Rules, target, depth+1)
}
