package ruleengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/rafaeljc/heimdall-client/internal/observability"
	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// BoolVariation returns the boolean served to target, or def on any failure.
func (e *Engine) BoolVariation(flagIdentifier string, target *model.Target, def bool) bool {
	return typedVariation(e, flagIdentifier, target, def, strconv.ParseBool, model.KindBoolean)
}

// StringVariation returns the string served to target, or def on any failure.
func (e *Engine) StringVariation(flagIdentifier string, target *model.Target, def string) string {
	return typedVariation(e, flagIdentifier, target, def, parseString, model.KindString)
}

// NumberVariation returns the number served to target, or def on any failure.
func (e *Engine) NumberVariation(flagIdentifier string, target *model.Target, def float64) float64 {
	return typedVariation(e, flagIdentifier, target, def, parseNumber, model.KindNumber, model.KindInt)
}

// JSONVariation returns the document served to target, or def on any failure.
func (e *Engine) JSONVariation(flagIdentifier string, target *model.Target, def map[string]any) map[string]any {
	return typedVariation(e, flagIdentifier, target, def, parseJSON, model.KindJSON)
}

func parseString(raw string) (string, error) { return raw, nil }

func parseNumber(raw string) (float64, error) { return strconv.ParseFloat(raw, 64) }

func parseJSON(raw string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// typedVariation is the shared path of every accessor: evaluate, check the kind,
// parse the payload, record the evaluation. It never returns an error; failures
// are logged, counted and answered with def.
func typedVariation[T any](
	e *Engine,
	flagIdentifier string,
	target *model.Target,
	def T,
	parse func(string) (T, error),
	kinds ...model.Kind,
) T {
	start := time.Now()
	defer func() {
		observability.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	result, err := e.Evaluate(flagIdentifier, target)
	if err != nil {
		e.fallback(flagIdentifier, err)
		return def
	}

	if !slices.Contains(kinds, result.Flag.Kind) {
		e.fallback(flagIdentifier, fmt.Errorf("%w: flag is %q, requested %q", ErrKindMismatch, result.Flag.Kind, kinds[0]))
		return def
	}

	value, err := parse(result.Variation.Value)
	if err != nil {
		e.fallback(flagIdentifier, fmt.Errorf("%w: variation %q: %v", ErrMalformedFlag, result.Variation.Identifier, err))
		return def
	}

	observability.EvaluationsTotal.WithLabelValues("served").Inc()
	e.record(target, result)
	return value
}

func (e *Engine) fallback(flagIdentifier string, err error) {
	observability.EvaluationsTotal.WithLabelValues("default").Inc()

	reason := "malformed"
	switch {
	case errors.Is(err, ErrFlagNotFound):
		// Unknown flags are a defined fallback, not a warning.
		observability.EvaluationErrors.WithLabelValues("flag_not_found").Inc()
		e.logger.Debug("flag not found, serving default", slog.String("flag", flagIdentifier))
		return
	case errors.Is(err, ErrKindMismatch):
		reason = "kind_mismatch"
	}

	observability.EvaluationErrors.WithLabelValues(reason).Inc()
	e.logger.Warn("evaluation failed, serving default",
		slog.String("flag", flagIdentifier),
		slog.String("error", err.Error()),
	)
}

func (e *Engine) record(target *model.Target, result Evaluation) {
	if e.recorder == nil {
		return
	}
	if err := checkTarget(target); err != nil {
		e.logger.Debug("evaluation not recorded",
			slog.String("flag", result.Flag.Identifier),
			slog.String("error", err.Error()),
		)
		return
	}
	e.recorder.Record(target, result.Flag, result.Variation)
}

func checkTarget(target *model.Target) error {
	if !target.IsValid() {
		return ErrInvalidTarget
	}
	return nil
}
