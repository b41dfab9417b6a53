// Package ruleengine turns a flag definition and an identity into a served variation.
//
// Evaluation is a pure function of the repository contents and the identity: it
// performs no I/O and never panics on malformed data. Callers of the typed
// accessors (BoolVariation, StringVariation...) always get a value back; any
// problem degrades to the caller-supplied default.
package ruleengine

import (
	"errors"

	"github.com/rafaeljc/heimdall-client/pkg/model"
)

var (
	// ErrFlagNotFound means the flag is not in the repository.
	ErrFlagNotFound = errors.New("ruleengine: flag not found")

	// ErrKindMismatch means the requested accessor does not match the flag's kind.
	ErrKindMismatch = errors.New("ruleengine: kind mismatch")

	// ErrMalformedFlag means the definition references something that does not
	// exist or carries a value that cannot be parsed for its kind.
	ErrMalformedFlag = errors.New("ruleengine: malformed flag")

	// ErrInvalidTarget means the identity has no identifier.
	ErrInvalidTarget = errors.New("ruleengine: invalid target")
)

// Query is the read side of the repository the engine evaluates against.
type Query interface {
	GetFlag(identifier string) (*model.FlagDefinition, bool)
	GetSegment(identifier string) (*model.Segment, bool)
}

// Recorder receives one record per served evaluation. Record must not block.
type Recorder interface {
	Record(target *model.Target, flag *model.FlagDefinition, variation *model.Variation)
}

// Evaluation is the outcome of resolving a flag for an identity.
type Evaluation struct {
	Flag      *model.FlagDefinition
	Variation *model.Variation
}
