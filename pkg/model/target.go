package model

import (
	"fmt"
	"maps"
	"slices"
)

// Target is the identity a flag is evaluated for (a user, device, service...).
type Target struct {
	// Identifier is required. A target without it is invalid: it is still
	// evaluated, but never reported in metrics.
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`

	// Private targets are never sent to the authority.
	Private bool `json:"-"`

	// PrivateAttributes are redacted before the target is reported.
	PrivateAttributes []string `json:"-"`
}

// IsValid reports whether the target carries an identifier.
func (t *Target) IsValid() bool {
	return t != nil && t.Identifier != ""
}

// Attribute resolves an attribute by name. The reserved names "identifier" and
// "name" map to the target's own fields.
func (t *Target) Attribute(name string) (any, bool) {
	if t == nil {
		return nil, false
	}
	switch name {
	case AttributeIdentifier:
		return t.Identifier, t.Identifier != ""
	case AttributeName:
		return t.Name, t.Name != ""
	}
	v, ok := t.Attributes[name]
	return v, ok
}

// AttributeString resolves an attribute and renders it as a string.
func (t *Target) AttributeString(name string) (string, bool) {
	v, ok := t.Attribute(name)
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Redacted returns a copy of the target's attributes without the private ones.
func (t *Target) Redacted() map[string]any {
	if len(t.Attributes) == 0 {
		return nil
	}
	out := maps.Clone(t.Attributes)
	for key := range out {
		if slices.Contains(t.PrivateAttributes, key) {
			delete(out, key)
		}
	}
	return out
}

func (t *Target) String() string {
	if t == nil {
		return "TargetId: <nil>"
	}
	return "TargetId: " + t.Identifier
}
