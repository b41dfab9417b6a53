package ruleengine

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// fakeQuery is an in-memory Query.
type fakeQuery struct {
	flags    map[string]*model.FlagDefinition
	segments map[string]*model.Segment
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		flags:    make(map[string]*model.FlagDefinition),
		segments: make(map[string]*model.Segment),
	}
}

func (q *fakeQuery) GetFlag(id string) (*model.FlagDefinition, bool) {
	f, ok := q.flags[id]
	return f, ok
}

func (q *fakeQuery) GetSegment(id string) (*model.Segment, bool) {
	s, ok := q.segments[id]
	return s, ok
}

func (q *fakeQuery) addFlag(f model.FlagDefinition) *fakeQuery {
	q.flags[f.Identifier] = &f
	return q
}

func (q *fakeQuery) addSegment(s model.Segment) *fakeQuery {
	q.segments[s.Identifier] = &s
	return q
}

// spyRecorder captures Record calls.
type spyRecorder struct {
	mu      sync.Mutex
	records []string
}

func (r *spyRecorder) Record(target *model.Target, flag *model.FlagDefinition, variation *model.Variation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, target.Identifier+"/"+flag.Identifier+"/"+variation.Identifier)
}

// stringFlag builds an ON string flag with variations v1, v2, v3 and default v1.
func stringFlag(id string, rules ...model.ServingRule) model.FlagDefinition {
	return model.FlagDefinition{
		Identifier: id,
		Kind:       model.KindString,
		State:      model.StateOn,
		Variations: []model.Variation{
			{Identifier: "v1", Value: "one"},
			{Identifier: "v2", Value: "two"},
			{Identifier: "v3", Value: "three"},
		},
		OffVariation: "v3",
		DefaultServe: model.Serve{Variation: "v1"},
		Rules:        rules,
		Version:      1,
	}
}

func target(id string, attrs map[string]any) *model.Target {
	return &model.Target{Identifier: id, Attributes: attrs}
}

func TestEngine_Evaluate(t *testing.T) {
	t.Parallel()

	countryUS := model.ServingRule{
		RuleID:  "rule-us",
		Clauses: []model.Clause{{Attribute: "country", Op: model.OpEqual, Values: []string{"US"}}},
		Serve:   model.Serve{Variation: "v2"},
	}

	tests := []struct {
		name    string
		query   *fakeQuery
		flag    string
		target  *model.Target
		want    string
		wantErr error
	}{
		// --- Happy Paths ---
		{
			name:   "Should serve the matching rule variation",
			query:  newFakeQuery().addFlag(stringFlag("welcome_banner", countryUS)),
			flag:   "welcome_banner",
			target: target("u1", map[string]any{"country": "US"}),
			want:   "v2",
		},
		{
			name:   "Should serve the default when no rule matches",
			query:  newFakeQuery().addFlag(stringFlag("welcome_banner", countryUS)),
			flag:   "welcome_banner",
			target: target("u2", map[string]any{"country": "FR"}),
			want:   "v1",
		},
		{
			name: "Should serve the off variation regardless of rules",
			query: newFakeQuery().addFlag(func() model.FlagDefinition {
				f := stringFlag("off", countryUS)
				f.State = model.StateOff
				return f
			}()),
			flag:   "off",
			target: target("u1", map[string]any{"country": "US"}),
			want:   "v3",
		},
		{
			name: "Should honor rule order (first match wins)",
			query: newFakeQuery().addFlag(stringFlag("ordered",
				model.ServingRule{
					Clauses: []model.Clause{{Attribute: "identifier", Op: model.OpStartsWith, Values: []string{"u"}}},
					Serve:   model.Serve{Variation: "v3"},
				},
				countryUS,
			)),
			flag:   "ordered",
			target: target("u1", map[string]any{"country": "US"}),
			want:   "v3",
		},
		{
			name: "Should serve the explicitly mapped variation before rules",
			query: newFakeQuery().addFlag(func() model.FlagDefinition {
				f := stringFlag("mapped", countryUS)
				f.VariationToTargetMap = []model.VariationMap{{Variation: "v3", Targets: []string{"u1"}}}
				return f
			}()),
			flag:   "mapped",
			target: target("u1", map[string]any{"country": "US"}),
			want:   "v3",
		},
		{
			name: "Should require all clauses of a rule to match",
			query: newFakeQuery().addFlag(stringFlag("and",
				model.ServingRule{
					Clauses: []model.Clause{
						{Attribute: "country", Op: model.OpEqual, Values: []string{"US"}},
						{Attribute: "plan", Op: model.OpIn, Values: []string{"pro", "team"}},
					},
					Serve: model.Serve{Variation: "v2"},
				},
			)),
			flag:   "and",
			target: target("u1", map[string]any{"country": "US", "plan": "free"}),
			want:   "v1",
		},
		{
			name: "Should flip the result of a negated clause",
			query: newFakeQuery().addFlag(stringFlag("negated",
				model.ServingRule{
					Clauses: []model.Clause{{Attribute: "country", Op: model.OpEqual, Values: []string{"US"}, Negate: true}},
					Serve:   model.Serve{Variation: "v2"},
				},
			)),
			flag:   "negated",
			target: target("u1", map[string]any{"country": "FR"}),
			want:   "v2",
		},

		// --- Segments ---
		{
			name: "Should match a segment by explicit inclusion",
			query: newFakeQuery().
				addFlag(stringFlag("seg", model.ServingRule{
					Clauses: []model.Clause{{Op: model.OpSegmentMatch, Values: []string{"beta"}}},
					Serve:   model.Serve{Variation: "v2"},
				})).
				addSegment(model.Segment{Identifier: "beta", Included: []string{"u1"}}),
			flag:   "seg",
			target: target("u1", nil),
			want:   "v2",
		},
		{
			name: "Should let exclusion win over rule based inclusion",
			query: newFakeQuery().
				addFlag(stringFlag("seg", model.ServingRule{
					Clauses: []model.Clause{{Op: model.OpSegmentMatch, Values: []string{"beta"}}},
					Serve:   model.Serve{Variation: "v2"},
				})).
				addSegment(model.Segment{
					Identifier: "beta",
					Excluded:   []string{"u1"},
					Rules:      []model.Clause{{Attribute: "country", Op: model.OpEqual, Values: []string{"US"}}},
				}),
			flag:   "seg",
			target: target("u1", map[string]any{"country": "US"}),
			want:   "v1",
		},
		{
			name: "Should match a segment through its attribute rules",
			query: newFakeQuery().
				addFlag(stringFlag("seg", model.ServingRule{
					Clauses: []model.Clause{{Op: model.OpSegmentMatch, Values: []string{"beta"}}},
					Serve:   model.Serve{Variation: "v2"},
				})).
				addSegment(model.Segment{
					Identifier: "beta",
					Rules:      []model.Clause{{Attribute: "email", Op: model.OpEndsWith, Values: []string{"@example.com"}}},
				}),
			flag:   "seg",
			target: target("u9", map[string]any{"email": "ana@example.com"}),
			want:   "v2",
		},
		{
			name: "Should not match an unknown segment",
			query: newFakeQuery().addFlag(stringFlag("seg", model.ServingRule{
				Clauses: []model.Clause{{Op: model.OpSegmentMatch, Values: []string{"ghost"}}},
				Serve:   model.Serve{Variation: "v2"},
			})),
			flag:   "seg",
			target: target("u1", nil),
			want:   "v1",
		},

		// --- Prerequisites ---
		{
			name: "Should serve off variation when a prerequisite is not met",
			query: newFakeQuery().
				addFlag(func() model.FlagDefinition {
					f := stringFlag("child")
					f.Prerequisites = []model.Prerequisite{{Feature: "parent", Variations: []string{"v2"}}}
					return f
				}()).
				addFlag(stringFlag("parent")),
			flag:   "child",
			target: target("u1", nil),
			want:   "v3",
		},
		{
			name: "Should evaluate normally when prerequisites are met",
			query: newFakeQuery().
				addFlag(func() model.FlagDefinition {
					f := stringFlag("child")
					f.Prerequisites = []model.Prerequisite{{Feature: "parent", Variations: []string{"v1"}}}
					return f
				}()).
				addFlag(stringFlag("parent")),
			flag:   "child",
			target: target("u1", nil),
			want:   "v1",
		},

		// --- Error Cases ---
		{
			name:    "Should report unknown flags",
			query:   newFakeQuery(),
			flag:    "missing",
			target:  target("u1", nil),
			wantErr: ErrFlagNotFound,
		},
		{
			name: "Should report a rule pointing at a missing variation",
			query: newFakeQuery().addFlag(stringFlag("broken", model.ServingRule{
				Serve: model.Serve{Variation: "nope"},
			})),
			flag:    "broken",
			target:  target("u1", nil),
			wantErr: ErrMalformedFlag,
		},
		{
			name: "Should detect prerequisite cycles",
			query: newFakeQuery().
				addFlag(func() model.FlagDefinition {
					f := stringFlag("a")
					f.Prerequisites = []model.Prerequisite{{Feature: "b", Variations: []string{"v1"}}}
					return f
				}()).
				addFlag(func() model.FlagDefinition {
					f := stringFlag("b")
					f.Prerequisites = []model.Prerequisite{{Feature: "a", Variations: []string{"v1"}}}
					return f
				}()),
			flag:    "a",
			target:  target("u1", nil),
			wantErr: ErrMalformedFlag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			engine := New(slog.New(slog.DiscardHandler), tt.query, nil)

			// Act
			got, err := engine.Evaluate(tt.flag, tt.target)

			// Assert
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Variation.Identifier)
		})
	}
}

func TestEngine_UnknownOperator(t *testing.T) {
	t.Parallel()

	// Thread-safe log capture
	var logBuffer bytes.Buffer
	localLogger := slog.New(slog.NewTextHandler(&logBuffer, nil))

	q := newFakeQuery().addFlag(stringFlag("geo", model.ServingRule{
		Clauses: []model.Clause{{Attribute: "country", Op: "GEO_WITHIN", Values: []string{"EU"}}},
		Serve:   model.Serve{Variation: "v2"},
	}))
	engine := New(localLogger, q, nil)

	got, err := engine.Evaluate("geo", target("u1", map[string]any{"country": "EU"}))

	require.NoError(t, err)
	assert.Equal(t, "v1", got.Variation.Identifier, "rule with unknown operator must not match")
	assert.Contains(t, logBuffer.String(), "skipping unknown operator")
}

func TestEngine_NewPanicsWithoutQuery(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { New(nil, nil, nil) })
}
