// Copyright 2024 SpotHero
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optimizely

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConditions(t *testing.T) {
	t.Run("leaf condition is parsed", func(t *testing.T) {
		condition, err := ParseConditions(json.RawMessage(`{"type": "custom_attribute", "name": "plan", "match": "exact", "value": "gold"}`))
		require.NoError(t, err)
		assert.Equal(t, customAttributeConditionType, condition.Type)
		assert.Equal(t, "plan", condition.Name)
		assert.Equal(t, exactMatchType, condition.Match)
		assert.Equal(t, "gold", condition.Value)
	})

	t.Run("operator list is parsed recursively", func(t *testing.T) {
		condition, err := ParseConditions(json.RawMessage(`["and", ["or", ["not", {"type": "custom_attribute", "name": "plan", "value": "gold"}]]]`))
		require.NoError(t, err)
		assert.Equal(t, andOperator, condition.Operator)
		require.Len(t, condition.Operands, 1)
		assert.Equal(t, orOperator, condition.Operands[0].Operator)
		require.Len(t, condition.Operands[0].Operands, 1)
		assert.Equal(t, notOperator, condition.Operands[0].Operands[0].Operator)
	})

	t.Run("headless list is an implicit or", func(t *testing.T) {
		condition, err := ParseConditions(json.RawMessage(`["aud_1", "aud_2"]`))
		require.NoError(t, err)
		assert.Equal(t, orOperator, condition.Operator)
		require.Len(t, condition.Operands, 2)
		assert.Equal(t, "aud_1", condition.Operands[0].AudienceID)
		assert.Equal(t, "aud_2", condition.Operands[1].AudienceID)
	})

	t.Run("empty expression parses to nil", func(t *testing.T) {
		condition, err := ParseConditions(nil)
		require.NoError(t, err)
		assert.Nil(t, condition)
	})

	t.Run("legacy double-encoded string is decoded", func(t *testing.T) {
		condition, err := parseLegacyConditions(json.RawMessage(`"[\"and\", {\"type\": \"custom_attribute\", \"name\": \"plan\", \"value\": \"gold\"}]"`))
		require.NoError(t, err)
		assert.Equal(t, andOperator, condition.Operator)
		require.Len(t, condition.Operands, 1)
		assert.Equal(t, "plan", condition.Operands[0].Name)
	})
}

// leaf builder used by the three-valued logic table tests
func fixedLeaf(results map[string]*bool) leafEvaluator {
	return func(condition *Condition) *bool {
		return results[condition.Name]
	}
}

func TestEvaluateConditionTreeThreeValuedLogic(t *testing.T) {
	tr := boolPtr(true)
	fa := boolPtr(false)
	leaves := map[string]*bool{"t": tr, "f": fa, "u": nil}
	operand := func(name string) *Condition { return &Condition{Name: name} }

	tests := []struct {
		name     string
		operator string
		operands []string
		expected *bool
	}{
		{"and of true and true is true", andOperator, []string{"t", "t"}, tr},
		{"and with any false is false", andOperator, []string{"t", "f", "u"}, fa},
		{"and with unknown and no false is unknown", andOperator, []string{"t", "u"}, nil},
		{"or with any true is true", orOperator, []string{"f", "u", "t"}, tr},
		{"or of false and false is false", orOperator, []string{"f", "f"}, fa},
		{"or with unknown and no true is unknown", orOperator, []string{"f", "u"}, nil},
		{"not true is false", notOperator, []string{"t"}, fa},
		{"not false is true", notOperator, []string{"f"}, tr},
		{"not unknown is unknown", notOperator, []string{"u"}, nil},
		{"not with no children is unknown", notOperator, nil, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			condition := &Condition{Operator: test.operator}
			for _, name := range test.operands {
				condition.Operands = append(condition.Operands, operand(name))
			}
			assert.Equal(t, test.expected, evaluateConditionTree(condition, fixedLeaf(leaves)))
		})
	}

	t.Run("nil expression evaluates to true", func(t *testing.T) {
		result := evaluateConditionTree(nil, fixedLeaf(leaves))
		require.NotNil(t, result)
		assert.True(t, *result)
	})
}

func TestAttributeConditionEvaluator(t *testing.T) {
	evaluator := func(attributes map[string]interface{}, segments []string) attributeConditionEvaluator {
		return attributeConditionEvaluator{
			attributes:        attributes,
			qualifiedSegments: segments,
			logger:            testLogger(),
		}
	}
	tests := []struct {
		name       string
		condition  *Condition
		attributes map[string]interface{}
		segments   []string
		expected   *bool
	}{
		{
			"exact string match",
			&Condition{Type: customAttributeConditionType, Name: "plan", Match: exactMatchType, Value: "gold"},
			map[string]interface{}{"plan": "gold"},
			nil,
			boolPtr(true),
		}, {
			"exact string mismatch",
			&Condition{Type: customAttributeConditionType, Name: "plan", Match: exactMatchType, Value: "gold"},
			map[string]interface{}{"plan": "silver"},
			nil,
			boolPtr(false),
		}, {
			"exact with mismatched types is unknown",
			&Condition{Type: customAttributeConditionType, Name: "plan", Match: exactMatchType, Value: "gold"},
			map[string]interface{}{"plan": 7},
			nil,
			nil,
		}, {
			"exact numeric match across numeric types",
			&Condition{Type: customAttributeConditionType, Name: "visits", Match: exactMatchType, Value: float64(10)},
			map[string]interface{}{"visits": 10},
			nil,
			boolPtr(true),
		}, {
			"exact boolean is not numeric",
			&Condition{Type: customAttributeConditionType, Name: "beta", Match: exactMatchType, Value: float64(1)},
			map[string]interface{}{"beta": true},
			nil,
			nil,
		}, {
			"missing attribute for non-exists matcher is unknown",
			&Condition{Type: customAttributeConditionType, Name: "plan", Match: exactMatchType, Value: "gold"},
			map[string]interface{}{},
			nil,
			nil,
		}, {
			"exists matches a present non-nil attribute",
			&Condition{Type: customAttributeConditionType, Name: "plan", Match: existsMatchType},
			map[string]interface{}{"plan": "anything"},
			nil,
			boolPtr(true),
		}, {
			"exists does not match a nil attribute",
			&Condition{Type: customAttributeConditionType, Name: "plan", Match: existsMatchType},
			map[string]interface{}{"plan": nil},
			nil,
			boolPtr(false),
		}, {
			"substring match",
			&Condition{Type: customAttributeConditionType, Name: "agent", Match: substringMatchType, Value: "Chrome"},
			map[string]interface{}{"agent": "Mozilla Chrome 1.0"},
			nil,
			boolPtr(true),
		}, {
			"greater-than comparison",
			&Condition{Type: customAttributeConditionType, Name: "visits", Match: greaterMatchType, Value: float64(5)},
			map[string]interface{}{"visits": 6},
			nil,
			boolPtr(true),
		}, {
			"less-or-equal comparison on the boundary",
			&Condition{Type: customAttributeConditionType, Name: "visits", Match: lessEqMatchType, Value: float64(5)},
			map[string]interface{}{"visits": 5},
			nil,
			boolPtr(true),
		}, {
			"numeric beyond the supported range is unknown",
			&Condition{Type: customAttributeConditionType, Name: "visits", Match: greaterMatchType, Value: float64(5)},
			map[string]interface{}{"visits": math.Pow(2, 54)},
			nil,
			nil,
		}, {
			"numeric at the precision limit is comparable",
			&Condition{Type: customAttributeConditionType, Name: "visits", Match: greaterMatchType, Value: float64(5)},
			map[string]interface{}{"visits": math.Pow(2, 53)},
			nil,
			boolPtr(true),
		}, {
			"semver greater-or-equal",
			&Condition{Type: customAttributeConditionType, Name: "version", Match: semverGeMatchType, Value: "2.1"},
			map[string]interface{}{"version": "2.1.5"},
			nil,
			boolPtr(true),
		}, {
			"invalid user semver is unknown",
			&Condition{Type: customAttributeConditionType, Name: "version", Match: semverEqMatchType, Value: "2.1"},
			map[string]interface{}{"version": "not a version"},
			nil,
			nil,
		}, {
			"qualified matches a segment without any attribute",
			&Condition{Type: customAttributeConditionType, Name: "any", Match: qualifiedMatchType, Value: "segment_a"},
			map[string]interface{}{},
			[]string{"segment_a"},
			boolPtr(true),
		}, {
			"qualified misses an absent segment",
			&Condition{Type: customAttributeConditionType, Name: "any", Match: qualifiedMatchType, Value: "segment_b"},
			map[string]interface{}{},
			[]string{"segment_a"},
			boolPtr(false),
		}, {
			"third-party odp.audiences maps to qualified",
			&Condition{Type: thirdPartyDimensionConditionType, Name: odpAudiencesConditionName, Value: "segment_a"},
			map[string]interface{}{},
			[]string{"segment_a"},
			boolPtr(true),
		}, {
			"unknown third-party dimension is unknown",
			&Condition{Type: thirdPartyDimensionConditionType, Name: "other.dimension", Value: "x"},
			map[string]interface{}{},
			nil,
			nil,
		}, {
			"unknown condition type is unknown",
			&Condition{Type: "mystery", Name: "plan", Value: "gold"},
			map[string]interface{}{"plan": "gold"},
			nil,
			nil,
		}, {
			"unknown match type is unknown",
			&Condition{Type: customAttributeConditionType, Name: "plan", Match: "mystery", Value: "gold"},
			map[string]interface{}{"plan": "gold"},
			nil,
			nil,
		}, {
			"missing match defaults to exact",
			&Condition{Type: customAttributeConditionType, Name: "plan", Value: "gold"},
			map[string]interface{}{"plan": "gold"},
			nil,
			boolPtr(true),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := evaluator(test.attributes, test.segments)
			assert.Equal(t, test.expected, e.evaluate(test.condition))
		})
	}
}
