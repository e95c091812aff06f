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
	"strings"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// condition expression operators
const (
	andOperator = "and"
	orOperator  = "or"
	notOperator = "not"
)

// condition leaf types
const (
	customAttributeConditionType     = "custom_attribute"
	thirdPartyDimensionConditionType = "third_party_dimension"

	// third-party dimension name that maps to the qualified-segments matcher
	odpAudiencesConditionName = "odp.audiences"
)

// condition match types
const (
	exactMatchType     = "exact"
	existsMatchType    = "exists"
	substringMatchType = "substring"
	greaterMatchType   = "gt"
	greaterEqMatchType = "ge"
	lessMatchType      = "lt"
	lessEqMatchType    = "le"
	semverEqMatchType  = "semver_eq"
	semverGtMatchType  = "semver_gt"
	semverGeMatchType  = "semver_ge"
	semverLtMatchType  = "semver_lt"
	semverLeMatchType  = "semver_le"
	qualifiedMatchType = "qualified"
)

// values outside this range lose integer precision and cannot be compared
const maxNumericValue = float64(1 << 53)

// Condition is one node of a parsed audience expression: either an operator
// over operands, a reference to another audience by ID, or a typed attribute
// leaf.
type Condition struct {
	Operator   string
	Operands   []*Condition
	AudienceID string
	Type       string
	Name       string
	Match      string
	Value      interface{}
}

type rawLeafCondition struct {
	Type  string      `json:"type"`
	Name  string      `json:"name"`
	Match string      `json:"match"`
	Value interface{} `json:"value"`
}

// ParseConditions decodes an audience condition expression: either a leaf
// object, a bare string referencing an audience by ID, or an array whose head
// may be one of "and"/"or"/"not". An array without a recognized head operator
// is treated as an implicit "or" over its elements.
func ParseConditions(raw json.RawMessage) (*Condition, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(raw, &elements); err != nil {
			return nil, xerrors.Errorf("error decoding condition list: %w", err)
		}
		condition := &Condition{Operator: orOperator}
		if len(elements) == 0 {
			return condition, nil
		}
		var operator string
		if err := json.Unmarshal(elements[0], &operator); err == nil {
			switch operator {
			case andOperator, orOperator, notOperator:
				condition.Operator = operator
				elements = elements[1:]
			}
		}
		for _, element := range elements {
			operand, err := ParseConditions(element)
			if err != nil {
				return nil, err
			}
			condition.Operands = append(condition.Operands, operand)
		}
		return condition, nil
	case '{':
		var leaf rawLeafCondition
		if err := json.Unmarshal(raw, &leaf); err != nil {
			return nil, xerrors.Errorf("error decoding condition leaf: %w", err)
		}
		return &Condition{
			Type:  leaf.Type,
			Name:  leaf.Name,
			Match: leaf.Match,
			Value: leaf.Value,
		}, nil
	case '"':
		var audienceID string
		if err := json.Unmarshal(raw, &audienceID); err != nil {
			return nil, xerrors.Errorf("error decoding condition audience reference: %w", err)
		}
		return &Condition{AudienceID: audienceID}, nil
	default:
		return nil, xerrors.Errorf("unrecognized condition expression %s", trimmed)
	}
}

// parseLegacyConditions handles the audiences[].conditions representation,
// where the expression is double-encoded as a JSON string.
func parseLegacyConditions(raw json.RawMessage) (*Condition, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, xerrors.Errorf("error decoding legacy condition string: %w", err)
		}
		raw = json.RawMessage(encoded)
	}
	return ParseConditions(raw)
}

type leafEvaluator func(condition *Condition) *bool

// evaluateConditionTree applies three-valued AND/OR/NOT logic over the
// expression. A nil result means the expression could not be evaluated.
func evaluateConditionTree(condition *Condition, leaf leafEvaluator) *bool {
	if condition == nil {
		return boolPtr(true)
	}
	switch condition.Operator {
	case andOperator:
		return evaluateAnd(condition.Operands, leaf)
	case orOperator:
		return evaluateOr(condition.Operands, leaf)
	case notOperator:
		return evaluateNot(condition.Operands, leaf)
	default:
		return leaf(condition)
	}
}

func evaluateAnd(operands []*Condition, leaf leafEvaluator) *bool {
	sawUnknown := false
	for _, operand := range operands {
		result := evaluateConditionTree(operand, leaf)
		if result == nil {
			sawUnknown = true
		} else if !*result {
			return boolPtr(false)
		}
	}
	if sawUnknown {
		return nil
	}
	return boolPtr(true)
}

func evaluateOr(operands []*Condition, leaf leafEvaluator) *bool {
	sawUnknown := false
	for _, operand := range operands {
		result := evaluateConditionTree(operand, leaf)
		if result == nil {
			sawUnknown = true
		} else if *result {
			return boolPtr(true)
		}
	}
	if sawUnknown {
		return nil
	}
	return boolPtr(false)
}

func evaluateNot(operands []*Condition, leaf leafEvaluator) *bool {
	if len(operands) == 0 {
		return nil
	}
	result := evaluateConditionTree(operands[0], leaf)
	if result == nil {
		return nil
	}
	return boolPtr(!*result)
}

func boolPtr(b bool) *bool {
	return &b
}

// attributeConditionEvaluator evaluates typed attribute leaves against a
// user's attributes and qualified segments.
type attributeConditionEvaluator struct {
	attributes        map[string]interface{}
	qualifiedSegments []string
	logger            *zap.SugaredLogger
}

func (e attributeConditionEvaluator) evaluate(condition *Condition) *bool {
	switch condition.Type {
	case customAttributeConditionType:
	case thirdPartyDimensionConditionType:
		if condition.Name != odpAudiencesConditionName {
			e.logger.Warnf("Audience condition %q uses an unknown third-party dimension %q.", condition.Name, condition.Name)
			return nil
		}
	default:
		e.logger.Warnf("Audience condition has an unknown condition type %q.", condition.Type)
		return nil
	}

	match := condition.Match
	if match == "" {
		match = exactMatchType
	}
	if condition.Type == thirdPartyDimensionConditionType {
		match = qualifiedMatchType
	}

	switch match {
	case qualifiedMatchType:
		return e.qualifiedEvaluator(condition)
	case existsMatchType:
		return e.existsEvaluator(condition)
	case exactMatchType, substringMatchType,
		greaterMatchType, greaterEqMatchType, lessMatchType, lessEqMatchType,
		semverEqMatchType, semverGtMatchType, semverGeMatchType, semverLtMatchType, semverLeMatchType:
	default:
		e.logger.Warnf("Audience condition %q uses an unknown match type %q.", condition.Name, condition.Match)
		return nil
	}

	userValue, present := e.attributes[condition.Name]
	if !present {
		e.logger.Debugf("Audience condition %q evaluated to unknown because no value was passed for attribute %q.", condition.Name, condition.Name)
		return nil
	}
	if userValue == nil {
		e.logger.Debugf("Audience condition %q evaluated to unknown because a nil value was passed for attribute %q.", condition.Name, condition.Name)
		return nil
	}

	switch match {
	case exactMatchType:
		return e.exactEvaluator(condition, userValue)
	case substringMatchType:
		return e.substringEvaluator(condition, userValue)
	case greaterMatchType:
		return e.numericEvaluator(condition, userValue, func(user, target float64) bool { return user > target })
	case greaterEqMatchType:
		return e.numericEvaluator(condition, userValue, func(user, target float64) bool { return user >= target })
	case lessMatchType:
		return e.numericEvaluator(condition, userValue, func(user, target float64) bool { return user < target })
	case lessEqMatchType:
		return e.numericEvaluator(condition, userValue, func(user, target float64) bool { return user <= target })
	case semverEqMatchType:
		return e.semverEvaluator(condition, userValue, func(result int) bool { return result == 0 })
	case semverGtMatchType:
		return e.semverEvaluator(condition, userValue, func(result int) bool { return result > 0 })
	case semverGeMatchType:
		return e.semverEvaluator(condition, userValue, func(result int) bool { return result >= 0 })
	case semverLtMatchType:
		return e.semverEvaluator(condition, userValue, func(result int) bool { return result < 0 })
	case semverLeMatchType:
		return e.semverEvaluator(condition, userValue, func(result int) bool { return result <= 0 })
	}
	return nil
}

// qualifiedEvaluator matches when the condition value names a segment the user
// currently belongs to. Unlike the attribute matchers it does not consult the
// attributes map at all.
func (e attributeConditionEvaluator) qualifiedEvaluator(condition *Condition) *bool {
	segment, ok := condition.Value.(string)
	if !ok {
		e.logger.Warnf("Audience condition %q has an unsupported value for the qualified match type.", condition.Name)
		return nil
	}
	for _, qualified := range e.qualifiedSegments {
		if qualified == segment {
			return boolPtr(true)
		}
	}
	return boolPtr(false)
}

func (e attributeConditionEvaluator) existsEvaluator(condition *Condition) *bool {
	value, present := e.attributes[condition.Name]
	return boolPtr(present && value != nil)
}

func (e attributeConditionEvaluator) exactEvaluator(condition *Condition, userValue interface{}) *bool {
	if conditionString, ok := condition.Value.(string); ok {
		if userString, ok := userValue.(string); ok {
			return boolPtr(conditionString == userString)
		}
		e.logger.Warnf("Audience condition %q evaluated to unknown because the value for attribute %q is of an unexpected type.", condition.Name, condition.Name)
		return nil
	}
	if conditionBool, ok := condition.Value.(bool); ok {
		if userBool, ok := userValue.(bool); ok {
			return boolPtr(conditionBool == userBool)
		}
		e.logger.Warnf("Audience condition %q evaluated to unknown because the value for attribute %q is of an unexpected type.", condition.Name, condition.Name)
		return nil
	}
	if conditionNumber, ok := numericValue(condition.Value); ok {
		if !isFiniteNumber(conditionNumber) {
			e.logger.Warnf("Audience condition %q has an unsupported condition value.", condition.Name)
			return nil
		}
		userNumber, ok := numericValue(userValue)
		if !ok {
			e.logger.Warnf("Audience condition %q evaluated to unknown because the value for attribute %q is of an unexpected type.", condition.Name, condition.Name)
			return nil
		}
		if !isFiniteNumber(userNumber) {
			e.logger.Warnf("Audience condition %q evaluated to unknown because the number value for attribute %q is not in the supported range.", condition.Name, condition.Name)
			return nil
		}
		return boolPtr(conditionNumber == userNumber)
	}
	e.logger.Warnf("Audience condition %q has an unsupported condition value.", condition.Name)
	return nil
}

func (e attributeConditionEvaluator) substringEvaluator(condition *Condition, userValue interface{}) *bool {
	conditionString, ok := condition.Value.(string)
	if !ok {
		e.logger.Warnf("Audience condition %q has an unsupported condition value.", condition.Name)
		return nil
	}
	userString, ok := userValue.(string)
	if !ok {
		e.logger.Warnf("Audience condition %q evaluated to unknown because the value for attribute %q is of an unexpected type.", condition.Name, condition.Name)
		return nil
	}
	return boolPtr(strings.Contains(userString, conditionString))
}

func (e attributeConditionEvaluator) numericEvaluator(condition *Condition, userValue interface{}, compare func(user, target float64) bool) *bool {
	conditionNumber, ok := numericValue(condition.Value)
	if !ok || !isFiniteNumber(conditionNumber) {
		e.logger.Warnf("Audience condition %q has an unsupported condition value.", condition.Name)
		return nil
	}
	userNumber, ok := numericValue(userValue)
	if !ok {
		e.logger.Warnf("Audience condition %q evaluated to unknown because the value for attribute %q is of an unexpected type.", condition.Name, condition.Name)
		return nil
	}
	if !isFiniteNumber(userNumber) {
		e.logger.Warnf("Audience condition %q evaluated to unknown because the number value for attribute %q is not in the supported range.", condition.Name, condition.Name)
		return nil
	}
	return boolPtr(compare(userNumber, conditionNumber))
}

func (e attributeConditionEvaluator) semverEvaluator(condition *Condition, userValue interface{}, accept func(result int) bool) *bool {
	conditionString, ok := condition.Value.(string)
	if !ok {
		e.logger.Warnf("Audience condition %q has an unsupported condition value.", condition.Name)
		return nil
	}
	userString, ok := userValue.(string)
	if !ok {
		e.logger.Warnf("Audience condition %q evaluated to unknown because the value for attribute %q is of an unexpected type.", condition.Name, condition.Name)
		return nil
	}
	result, err := compareVersions(conditionString, userString)
	if err != nil {
		e.logger.Warnf("Audience condition %q evaluated to unknown: %v.", condition.Name, err)
		return nil
	}
	return boolPtr(accept(result))
}

// numericValue extracts a float64 from any numeric attribute value. Booleans
// are not numerics.
func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func isFiniteNumber(value float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	return math.Abs(value) <= maxNumericValue
}
