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

import "go.uber.org/zap"

// meetsAudienceConditions reports whether a user satisfies an experiment's
// audience restrictions. Structured audienceConditions take precedence over
// the audienceIds list; when both are absent every user qualifies. An
// expression that cannot be evaluated counts as not qualifying.
func meetsAudienceConditions(project *Project, experiment *Experiment, attributes map[string]interface{}, qualifiedSegments []string, logger *zap.SugaredLogger) bool {
	conditions := experiment.AudienceConditions
	if conditions == nil {
		if len(experiment.AudienceIDs) == 0 {
			return true
		}
		// the audienceIds list is an implicit OR over audience references
		conditions = &Condition{Operator: orOperator}
		for _, audienceID := range experiment.AudienceIDs {
			conditions.Operands = append(conditions.Operands, &Condition{AudienceID: audienceID})
		}
	}

	leafEval := attributeConditionEvaluator{
		attributes:        attributes,
		qualifiedSegments: qualifiedSegments,
		logger:            logger,
	}
	var evaluateLeaf leafEvaluator
	evaluateLeaf = func(condition *Condition) *bool {
		if condition.AudienceID != "" {
			audience := project.AudienceByID(condition.AudienceID)
			if audience == nil {
				return nil
			}
			return evaluateConditionTree(audience.Conditions, evaluateLeaf)
		}
		return leafEval.evaluate(condition)
	}

	result := evaluateConditionTree(conditions, evaluateLeaf)
	if result == nil {
		logger.Debugf("Audiences for experiment %q could not be fully evaluated; treating as not matching.", experiment.Key)
		return false
	}
	return *result
}
