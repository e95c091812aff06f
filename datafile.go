// Copyright 2019, 2024 SpotHero
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

import "encoding/json"

// DatafileExperiment is the structure of an experiment within a datafile. This
// type is only used when deserializing the datafile.
type DatafileExperiment struct {
	ID                 string                      `json:"id"`
	Key                string                      `json:"key"`
	LayerID            string                      `json:"layerId"`
	Status             string                      `json:"status"`
	AudienceIds        []string                    `json:"audienceIds"`
	AudienceConditions json.RawMessage             `json:"audienceConditions"`
	Variations         []DatafileVariation         `json:"variations"`
	TrafficAllocation  []DatafileTrafficAllocation `json:"trafficAllocation"`
	ForcedVariations   map[string]string           `json:"forcedVariations"`
	Cmab               *DatafileCmab               `json:"cmab"`
}

// DatafileCmab carries the contextual-bandit configuration of an experiment.
type DatafileCmab struct {
	AttributeIds      []string `json:"attributeIds"`
	TrafficAllocation int      `json:"trafficAllocation"`
}

// DatafileVariation is an experiment variation within a datafile used for deserialization.
type DatafileVariation struct {
	ID             string             `json:"id"`
	Key            string             `json:"key"`
	FeatureEnabled bool               `json:"featureEnabled"`
	Variables      []DatafileVariable `json:"variables"`
}

// DatafileVariable is a variable value override carried by a variation.
type DatafileVariable struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// DatafileTrafficAllocation is the structure of the traffic allocation within a
// datafile. An empty entityId marks a deliberate traffic gap.
type DatafileTrafficAllocation struct {
	EntityID   string `json:"entityId"`
	EndOfRange int    `json:"endOfRange"`
}

// DatafileFeatureFlag is a feature flag within a datafile used for deserialization.
type DatafileFeatureFlag struct {
	ID            string                   `json:"id"`
	Key           string                   `json:"key"`
	RolloutID     string                   `json:"rolloutId"`
	ExperimentIds []string                 `json:"experimentIds"`
	Variables     []DatafileVariableSchema `json:"variables"`
}

// DatafileVariableSchema declares a feature variable and its default value.
type DatafileVariableSchema struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Type         string `json:"type"`
	SubType      string `json:"subType"`
	DefaultValue string `json:"defaultValue"`
}

// DatafileRollout is an ordered list of targeting rules; the last rule is the
// implicit "Everyone Else" rule.
type DatafileRollout struct {
	ID          string               `json:"id"`
	Experiments []DatafileExperiment `json:"experiments"`
}

// DatafileGroup holds a set of mutually exclusive experiments sharing one
// traffic allocation.
type DatafileGroup struct {
	ID                string                      `json:"id"`
	Policy            string                      `json:"policy"`
	TrafficAllocation []DatafileTrafficAllocation `json:"trafficAllocation"`
	Experiments       []DatafileExperiment        `json:"experiments"`
}

// DatafileHoldout is an experiment-shaped global holdout with optional flag
// include/exclude lists.
type DatafileHoldout struct {
	DatafileExperiment
	IncludedFlags []string `json:"includedFlags"`
	ExcludedFlags []string `json:"excludedFlags"`
}

// DatafileAudience is an audience within a datafile. In the legacy audiences
// collection Conditions is a double-encoded JSON string; in typedAudiences it
// is a structured expression.
type DatafileAudience struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions json.RawMessage `json:"conditions"`
}

// DatafileAttribute is a custom attribute declaration within a datafile.
type DatafileAttribute struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// DatafileEvent is a conversion event declaration within a datafile.
type DatafileEvent struct {
	ID            string   `json:"id"`
	Key           string   `json:"key"`
	ExperimentIds []string `json:"experimentIds"`
}

// DatafileIntegration describes an external integration; the "odp" integration
// carries the public key and host for the audience segments platform.
type DatafileIntegration struct {
	Key       string `json:"key"`
	Host      string `json:"host"`
	PublicKey string `json:"publicKey"`
}

// Datafile used for loading the JSON datafile from Optimizely. Unknown
// top-level keys are ignored.
type Datafile struct {
	Version        string                `json:"version"`
	Revision       string                `json:"revision"`
	ProjectID      string                `json:"projectId"`
	AccountID      string                `json:"accountId"`
	SDKKey         string                `json:"sdkKey"`
	EnvironmentKey string                `json:"environmentKey"`
	Experiments    []DatafileExperiment  `json:"experiments"`
	Groups         []DatafileGroup       `json:"groups"`
	FeatureFlags   []DatafileFeatureFlag `json:"featureFlags"`
	Rollouts       []DatafileRollout     `json:"rollouts"`
	Holdouts       []DatafileHoldout     `json:"holdouts"`
	Audiences      []DatafileAudience    `json:"audiences"`
	TypedAudiences []DatafileAudience    `json:"typedAudiences"`
	Attributes     []DatafileAttribute   `json:"attributes"`
	Events         []DatafileEvent       `json:"events"`
	Integrations   []DatafileIntegration `json:"integrations"`
}
