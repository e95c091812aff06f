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

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

type eventMetadata struct {
	FlagKey      string `json:"flag_key"`
	RuleKey      string `json:"rule_key"`
	RuleType     string `json:"rule_type"`
	VariationKey string `json:"variation_key"`
	Enabled      bool   `json:"enabled"`
}

type event struct {
	EntityID  string `json:"entity_id"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	UUID      string `json:"uuid"`
}

type eventDecision struct {
	CampaignID   string        `json:"campaign_id"`
	ExperimentID string        `json:"experiment_id"`
	VariationID  string        `json:"variation_id"`
	Metadata     eventMetadata `json:"metadata"`
}

type snapshot struct {
	Decisions []eventDecision `json:"decisions"`
	Events    []event         `json:"events"`
}

type visitorAttribute struct {
	EntityID string      `json:"entity_id"`
	Key      string      `json:"key"`
	Type     string      `json:"type"`
	Value    interface{} `json:"value"`
}

type visitor struct {
	ID         string             `json:"visitor_id"`
	Attributes []visitorAttribute `json:"attributes"`
	Snapshots  []snapshot         `json:"snapshots"`
}

type eventBatch struct {
	AccountID       string    `json:"account_id"`
	AnonymizeIP     bool      `json:"anonymize_ip"`
	ClientName      string    `json:"client_name"`
	ClientVersion   string    `json:"client_version"`
	EnrichDecisions bool      `json:"enrich_decisions"`
	Visitors        []visitor `json:"visitors"`
}

// Events are reportable actions back to the Optimizely API. Currently only
// impression events are supported.
type Events eventBatch

// the default client name to report to Optimizely as well as
// the path of this package that will be searched for in the importing
// module's dependencies.
const packagePath = "github.com/spothero/optimizely-fullstack-go"

// default version of this library to report to Optimizely. This will be set
// to the version of this library by default
var clientVersion = "unset"

// Impression is the outcome of a non-rollout decision, carrying everything
// the impression backend needs without back-references into the project.
type Impression struct {
	AccountID    string
	UserID       string
	Attributes   map[string]interface{}
	FlagKey      string
	RuleKey      string
	RuleType     DecisionSource
	CampaignID   string
	ExperimentID string
	VariationID  string
	VariationKey string
	Enabled      bool
	Timestamp    time.Time
}

// newImpression snapshots a decision into an impression. The decision must
// carry a variation; flag-level forced decisions carry no rule and leave the
// rule fields empty.
func newImpression(project *Project, decision Decision, userID string, attributes map[string]interface{}) Impression {
	impression := Impression{
		AccountID:    project.AccountID,
		UserID:       userID,
		Attributes:   attributes,
		FlagKey:      decision.FlagKey,
		RuleType:     decision.Source,
		VariationID:  decision.Variation.ID,
		VariationKey: decision.Variation.Key,
		Enabled:      decision.Variation.FeatureEnabled,
		Timestamp:    time.Now(),
	}
	if decision.Experiment != nil {
		impression.RuleKey = decision.Experiment.Key
		impression.CampaignID = decision.Experiment.LayerID
		impression.ExperimentID = decision.Experiment.ID
	}
	return impression
}

// NewEvents constructs a set of reportable events from the provided options.
func NewEvents(options ...func(*Events) error) (Events, error) {
	events := Events{ClientName: packagePath, ClientVersion: clientVersion}
	for _, option := range options {
		if err := option(&events); err != nil {
			return Events{}, err
		}
	}
	if len(events.Visitors) == 0 {
		return Events{}, xerrors.New("cannot build event with no activated variations")
	}
	return events, nil
}

// ActivatedImpression adds the variation impression to the set of reported events. Note that
// while many impressions can be added as events, each impression must have originated from
// the same Optimizely account or an error will be returned while creating the events.
func ActivatedImpression(impression Impression) func(*Events) error {
	return func(e *Events) error {
		if e.AccountID == "" {
			e.AccountID = impression.AccountID
		} else if e.AccountID != impression.AccountID {
			return xerrors.New("activated variations must all be in the same account")
		}
		e.Visitors = append(e.Visitors, impression.toVisitor())
		return nil
	}
}

// EnrichDecisions sets the enrich decisions property on the events.
func EnrichDecisions(enrich bool) func(*Events) error {
	return func(e *Events) error {
		e.EnrichDecisions = enrich
		return nil
	}
}

// ClientName sets the client name property on the events. By default,
// the client name will be set to the path of this library.
func ClientName(name string) func(*Events) error {
	return func(e *Events) error {
		e.ClientName = name
		return nil
	}
}

// ClientVersion overrides the client version of this library. If using Go modules,
// the version of this library will be extracted from the build information.
// Otherwise, unless ClientVersion is set, the version reported to Optimizely
// will be "unset".
func ClientVersion(version string) func(*Events) error {
	return func(e *Events) error {
		e.ClientVersion = version
		return nil
	}
}

// AnonymizeIP sets the anonymize IP flag on the events.
func AnonymizeIP(anonymize bool) func(*Events) error {
	return func(e *Events) error {
		e.AnonymizeIP = anonymize
		return nil
	}
}

const impressionEvent = "campaign_activated"

// toVisitor converts an impression to the visitor data structure for sending
// to the Optimizely API.
func (i Impression) toVisitor() visitor {
	dec := eventDecision{
		CampaignID:   i.CampaignID,
		ExperimentID: i.ExperimentID,
		VariationID:  i.VariationID,
		Metadata: eventMetadata{
			FlagKey:      i.FlagKey,
			RuleKey:      i.RuleKey,
			RuleType:     string(i.RuleType),
			VariationKey: i.VariationKey,
			Enabled:      i.Enabled,
		},
	}
	ev := event{
		EntityID:  i.CampaignID,
		Type:      impressionEvent,
		Key:       impressionEvent,
		Timestamp: i.Timestamp.UTC().UnixNano() / int64(time.Millisecond/time.Nanosecond),
		UUID:      uuid.New().String(),
	}
	attributes := make([]visitorAttribute, 0, len(i.Attributes))
	for key, value := range i.Attributes {
		attributes = append(attributes, visitorAttribute{
			EntityID: key,
			Key:      key,
			Type:     "custom",
			Value:    value,
		})
	}
	return visitor{
		ID:         i.UserID,
		Attributes: attributes,
		Snapshots: []snapshot{{
			Decisions: []eventDecision{dec},
			Events:    []event{ev},
		}},
	}
}
