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

// Package optimizely implements the decision core of the experimentation and
// feature-flag SDK: datafile parsing, deterministic bucketing, audience
// evaluation, and the layered decision service.
package optimizely

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

// supported major versions of the datafile
var supportedDatafileVersions = map[string]bool{"2": true, "4": true}

// experiment status values carried by the datafile
const (
	statusRunning    = "Running"
	statusPaused     = "Paused"
	statusNotStarted = "Not started"
	statusArchived   = "Archived"
)

// integration key under which ODP credentials are published
const odpIntegrationKey = "odp"

// group policy that enforces mutual exclusion between member experiments
const randomGroupPolicy = "random"

// TrafficAllocation directs the portion of traffic below EndOfRange to the
// entity with EntityID. An empty EntityID is a deliberate gap.
type TrafficAllocation struct {
	EntityID   string
	EndOfRange int
}

// Variation represents a variation of an experiment.
type Variation struct {
	ID             string
	Key            string
	FeatureEnabled bool
	Variables      map[string]string
}

// CmabConfig marks an experiment as decided by the contextual-bandit
// prediction service and restricts which attributes are sent to it.
type CmabConfig struct {
	AttributeIDs      []string
	TrafficAllocation int
}

// Experiment represents a single experiment: its variations, traffic
// allocation, audience restrictions, and any forced variations.
type Experiment struct {
	ID                 string
	Key                string
	LayerID            string
	Status             string
	AudienceIDs        []string
	AudienceConditions *Condition
	Variations         []*Variation
	TrafficAllocation  []TrafficAllocation
	ForcedVariations   map[string]string
	GroupID            string
	GroupPolicy        string
	Cmab               *CmabConfig

	variationIDMap  map[string]*Variation
	variationKeyMap map[string]*Variation
}

// IsRunning reports whether the experiment can bucket traffic.
func (e *Experiment) IsRunning() bool {
	return e.Status == statusRunning
}

// VariationByID returns the variation with the given ID, or nil.
func (e *Experiment) VariationByID(id string) *Variation {
	return e.variationIDMap[id]
}

// VariationByKey returns the variation with the given key, or nil.
func (e *Experiment) VariationByKey(key string) *Variation {
	return e.variationKeyMap[key]
}

// Group is a set of mutually exclusive experiments sharing a traffic allocation.
type Group struct {
	ID                string
	Policy            string
	TrafficAllocation []TrafficAllocation
	ExperimentIDs     []string
}

// Holdout is a global experiment that, when a user qualifies, suppresses
// normal flag decisions. IncludedFlags and ExcludedFlags gate which flags the
// holdout applies to; a holdout with no included flags is global.
type Holdout struct {
	Experiment
	IncludedFlags []string
	ExcludedFlags []string
}

// FeatureFlag is a named feature gate referencing its experiments and rollout.
type FeatureFlag struct {
	ID            string
	Key           string
	RolloutID     string
	ExperimentIDs []string
	Variables     []DatafileVariableSchema
}

// Rollout is the ordered list of targeting rules for a flag; the last rule is
// the implicit "Everyone Else" rule.
type Rollout struct {
	ID          string
	Experiments []*Experiment
}

// Audience is a named boolean expression over user attributes and segments.
type Audience struct {
	ID         string
	Name       string
	Conditions *Condition
}

// Attribute is a custom attribute declaration.
type Attribute struct {
	ID  string
	Key string
}

// Event is a conversion event declaration.
type Event struct {
	ID            string
	Key           string
	ExperimentIDs []string
}

// Project is an immutable snapshot of a parsed datafile with key and ID
// indexes for every collection. Snapshots are replaced atomically by the
// config manager; readers hold one snapshot for an entire decide call.
type Project struct {
	Version        string
	Revision       string
	ProjectID      string
	AccountID      string
	SDKKey         string
	EnvironmentKey string
	RawDatafile    json.RawMessage

	experimentKeyMap map[string]*Experiment
	experimentIDMap  map[string]*Experiment
	featureKeyMap    map[string]*FeatureFlag
	featureIDMap     map[string]*FeatureFlag
	audienceIDMap    map[string]*Audience
	attributeKeyMap  map[string]*Attribute
	attributeIDMap   map[string]*Attribute
	eventKeyMap      map[string]*Event
	groupIDMap       map[string]*Group
	rolloutIDMap     map[string]*Rollout
	holdoutKeyMap    map[string]*Holdout
	holdoutIDMap     map[string]*Holdout

	featureOrder    []string
	flagExperiments map[string][]*Experiment
	flagRollout     map[string]*Rollout
	flagHoldouts    map[string][]*Holdout

	odpPublicKey    string
	odpHost         string
	segmentsToCheck []string

	logger *zap.SugaredLogger
}

// ProjectOption configures optional parse behavior.
type ProjectOption func(*Project)

// WithLogger attaches a logger used for parse warnings and entity lookups.
func WithLogger(logger *zap.SugaredLogger) ProjectOption {
	return func(p *Project) {
		p.logger = logger
	}
}

// NewProjectFromDatafile creates a new immutable project snapshot from the raw
// JSON datafile.
func NewProjectFromDatafile(datafileJSON []byte, options ...ProjectOption) (*Project, error) {
	df := Datafile{}
	if err := json.Unmarshal(datafileJSON, &df); err != nil {
		return nil, xerrors.Errorf("error decoding datafile: %w", err)
	}
	if !supportedDatafileVersions[df.Version] {
		return nil, xerrors.Errorf("could not create project from unsupported datafile version %v", df.Version)
	}

	project := &Project{
		Version:        df.Version,
		Revision:       df.Revision,
		ProjectID:      df.ProjectID,
		AccountID:      df.AccountID,
		SDKKey:         df.SDKKey,
		EnvironmentKey: df.EnvironmentKey,
		RawDatafile:    datafileJSON,
		logger:         zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(project)
	}

	if err := project.indexAudiences(df); err != nil {
		return nil, err
	}
	if err := project.indexExperiments(df); err != nil {
		return nil, err
	}
	if err := project.indexHoldouts(df); err != nil {
		return nil, err
	}
	if err := project.indexFeatures(df); err != nil {
		return nil, err
	}
	project.indexAttributesAndEvents(df)
	project.indexIntegrations(df)

	return project, nil
}

func (p *Project) indexAudiences(df Datafile) error {
	p.audienceIDMap = make(map[string]*Audience, len(df.Audiences)+len(df.TypedAudiences))
	for _, a := range df.Audiences {
		conditions, err := parseLegacyConditions(a.Conditions)
		if err != nil {
			return xerrors.Errorf("error parsing conditions of audience %v: %w", a.ID, err)
		}
		p.audienceIDMap[a.ID] = &Audience{ID: a.ID, Name: a.Name, Conditions: conditions}
	}
	// typed audiences override legacy ones sharing the same id
	for _, a := range df.TypedAudiences {
		conditions, err := ParseConditions(a.Conditions)
		if err != nil {
			return xerrors.Errorf("error parsing conditions of typed audience %v: %w", a.ID, err)
		}
		p.audienceIDMap[a.ID] = &Audience{ID: a.ID, Name: a.Name, Conditions: conditions}
	}
	return nil
}

func (p *Project) indexExperiments(df Datafile) error {
	p.experimentKeyMap = make(map[string]*Experiment)
	p.experimentIDMap = make(map[string]*Experiment)
	p.groupIDMap = make(map[string]*Group, len(df.Groups))
	p.rolloutIDMap = make(map[string]*Rollout, len(df.Rollouts))

	for _, exp := range df.Experiments {
		experiment, err := parseExperiment(exp)
		if err != nil {
			return err
		}
		p.addExperiment(experiment)
	}

	for _, g := range df.Groups {
		group := &Group{
			ID:                g.ID,
			Policy:            g.Policy,
			TrafficAllocation: parseTrafficAllocation(g.TrafficAllocation),
		}
		memberIDs := make(map[string]bool, len(g.Experiments))
		for _, exp := range g.Experiments {
			experiment, err := parseExperiment(exp)
			if err != nil {
				return err
			}
			experiment.GroupID = g.ID
			experiment.GroupPolicy = g.Policy
			group.ExperimentIDs = append(group.ExperimentIDs, experiment.ID)
			memberIDs[experiment.ID] = true
			p.addExperiment(experiment)
		}
		for _, allocation := range group.TrafficAllocation {
			if allocation.EntityID != "" && !memberIDs[allocation.EntityID] {
				return xerrors.Errorf("unknown experiment ID %v found in traffic allocation of group %v", allocation.EntityID, g.ID)
			}
		}
		p.groupIDMap[g.ID] = group
	}

	for _, r := range df.Rollouts {
		rollout := &Rollout{ID: r.ID}
		for _, exp := range r.Experiments {
			experiment, err := parseExperiment(exp)
			if err != nil {
				return err
			}
			rollout.Experiments = append(rollout.Experiments, experiment)
			p.experimentIDMap[experiment.ID] = experiment
		}
		p.rolloutIDMap[r.ID] = rollout
	}
	return nil
}

// addExperiment indexes an experiment by key and ID. Duplicate keys are
// logged and the first one wins.
func (p *Project) addExperiment(experiment *Experiment) {
	if _, ok := p.experimentKeyMap[experiment.Key]; ok {
		p.logger.Warnf("Duplicate experiment key %q found in datafile; keeping the first.", experiment.Key)
		return
	}
	p.experimentKeyMap[experiment.Key] = experiment
	p.experimentIDMap[experiment.ID] = experiment
}

func (p *Project) indexHoldouts(df Datafile) error {
	p.holdoutKeyMap = make(map[string]*Holdout, len(df.Holdouts))
	p.holdoutIDMap = make(map[string]*Holdout, len(df.Holdouts))
	var ordered []*Holdout
	for _, h := range df.Holdouts {
		experiment, err := parseExperiment(h.DatafileExperiment)
		if err != nil {
			return err
		}
		holdout := &Holdout{
			Experiment:    *experiment,
			IncludedFlags: h.IncludedFlags,
			ExcludedFlags: h.ExcludedFlags,
		}
		if _, ok := p.holdoutKeyMap[holdout.Key]; ok {
			p.logger.Warnf("Duplicate holdout key %q found in datafile; keeping the first.", holdout.Key)
			continue
		}
		p.holdoutKeyMap[holdout.Key] = holdout
		p.holdoutIDMap[holdout.ID] = holdout
		ordered = append(ordered, holdout)
	}

	// precompute flag -> applicable holdouts: global holdouts minus exclusions,
	// plus holdouts naming the flag in their include list
	p.flagHoldouts = make(map[string][]*Holdout, len(df.FeatureFlags))
	for _, flag := range df.FeatureFlags {
		var applicable []*Holdout
		for _, holdout := range ordered {
			if len(holdout.IncludedFlags) > 0 {
				if containsString(holdout.IncludedFlags, flag.ID) {
					applicable = append(applicable, holdout)
				}
				continue
			}
			if containsString(holdout.ExcludedFlags, flag.ID) {
				continue
			}
			applicable = append(applicable, holdout)
		}
		p.flagHoldouts[flag.ID] = applicable
	}
	return nil
}

func (p *Project) indexFeatures(df Datafile) error {
	p.featureKeyMap = make(map[string]*FeatureFlag, len(df.FeatureFlags))
	p.featureIDMap = make(map[string]*FeatureFlag, len(df.FeatureFlags))
	p.flagExperiments = make(map[string][]*Experiment, len(df.FeatureFlags))
	p.flagRollout = make(map[string]*Rollout, len(df.FeatureFlags))
	for _, f := range df.FeatureFlags {
		flag := &FeatureFlag{
			ID:            f.ID,
			Key:           f.Key,
			RolloutID:     f.RolloutID,
			ExperimentIDs: f.ExperimentIds,
			Variables:     f.Variables,
		}
		p.featureKeyMap[flag.Key] = flag
		p.featureIDMap[flag.ID] = flag
		p.featureOrder = append(p.featureOrder, flag.Key)

		// datafile order of the experiment list decides decision priority
		for _, experimentID := range f.ExperimentIds {
			experiment, ok := p.experimentIDMap[experimentID]
			if !ok {
				return xerrors.Errorf("unknown experiment ID %v referenced by feature flag %v", experimentID, flag.Key)
			}
			p.flagExperiments[flag.ID] = append(p.flagExperiments[flag.ID], experiment)
		}
		if flag.RolloutID != "" {
			rollout, ok := p.rolloutIDMap[flag.RolloutID]
			if !ok {
				p.logger.Warnf("Feature flag %q references unknown rollout %q.", flag.Key, flag.RolloutID)
				continue
			}
			p.flagRollout[flag.ID] = rollout
		}
	}
	return nil
}

func (p *Project) indexAttributesAndEvents(df Datafile) {
	p.attributeKeyMap = make(map[string]*Attribute, len(df.Attributes))
	p.attributeIDMap = make(map[string]*Attribute, len(df.Attributes))
	for _, a := range df.Attributes {
		attribute := &Attribute{ID: a.ID, Key: a.Key}
		p.attributeKeyMap[a.Key] = attribute
		p.attributeIDMap[a.ID] = attribute
	}
	p.eventKeyMap = make(map[string]*Event, len(df.Events))
	for _, e := range df.Events {
		p.eventKeyMap[e.Key] = &Event{ID: e.ID, Key: e.Key, ExperimentIDs: e.ExperimentIds}
	}
}

func (p *Project) indexIntegrations(df Datafile) {
	for _, integration := range df.Integrations {
		if integration.Key == odpIntegrationKey {
			p.odpPublicKey = integration.PublicKey
			p.odpHost = integration.Host
		}
	}
	segments := make(map[string]bool)
	for _, audience := range p.audienceIDMap {
		collectQualifiedSegments(audience.Conditions, segments)
	}
	for _, experiment := range p.experimentIDMap {
		collectQualifiedSegments(experiment.AudienceConditions, segments)
	}
	p.segmentsToCheck = make([]string, 0, len(segments))
	for segment := range segments {
		p.segmentsToCheck = append(p.segmentsToCheck, segment)
	}
	sort.Strings(p.segmentsToCheck)
}

// collectQualifiedSegments gathers every segment name referenced by a
// qualified matcher anywhere in the expression.
func collectQualifiedSegments(condition *Condition, into map[string]bool) {
	if condition == nil {
		return
	}
	for _, operand := range condition.Operands {
		collectQualifiedSegments(operand, into)
	}
	isQualified := condition.Match == qualifiedMatchType ||
		(condition.Type == thirdPartyDimensionConditionType && condition.Name == odpAudiencesConditionName)
	if isQualified {
		if segment, ok := condition.Value.(string); ok && segment != "" {
			into[segment] = true
		}
	}
}

func parseExperiment(exp DatafileExperiment) (*Experiment, error) {
	experiment := &Experiment{
		ID:                exp.ID,
		Key:               exp.Key,
		LayerID:           exp.LayerID,
		Status:            exp.Status,
		AudienceIDs:       exp.AudienceIds,
		ForcedVariations:  exp.ForcedVariations,
		TrafficAllocation: parseTrafficAllocation(exp.TrafficAllocation),
		variationIDMap:    make(map[string]*Variation, len(exp.Variations)),
		variationKeyMap:   make(map[string]*Variation, len(exp.Variations)),
	}
	if experiment.ForcedVariations == nil {
		experiment.ForcedVariations = map[string]string{}
	}
	if len(exp.AudienceConditions) > 0 {
		conditions, err := ParseConditions(exp.AudienceConditions)
		if err != nil {
			return nil, xerrors.Errorf("error parsing audience conditions of experiment %v: %w", exp.Key, err)
		}
		experiment.AudienceConditions = conditions
	}
	if exp.Cmab != nil {
		experiment.Cmab = &CmabConfig{
			AttributeIDs:      exp.Cmab.AttributeIds,
			TrafficAllocation: exp.Cmab.TrafficAllocation,
		}
	}
	for _, v := range exp.Variations {
		variation := &Variation{
			ID:             v.ID,
			Key:            v.Key,
			FeatureEnabled: v.FeatureEnabled,
			Variables:      make(map[string]string, len(v.Variables)),
		}
		for _, variable := range v.Variables {
			variation.Variables[variable.ID] = variable.Value
		}
		experiment.Variations = append(experiment.Variations, variation)
		experiment.variationIDMap[v.ID] = variation
		experiment.variationKeyMap[v.Key] = variation
	}
	for _, allocation := range experiment.TrafficAllocation {
		if allocation.EntityID == "" {
			continue
		}
		if _, ok := experiment.variationIDMap[allocation.EntityID]; !ok {
			return nil, xerrors.Errorf("unknown variation ID %v found in traffic allocation of experiment %v", allocation.EntityID, exp.Key)
		}
	}
	return experiment, nil
}

func parseTrafficAllocation(allocations []DatafileTrafficAllocation) []TrafficAllocation {
	parsed := make([]TrafficAllocation, 0, len(allocations))
	for _, a := range allocations {
		parsed = append(parsed, TrafficAllocation{EntityID: a.EntityID, EndOfRange: a.EndOfRange})
	}
	return parsed
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ExperimentByKey returns the experiment with the given key, or nil if the
// key is not in the datafile.
func (p *Project) ExperimentByKey(key string) *Experiment {
	experiment, ok := p.experimentKeyMap[key]
	if !ok {
		p.logger.Errorf("Experiment key %q is not in datafile.", key)
		return nil
	}
	return experiment
}

// ExperimentByID returns the experiment with the given ID, or nil.
func (p *Project) ExperimentByID(id string) *Experiment {
	experiment, ok := p.experimentIDMap[id]
	if !ok {
		p.logger.Errorf("Experiment ID %q is not in datafile.", id)
		return nil
	}
	return experiment
}

// FeatureByKey returns the feature flag with the given key, or nil.
func (p *Project) FeatureByKey(key string) *FeatureFlag {
	flag, ok := p.featureKeyMap[key]
	if !ok {
		p.logger.Errorf("Feature flag key %q is not in datafile.", key)
		return nil
	}
	return flag
}

// FeatureKeys returns every feature flag key in datafile order.
func (p *Project) FeatureKeys() []string {
	keys := make([]string, len(p.featureOrder))
	copy(keys, p.featureOrder)
	return keys
}

// AudienceByID returns the audience with the given ID, or nil.
func (p *Project) AudienceByID(id string) *Audience {
	audience, ok := p.audienceIDMap[id]
	if !ok {
		p.logger.Errorf("Audience ID %q is not in datafile.", id)
		return nil
	}
	return audience
}

// AttributeByID returns the attribute with the given ID, or nil.
func (p *Project) AttributeByID(id string) *Attribute {
	return p.attributeIDMap[id]
}

// AttributeByKey returns the attribute with the given key, or nil.
func (p *Project) AttributeByKey(key string) *Attribute {
	return p.attributeKeyMap[key]
}

// EventByKey returns the conversion event with the given key, or nil.
func (p *Project) EventByKey(key string) *Event {
	event, ok := p.eventKeyMap[key]
	if !ok {
		p.logger.Errorf("Event %q is not in datafile.", key)
		return nil
	}
	return event
}

// GroupByID returns the group with the given ID, or nil.
func (p *Project) GroupByID(id string) *Group {
	group, ok := p.groupIDMap[id]
	if !ok {
		p.logger.Errorf("Group ID %q is not in datafile.", id)
		return nil
	}
	return group
}

// RolloutForFlag returns the rollout attached to the flag, or nil when the
// flag has none.
func (p *Project) RolloutForFlag(flag *FeatureFlag) *Rollout {
	return p.flagRollout[flag.ID]
}

// ExperimentsForFlag returns the feature experiments referenced by the flag in
// datafile order.
func (p *Project) ExperimentsForFlag(flag *FeatureFlag) []*Experiment {
	return p.flagExperiments[flag.ID]
}

// HoldoutsForFlag returns the holdouts applicable to the flag: global
// holdouts that do not exclude it plus holdouts that include it.
func (p *Project) HoldoutsForFlag(flag *FeatureFlag) []*Holdout {
	return p.flagHoldouts[flag.ID]
}

// FlagVariationByKey searches the flag's feature experiments, then its rollout
// rules, for a variation with the given key.
func (p *Project) FlagVariationByKey(flag *FeatureFlag, key string) *Variation {
	for _, experiment := range p.ExperimentsForFlag(flag) {
		if variation := experiment.VariationByKey(key); variation != nil {
			return variation
		}
	}
	if rollout := p.RolloutForFlag(flag); rollout != nil {
		for _, rule := range rollout.Experiments {
			if variation := rule.VariationByKey(key); variation != nil {
				return variation
			}
		}
	}
	return nil
}

// OdpIntegration returns the ODP public key and host published in the
// datafile, empty when the project has no ODP integration.
func (p *Project) OdpIntegration() (publicKey, host string) {
	return p.odpPublicKey, p.odpHost
}

// SegmentsToCheck returns every ODP segment referenced by a qualified matcher
// in the project, sorted.
func (p *Project) SegmentsToCheck() []string {
	segments := make([]string, len(p.segmentsToCheck))
	copy(segments, p.segmentsToCheck)
	return segments
}
