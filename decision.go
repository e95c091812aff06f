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
	"fmt"

	"go.uber.org/zap"
)

// DecisionSource identifies which layer of the pipeline produced a decision.
type DecisionSource string

const (
	FeatureTestSource DecisionSource = "feature-test"
	RolloutSource     DecisionSource = "rollout"
	HoldoutSource     DecisionSource = "holdout"
	ExperimentSource  DecisionSource = "experiment"
)

// Decision is the outcome of the pipeline for one (flag, user) pair. A nil
// Variation means no layer produced an assignment. Reasons is populated only
// when the IncludeReasons option is active.
type Decision struct {
	FlagKey    string
	Experiment *Experiment
	Variation  *Variation
	Source     DecisionSource
	Reasons    []string
}

// Enabled reports whether the decided variation enables the feature.
func (d Decision) Enabled() bool {
	return d.Variation != nil && d.Variation.FeatureEnabled
}

// DecisionPayload is delivered to decision-notification listeners.
type DecisionPayload struct {
	FlagKey                 string
	UserID                  string
	Attributes              map[string]interface{}
	RuleKey                 string
	VariationKey            string
	Enabled                 bool
	Source                  DecisionSource
	Reasons                 []string
	DecisionEventDispatched bool
}

// CmabDecision is a variation assignment produced by the contextual-bandit
// prediction service, tagged with the request uuid for attribution.
type CmabDecision struct {
	VariationID string
	CmabUUID    string
}

// CmabService produces variation assignments for experiments that delegate
// allocation to the contextual-bandit prediction service.
type CmabService interface {
	GetDecision(project *Project, userID string, attributes map[string]interface{}, ruleID string, options *DecideOptions) (CmabDecision, error)
}

// DecisionService runs the layered decision pipeline: holdouts, feature
// experiments (forced decisions, whitelists, persisted profiles, audiences,
// bandit or hash bucketing), then rollout rules.
type DecisionService struct {
	bucketer           *bucketer
	userProfileService UserProfileService
	cmabService        CmabService
	notifications      *NotificationCenter
	logger             *zap.SugaredLogger
}

// DecisionServiceOption configures optional collaborators of the service.
type DecisionServiceOption func(*DecisionService)

// WithUserProfileService attaches a persisted-profile capability; bucketing
// outcomes become sticky across datafile changes.
func WithUserProfileService(service UserProfileService) DecisionServiceOption {
	return func(d *DecisionService) {
		d.userProfileService = service
	}
}

// WithCmabService attaches the contextual-bandit prediction capability.
func WithCmabService(service CmabService) DecisionServiceOption {
	return func(d *DecisionService) {
		d.cmabService = service
	}
}

// WithNotificationCenter attaches the hub that receives decision payloads and
// impressions.
func WithNotificationCenter(center *NotificationCenter) DecisionServiceOption {
	return func(d *DecisionService) {
		d.notifications = center
	}
}

// WithDecisionLogger attaches a logger to the service and its bucketer.
func WithDecisionLogger(logger *zap.SugaredLogger) DecisionServiceOption {
	return func(d *DecisionService) {
		d.logger = logger
	}
}

// NewDecisionService creates a decision service.
func NewDecisionService(options ...DecisionServiceOption) *DecisionService {
	service := &DecisionService{logger: zap.NewNop().Sugar()}
	for _, option := range options {
		option(service)
	}
	service.bucketer = newBucketer(service.logger)
	return service
}

// decideReasons accumulates diagnostic strings during one decide call. The
// strings are always collected; whether they surface on the Decision depends
// on the IncludeReasons option.
type decideReasons struct {
	reasons []string
}

func (r *decideReasons) addf(format string, args ...interface{}) {
	r.reasons = append(r.reasons, fmt.Sprintf(format, args...))
}

// Decide runs the pipeline for a single flag. It never returns an error; the
// worst outcome is a decision with a nil variation and source "rollout".
func (d *DecisionService) Decide(project *Project, flagKey string, user *UserContext, options ...DecideOption) Decision {
	return d.decide(project, flagKey, user.snapshot(), NewDecideOptions(options))
}

// DecideAll runs the pipeline for every flag in the project.
func (d *DecisionService) DecideAll(project *Project, user *UserContext, options ...DecideOption) map[string]Decision {
	return d.DecideForKeys(project, project.FeatureKeys(), user, options...)
}

// DecideForKeys runs the pipeline for the given flags. With the
// EnabledFlagsOnly option, only decisions whose variation enables the feature
// are returned.
func (d *DecisionService) DecideForKeys(project *Project, flagKeys []string, user *UserContext, options ...DecideOption) map[string]Decision {
	opts := NewDecideOptions(options)
	snap := user.snapshot()
	decisions := make(map[string]Decision, len(flagKeys))
	for _, flagKey := range flagKeys {
		decision := d.decide(project, flagKey, snap, opts)
		if opts.EnabledFlagsOnly && !decision.Enabled() {
			continue
		}
		decisions[flagKey] = decision
	}
	return decisions
}

func (d *DecisionService) decide(project *Project, flagKey string, snap userSnapshot, opts *DecideOptions) Decision {
	reasons := &decideReasons{}
	flag := project.FeatureByKey(flagKey)
	if flag == nil {
		reasons.addf("No flag was found for key %q.", flagKey)
		return d.finish(project, Decision{FlagKey: flagKey, Source: RolloutSource}, snap, opts, reasons)
	}

	// a flag-level forced decision overrides every layer of the pipeline
	if variationKey, ok := snap.forcedDecision(flag.Key, ""); ok {
		if variation := project.FlagVariationByKey(flag, variationKey); variation != nil {
			reasons.addf("Variation %q is mapped to flag %q and user %q in the forced decision map.", variationKey, flag.Key, snap.userID)
			decision := Decision{FlagKey: flag.Key, Variation: variation, Source: FeatureTestSource}
			return d.finish(project, decision, snap, opts, reasons)
		}
		reasons.addf("Invalid variation is mapped to flag %q and user %q in the forced decision map.", flag.Key, snap.userID)
	}

	if decision, ok := d.decideHoldouts(project, flag, snap, reasons); ok {
		return d.finish(project, decision, snap, opts, reasons)
	}

	for _, experiment := range project.ExperimentsForFlag(flag) {
		variation := d.decideExperiment(project, flag, experiment, snap, opts, reasons)
		if variation != nil {
			decision := Decision{
				FlagKey:    flag.Key,
				Experiment: experiment,
				Variation:  variation,
				Source:     FeatureTestSource,
			}
			return d.finish(project, decision, snap, opts, reasons)
		}
	}

	return d.finish(project, d.decideRollout(project, flag, snap, reasons), snap, opts, reasons)
}

// decideHoldouts runs step one of the pipeline. A bucketed holdout variation
// suppresses normal flag decisions.
func (d *DecisionService) decideHoldouts(project *Project, flag *FeatureFlag, snap userSnapshot, reasons *decideReasons) (Decision, bool) {
	for _, holdout := range project.HoldoutsForFlag(flag) {
		if !holdout.IsRunning() {
			reasons.addf("Holdout %q is not running.", holdout.Key)
			continue
		}
		if !meetsAudienceConditions(project, &holdout.Experiment, snap.attributes, snap.qualifiedSegments, d.logger) {
			reasons.addf("User %q does not meet the audience conditions of holdout %q.", snap.userID, holdout.Key)
			continue
		}
		variation := d.bucketer.bucketHoldout(holdout, snap.bucketingID())
		if variation == nil {
			reasons.addf("User %q is not in holdout %q.", snap.userID, holdout.Key)
			continue
		}
		reasons.addf("User %q is in variation %q of holdout %q.", snap.userID, variation.Key, holdout.Key)
		return Decision{
			FlagKey:    flag.Key,
			Experiment: &holdout.Experiment,
			Variation:  variation,
			Source:     HoldoutSource,
		}, true
	}
	return Decision{}, false
}

// decideExperiment runs one feature experiment through steps three to eight of
// the pipeline and returns its variation, or nil when the experiment
// contributes nothing.
func (d *DecisionService) decideExperiment(project *Project, flag *FeatureFlag, experiment *Experiment, snap userSnapshot, opts *DecideOptions, reasons *decideReasons) *Variation {
	if !experiment.IsRunning() {
		reasons.addf("Experiment %q is not running.", experiment.Key)
		return nil
	}

	if variationKey, ok := snap.forcedDecision(flag.Key, experiment.Key); ok {
		if variation := experiment.VariationByKey(variationKey); variation != nil {
			reasons.addf("Variation %q is mapped to flag %q, rule %q and user %q in the forced decision map.", variationKey, flag.Key, experiment.Key, snap.userID)
			return variation
		}
		reasons.addf("Invalid variation is mapped to flag %q, rule %q and user %q in the forced decision map.", flag.Key, experiment.Key, snap.userID)
	}

	if variationKey, ok := experiment.ForcedVariations[snap.userID]; ok {
		if variation := experiment.VariationByKey(variationKey); variation != nil {
			reasons.addf("User %q is whitelisted into variation %q of experiment %q.", snap.userID, variationKey, experiment.Key)
			return variation
		}
		reasons.addf("User %q is whitelisted into variation %q, which is not in experiment %q.", snap.userID, variationKey, experiment.Key)
	}

	if !opts.IgnoreUserProfileService {
		if variation := d.lookupProfileVariation(experiment, snap, reasons); variation != nil {
			return variation
		}
	}

	if !meetsAudienceConditions(project, experiment, snap.attributes, snap.qualifiedSegments, d.logger) {
		reasons.addf("User %q does not meet the audience conditions of experiment %q.", snap.userID, experiment.Key)
		return nil
	}

	var variation *Variation
	if experiment.Cmab != nil {
		variation = d.decideCmab(project, experiment, snap, opts, reasons)
	} else {
		variation = d.bucketer.bucketExperiment(project, experiment, snap.bucketingID())
	}
	if variation == nil {
		reasons.addf("User %q is not in experiment %q.", snap.userID, experiment.Key)
		return nil
	}
	reasons.addf("User %q is in variation %q of experiment %q.", snap.userID, variation.Key, experiment.Key)

	if !opts.IgnoreUserProfileService && d.userProfileService != nil {
		d.saveProfileVariation(experiment, variation, snap)
	}
	return variation
}

// lookupProfileVariation consults the inline bucket-map attribute first, then
// the profile service. Failures never abort the decision.
func (d *DecisionService) lookupProfileVariation(experiment *Experiment, snap userSnapshot, reasons *decideReasons) *Variation {
	if bucketMap := profileBucketMapFromAttributes(snap.attributes); bucketMap != nil {
		if variationID, ok := bucketMap[experiment.ID]; ok {
			if variation := experiment.VariationByID(variationID); variation != nil {
				reasons.addf("User %q has a stored variation %q for experiment %q from the bucket-map attribute.", snap.userID, variation.Key, experiment.Key)
				return variation
			}
		}
	}
	if d.userProfileService == nil {
		return nil
	}
	profile, err := d.userProfileService.Lookup(snap.userID)
	if err != nil {
		d.logger.Warnf("Error looking up user profile for user %q: %v.", snap.userID, err)
		return nil
	}
	variationID, ok := profile.ExperimentBucketMap[experiment.ID]
	if !ok {
		return nil
	}
	variation := experiment.VariationByID(variationID)
	if variation == nil {
		d.logger.Warnf("User %q was previously bucketed into variation ID %q for experiment %q, but no matching variation was found.", snap.userID, variationID, experiment.Key)
		return nil
	}
	reasons.addf("Returning previously activated variation %q of experiment %q for user %q from user profile.", variation.Key, experiment.Key, snap.userID)
	return variation
}

// saveProfileVariation merges the fresh assignment into the persisted profile.
// Save failures are logged and swallowed.
func (d *DecisionService) saveProfileVariation(experiment *Experiment, variation *Variation, snap userSnapshot) {
	profile, err := d.userProfileService.Lookup(snap.userID)
	if err != nil {
		d.logger.Warnf("Error looking up user profile for user %q: %v.", snap.userID, err)
		profile = UserProfile{}
	}
	profile.UserID = snap.userID
	if profile.ExperimentBucketMap == nil {
		profile.ExperimentBucketMap = make(map[string]string)
	}
	profile.ExperimentBucketMap[experiment.ID] = variation.ID
	if err := d.userProfileService.Save(profile); err != nil {
		d.logger.Warnf("Error saving user profile for user %q: %v.", snap.userID, err)
	}
}

// decideCmab delegates allocation to the prediction service. An error means
// the experiment contributes no variation.
func (d *DecisionService) decideCmab(project *Project, experiment *Experiment, snap userSnapshot, opts *DecideOptions, reasons *decideReasons) *Variation {
	if !d.bucketer.inCmabTraffic(experiment, snap.bucketingID()) {
		reasons.addf("User %q is not in the traffic of experiment %q.", snap.userID, experiment.Key)
		return nil
	}
	if d.cmabService == nil {
		reasons.addf("Experiment %q requires the prediction service, which is not configured.", experiment.Key)
		return nil
	}
	cmabDecision, err := d.cmabService.GetDecision(project, snap.userID, snap.attributes, experiment.ID, opts)
	if err != nil {
		d.logger.Warnf("Error fetching prediction for experiment %q and user %q: %v.", experiment.Key, snap.userID, err)
		reasons.addf("Failed to fetch a prediction for experiment %q.", experiment.Key)
		return nil
	}
	variation := experiment.VariationByID(cmabDecision.VariationID)
	if variation == nil {
		reasons.addf("Prediction for experiment %q returned unknown variation ID %q.", experiment.Key, cmabDecision.VariationID)
	}
	return variation
}

// decideRollout walks the flag's rollout rules in order. A rule whose audience
// matches but whose traffic misses skips straight to the last rule.
func (d *DecisionService) decideRollout(project *Project, flag *FeatureFlag, snap userSnapshot, reasons *decideReasons) Decision {
	nullDecision := Decision{FlagKey: flag.Key, Source: RolloutSource}
	rollout := project.RolloutForFlag(flag)
	if rollout == nil || len(rollout.Experiments) == 0 {
		reasons.addf("Flag %q has no rollout rules.", flag.Key)
		return nullDecision
	}

	rules := rollout.Experiments
	for index := 0; index < len(rules); index++ {
		rule := rules[index]
		isLastRule := index == len(rules)-1

		if variationKey, ok := snap.forcedDecision(flag.Key, rule.Key); ok {
			if variation := rule.VariationByKey(variationKey); variation != nil {
				reasons.addf("Variation %q is mapped to flag %q, rule %q and user %q in the forced decision map.", variationKey, flag.Key, rule.Key, snap.userID)
				return Decision{FlagKey: flag.Key, Experiment: rule, Variation: variation, Source: RolloutSource}
			}
			reasons.addf("Invalid variation is mapped to flag %q, rule %q and user %q in the forced decision map.", flag.Key, rule.Key, snap.userID)
		}

		if !meetsAudienceConditions(project, rule, snap.attributes, snap.qualifiedSegments, d.logger) {
			reasons.addf("User %q does not meet the audience conditions of rollout rule %q.", snap.userID, rule.Key)
			continue
		}

		variation := d.bucketer.bucketExperiment(project, rule, snap.bucketingID())
		if variation != nil {
			reasons.addf("User %q is in variation %q of rollout rule %q.", snap.userID, variation.Key, rule.Key)
			return Decision{FlagKey: flag.Key, Experiment: rule, Variation: variation, Source: RolloutSource}
		}
		reasons.addf("User %q is not in the traffic of rollout rule %q.", snap.userID, rule.Key)
		if !isLastRule {
			// matched the audience but missed the traffic: only Everyone Else remains
			index = len(rules) - 2
		}
	}
	reasons.addf("No rollout rule applied for flag %q.", flag.Key)
	return nullDecision
}

// finish attaches reasons, emits the impression and decision notification,
// and returns the decision.
func (d *DecisionService) finish(project *Project, decision Decision, snap userSnapshot, opts *DecideOptions, reasons *decideReasons) Decision {
	if opts.IncludeReasons {
		decision.Reasons = reasons.reasons
	}
	if d.notifications == nil {
		return decision
	}

	dispatched := false
	if decision.Variation != nil && decision.Source != RolloutSource && !opts.DisableDecisionEvent {
		impression := newImpression(project, decision, snap.userID, snap.attributes)
		d.notifications.Send(ActivateNotification, impression)
		dispatched = true
	}

	payload := DecisionPayload{
		FlagKey:    decision.FlagKey,
		UserID:     snap.userID,
		Attributes: snap.attributes,
		Enabled:    decision.Enabled(),
		Source:     decision.Source,
		Reasons:    decision.Reasons,

		DecisionEventDispatched: dispatched,
	}
	if decision.Experiment != nil {
		payload.RuleKey = decision.Experiment.Key
	}
	if decision.Variation != nil {
		payload.VariationKey = decision.Variation.Key
	}
	d.notifications.Send(DecisionNotification, payload)
	return decision
}
