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

import "sync"

// reserved attribute keys; unknown $opt_ attributes pass through untouched
const (
	BucketingIDAttribute         = "$opt_bucketing_id"
	UserAgentAttribute           = "$opt_user_agent"
	ExperimentBucketMapAttribute = "$opt_experiment_bucket_map"
)

// forcedDecisionKey addresses a runtime override. An empty RuleKey means the
// override applies at the flag level.
type forcedDecisionKey struct {
	FlagKey string
	RuleKey string
}

// UserContext carries a user's id, attributes, runtime forced decisions, and
// ODP qualified segments. It is mutable between decide calls and safe for
// concurrent use; the decision service works from an immutable snapshot taken
// at the start of each decide.
type UserContext struct {
	mutex             sync.RWMutex
	userID            string
	attributes        map[string]interface{}
	forcedDecisions   map[forcedDecisionKey]string
	qualifiedSegments []string
}

// NewUserContext creates a user context, copying the given attributes.
func NewUserContext(userID string, attributes map[string]interface{}) *UserContext {
	copied := make(map[string]interface{}, len(attributes))
	for k, v := range attributes {
		copied[k] = v
	}
	return &UserContext{
		userID:     userID,
		attributes: copied,
	}
}

// UserID returns the user's id.
func (u *UserContext) UserID() string {
	return u.userID
}

// SetAttribute sets or replaces a single attribute.
func (u *UserContext) SetAttribute(key string, value interface{}) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.attributes[key] = value
}

// Attributes returns a copy of the user's attributes.
func (u *UserContext) Attributes() map[string]interface{} {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	copied := make(map[string]interface{}, len(u.attributes))
	for k, v := range u.attributes {
		copied[k] = v
	}
	return copied
}

// SetForcedDecision pins a variation key for the flag, optionally scoped to a
// single rule. An empty ruleKey applies at the flag level.
func (u *UserContext) SetForcedDecision(flagKey, ruleKey, variationKey string) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.forcedDecisions == nil {
		u.forcedDecisions = make(map[forcedDecisionKey]string)
	}
	u.forcedDecisions[forcedDecisionKey{FlagKey: flagKey, RuleKey: ruleKey}] = variationKey
}

// ForcedDecision returns the pinned variation key for (flagKey, ruleKey).
func (u *UserContext) ForcedDecision(flagKey, ruleKey string) (string, bool) {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	variationKey, ok := u.forcedDecisions[forcedDecisionKey{FlagKey: flagKey, RuleKey: ruleKey}]
	return variationKey, ok
}

// RemoveForcedDecision removes the pinned variation for (flagKey, ruleKey) and
// reports whether one was present.
func (u *UserContext) RemoveForcedDecision(flagKey, ruleKey string) bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	key := forcedDecisionKey{FlagKey: flagKey, RuleKey: ruleKey}
	if _, ok := u.forcedDecisions[key]; !ok {
		return false
	}
	delete(u.forcedDecisions, key)
	return true
}

// RemoveAllForcedDecisions clears every runtime override on this context.
func (u *UserContext) RemoveAllForcedDecisions() {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.forcedDecisions = nil
}

// SetQualifiedSegments replaces the ODP segments the user belongs to.
func (u *UserContext) SetQualifiedSegments(segments []string) {
	copied := make([]string, len(segments))
	copy(copied, segments)
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.qualifiedSegments = copied
}

// QualifiedSegments returns a copy of the user's qualified segments.
func (u *UserContext) QualifiedSegments() []string {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	copied := make([]string, len(u.qualifiedSegments))
	copy(copied, u.qualifiedSegments)
	return copied
}

// IsQualifiedFor reports whether the user belongs to the given segment.
func (u *UserContext) IsQualifiedFor(segment string) bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	for _, qualified := range u.qualifiedSegments {
		if qualified == segment {
			return true
		}
	}
	return false
}

// userSnapshot is the immutable view of a UserContext used for the duration of
// one decide call.
type userSnapshot struct {
	userID            string
	attributes        map[string]interface{}
	forcedDecisions   map[forcedDecisionKey]string
	qualifiedSegments []string
}

func (u *UserContext) snapshot() userSnapshot {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	snap := userSnapshot{
		userID:            u.userID,
		attributes:        make(map[string]interface{}, len(u.attributes)),
		qualifiedSegments: make([]string, len(u.qualifiedSegments)),
	}
	for k, v := range u.attributes {
		snap.attributes[k] = v
	}
	copy(snap.qualifiedSegments, u.qualifiedSegments)
	if len(u.forcedDecisions) > 0 {
		snap.forcedDecisions = make(map[forcedDecisionKey]string, len(u.forcedDecisions))
		for k, v := range u.forcedDecisions {
			snap.forcedDecisions[k] = v
		}
	}
	return snap
}

// bucketingID returns the string hashed by the bucketer: the reserved
// $opt_bucketing_id attribute when it is a string, else the user id.
func (s userSnapshot) bucketingID() string {
	if override, ok := s.attributes[BucketingIDAttribute].(string); ok {
		return override
	}
	return s.userID
}

func (s userSnapshot) forcedDecision(flagKey, ruleKey string) (string, bool) {
	variationKey, ok := s.forcedDecisions[forcedDecisionKey{FlagKey: flagKey, RuleKey: ruleKey}]
	return variationKey, ok
}
