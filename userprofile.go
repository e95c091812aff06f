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

// UserProfile is a persisted record of a user's prior variation assignments,
// keyed by experiment ID.
type UserProfile struct {
	UserID              string
	ExperimentBucketMap map[string]string
}

// UserProfileService persists user profiles across SDK restarts so sticky
// bucketing survives datafile changes. Implementations may fail; lookup and
// save errors never abort a decision.
type UserProfileService interface {
	Lookup(userID string) (UserProfile, error)
	Save(profile UserProfile) error
}

// profileBucketMapFromAttributes reads the reserved $opt_experiment_bucket_map
// attribute, which lets a caller supply prior assignments inline without a
// profile service. The expected shape mirrors the persisted bucket map:
// map[experimentID]map["variation_id"]variationID.
func profileBucketMapFromAttributes(attributes map[string]interface{}) map[string]string {
	raw, ok := attributes[ExperimentBucketMapAttribute].(map[string]interface{})
	if !ok {
		return nil
	}
	bucketMap := make(map[string]string, len(raw))
	for experimentID, entry := range raw {
		decision, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if variationID, ok := decision["variation_id"].(string); ok {
			bucketMap[experimentID] = variationID
		}
	}
	return bucketMap
}
