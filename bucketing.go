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
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// max value of a traffic allocation; used as an upper bound for the bucketing hash
const maxTrafficValue = 10000

// value to seed the murmur hash algorithm with
const hashSeed = 1

// bucketer deterministically assigns users to traffic allocation ranges. The
// same bucketing ID and parent entity always land in the same bucket, across
// processes and across SDK restarts.
type bucketer struct {
	logger *zap.SugaredLogger
}

func newBucketer(logger *zap.SugaredLogger) *bucketer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &bucketer{logger: logger}
}

// bucketValue hashes the bucketing ID concatenated with the parent entity ID
// and scales the result into [0, 10000).
func (b *bucketer) bucketValue(bucketingID, parentID string) int {
	bucketingKey := fmt.Sprintf("%v%v", bucketingID, parentID)
	hashCode := murmur3.Sum32WithSeed([]byte(bucketingKey), hashSeed)
	ratio := float64(hashCode) / float64(uint64(1)<<32)
	return int(math.Floor(ratio * maxTrafficValue))
}

// findBucket walks the allocation ranges in order and returns the entity ID of
// the first range past the bucket value. An empty return means the value fell
// into unallocated traffic or a deliberate gap.
func findBucket(bucketValue int, allocations []TrafficAllocation) string {
	for _, allocation := range allocations {
		if bucketValue < allocation.EndOfRange {
			return allocation.EntityID
		}
	}
	return ""
}

// bucketExperiment buckets the user into a variation of the experiment, or nil
// when the user falls outside its traffic. Experiments in a mutually exclusive
// group first bucket against the group's allocation; users assigned to a
// different member experiment are excluded.
func (b *bucketer) bucketExperiment(project *Project, experiment *Experiment, bucketingID string) *Variation {
	if experiment.GroupID != "" && experiment.GroupPolicy == randomGroupPolicy {
		group := project.GroupByID(experiment.GroupID)
		if group == nil {
			return nil
		}
		groupValue := b.bucketValue(bucketingID, group.ID)
		bucketedExperimentID := findBucket(groupValue, group.TrafficAllocation)
		if bucketedExperimentID == "" {
			b.logger.Debugf("User with bucketing ID %q is not in any experiment of group %q.", bucketingID, group.ID)
			return nil
		}
		if bucketedExperimentID != experiment.ID {
			b.logger.Debugf("User with bucketing ID %q is in another experiment of group %q.", bucketingID, group.ID)
			return nil
		}
	}

	value := b.bucketValue(bucketingID, experiment.ID)
	variationID := findBucket(value, experiment.TrafficAllocation)
	if variationID == "" {
		b.logger.Debugf("User with bucketing ID %q is not in experiment %q.", bucketingID, experiment.Key)
		return nil
	}
	variation := experiment.VariationByID(variationID)
	if variation == nil {
		b.logger.Warnf("Bucketed into unknown variation ID %q of experiment %q.", variationID, experiment.Key)
		return nil
	}
	b.logger.Debugf("User with bucketing ID %q is in variation %q of experiment %q.", bucketingID, variation.Key, experiment.Key)
	return variation
}

// inCmabTraffic reports whether the user falls inside a bandit experiment's
// traffic allocation; the variation choice itself is delegated to the
// prediction service.
func (b *bucketer) inCmabTraffic(experiment *Experiment, bucketingID string) bool {
	value := b.bucketValue(bucketingID, experiment.ID)
	if value >= experiment.Cmab.TrafficAllocation {
		b.logger.Debugf("User with bucketing ID %q is not in the traffic of experiment %q.", bucketingID, experiment.Key)
		return false
	}
	return true
}

// bucketHoldout buckets the user against a holdout's own traffic allocation.
// Holdouts never belong to groups.
func (b *bucketer) bucketHoldout(holdout *Holdout, bucketingID string) *Variation {
	value := b.bucketValue(bucketingID, holdout.ID)
	variationID := findBucket(value, holdout.TrafficAllocation)
	if variationID == "" {
		return nil
	}
	return holdout.VariationByID(variationID)
}
