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

package cmab

import (
	"context"
	"crypto/md5" //nolint:gosec // cache fingerprint, not security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	optimizely "github.com/spothero/optimizely-fullstack-go"
	"github.com/spothero/optimizely-fullstack-go/cache"
)

const (
	defaultCacheSize    = 1000
	defaultCacheTimeout = 30 * time.Minute
)

type predictionClient interface {
	FetchDecision(ctx context.Context, ruleID, userID string, attributes map[string]interface{}, cmabUUID string) (string, error)
}

type cachedDecision struct {
	attributesHash string
	variationID    string
	cmabUUID       string
}

// Service implements the decision layer's prediction capability: it filters
// attributes to the experiment's declared list, caches predictions per
// (user, rule), and invalidates cached entries when the relevant attributes
// change.
type Service struct {
	client predictionClient
	cache  *cache.LRU[string, cachedDecision]
	logger *zap.SugaredLogger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPredictionClient overrides the prediction client.
func WithPredictionClient(client predictionClient) ServiceOption {
	return func(s *Service) {
		s.client = client
	}
}

// WithDecisionCache sizes the prediction cache.
func WithDecisionCache(capacity int, timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = cache.NewLRU[string, cachedDecision](capacity, timeout)
	}
}

// WithServiceLogger attaches a logger.
func WithServiceLogger(logger *zap.SugaredLogger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a caching prediction service.
func NewService(options ...ServiceOption) *Service {
	service := &Service{
		client: NewClient(),
		cache:  cache.NewLRU[string, cachedDecision](defaultCacheSize, defaultCacheTimeout),
		logger: zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(service)
	}
	return service
}

// GetDecision returns the predicted variation for the user and rule, serving
// from the cache while the filtered attributes are unchanged.
func (s *Service) GetDecision(project *optimizely.Project, userID string, attributes map[string]interface{}, ruleID string, options *optimizely.DecideOptions) (optimizely.CmabDecision, error) {
	if options == nil {
		options = &optimizely.DecideOptions{}
	}
	filtered := filterAttributes(project, attributes, ruleID)
	attributesHash, err := hashAttributes(filtered)
	if err != nil {
		return optimizely.CmabDecision{}, err
	}

	if options.ResetCmabCache {
		s.cache.Reset()
	}
	cacheKey := decisionCacheKey(userID, ruleID)
	if options.InvalidateUserCmabCache {
		s.cache.Remove(cacheKey)
	}
	if !options.IgnoreCmabCache {
		if cached, ok := s.cache.Lookup(cacheKey); ok {
			if cached.attributesHash == attributesHash {
				return optimizely.CmabDecision{VariationID: cached.variationID, CmabUUID: cached.cmabUUID}, nil
			}
			s.cache.Remove(cacheKey)
		}
	}

	cmabUUID := uuid.New().String()
	variationID, err := s.client.FetchDecision(context.Background(), ruleID, userID, filtered, cmabUUID)
	if err != nil {
		return optimizely.CmabDecision{}, err
	}
	if !options.IgnoreCmabCache {
		s.cache.Save(cacheKey, cachedDecision{
			attributesHash: attributesHash,
			variationID:    variationID,
			cmabUUID:       cmabUUID,
		})
	}
	return optimizely.CmabDecision{VariationID: variationID, CmabUUID: cmabUUID}, nil
}

// decisionCacheKey embeds the user id's length so ids cannot collide with
// rule ids across the separator.
func decisionCacheKey(userID, ruleID string) string {
	return fmt.Sprintf("%d-%s-%s", len(userID), userID, ruleID)
}

// filterAttributes keeps only the attributes the experiment's bandit
// configuration declares, keyed by attribute key.
func filterAttributes(project *optimizely.Project, attributes map[string]interface{}, ruleID string) map[string]interface{} {
	filtered := make(map[string]interface{})
	experiment := project.ExperimentByID(ruleID)
	if experiment == nil || experiment.Cmab == nil {
		return filtered
	}
	for _, attributeID := range experiment.Cmab.AttributeIDs {
		attribute := project.AttributeByID(attributeID)
		if attribute == nil {
			continue
		}
		if value, ok := attributes[attribute.Key]; ok {
			filtered[attribute.Key] = value
		}
	}
	return filtered
}

// hashAttributes fingerprints the filtered attributes; JSON object keys
// marshal in sorted order, so equal maps hash equally.
func hashAttributes(attributes map[string]interface{}) (string, error) {
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return "", xerrors.Errorf("error encoding attributes for hashing: %w", err)
	}
	sum := md5.Sum(encoded) //nolint:gosec // cache fingerprint, not security
	return hex.EncodeToString(sum[:]), nil
}
