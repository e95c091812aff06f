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

package odp

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/spothero/optimizely-fullstack-go/cache"
)

// ErrSegmentsNotIntegrated is returned when segments are requested before the
// project's ODP credentials are known.
var ErrSegmentsNotIntegrated = xerrors.New("audience segments fetch failed: ODP is not integrated")

// SegmentOption adjusts cache behavior of a single segments fetch.
type SegmentOption string

const (
	// IgnoreCache fetches fresh segments without reading or writing the cache.
	IgnoreCache SegmentOption = "IGNORE_CACHE"
	// ResetCache clears the whole cache before fetching.
	ResetCache SegmentOption = "RESET_CACHE"
)

const (
	defaultSegmentsCacheSize    = 10000
	defaultSegmentsCacheTimeout = 600 * time.Second
)

type segmentAPI interface {
	FetchSegments(ctx context.Context, apiKey, apiHost, userKey, userValue string, segmentsToCheck []string) ([]string, error)
}

// SegmentManager wraps the segment API client with a cache-through layer
// keyed by (userKey, userValue).
type SegmentManager struct {
	config *Config
	cache  *cache.LRU[string, []string]
	api    segmentAPI
	logger *zap.SugaredLogger
}

// SegmentManagerOption configures a SegmentManager.
type SegmentManagerOption func(*SegmentManager)

// WithSegmentsCache overrides the segments cache.
func WithSegmentsCache(segmentsCache *cache.LRU[string, []string]) SegmentManagerOption {
	return func(m *SegmentManager) {
		m.cache = segmentsCache
	}
}

// WithSegmentAPI overrides the segment API client.
func WithSegmentAPI(api segmentAPI) SegmentManagerOption {
	return func(m *SegmentManager) {
		m.api = api
	}
}

// WithSegmentManagerLogger attaches a logger.
func WithSegmentManagerLogger(logger *zap.SugaredLogger) SegmentManagerOption {
	return func(m *SegmentManager) {
		m.logger = logger
	}
}

// NewSegmentManager creates a segment manager bound to the given config.
func NewSegmentManager(config *Config, options ...SegmentManagerOption) *SegmentManager {
	manager := &SegmentManager{
		config: config,
		cache:  cache.NewLRU[string, []string](defaultSegmentsCacheSize, defaultSegmentsCacheTimeout),
		api:    NewSegmentAPIClient(),
		logger: zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// FetchQualifiedSegments returns the segments the user qualifies for,
// serving from the cache when possible. Failed fetches are never cached.
func (m *SegmentManager) FetchQualifiedSegments(ctx context.Context, userKey, userValue string, options ...SegmentOption) ([]string, error) {
	apiKey := m.config.APIKey()
	apiHost := m.config.APIHost()
	if apiKey == "" || apiHost == "" {
		return nil, ErrSegmentsNotIntegrated
	}
	segmentsToCheck := m.config.SegmentsToCheck()
	if len(segmentsToCheck) == 0 {
		return []string{}, nil
	}

	ignoreCache := false
	resetCache := false
	for _, option := range options {
		switch option {
		case IgnoreCache:
			ignoreCache = true
		case ResetCache:
			resetCache = true
		}
	}

	cacheKey := cache.Key(userKey, userValue)
	if resetCache {
		m.cache.Reset()
	}
	if !ignoreCache && !resetCache {
		if segments, ok := m.cache.Lookup(cacheKey); ok {
			m.logger.Debugf("Returning cached audience segments for user %q.", userValue)
			return segments, nil
		}
	}

	segments, err := m.api.FetchSegments(ctx, apiKey, apiHost, userKey, userValue, segmentsToCheck)
	if err != nil {
		return nil, err
	}
	if !ignoreCache {
		m.cache.Save(cacheKey, segments)
	}
	return segments, nil
}

// ResetCache clears the segments cache.
func (m *SegmentManager) ResetCache() {
	m.cache.Reset()
}
