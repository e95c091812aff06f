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

// Package odp integrates with the Optimizely Data Platform: qualified-segment
// fetching over GraphQL with a cache-through manager, and asynchronous event
// ingestion with batching, retry, and flush semantics.
package odp

import "sync"

// ConfigState describes whether the project has a usable ODP integration.
type ConfigState int

const (
	// Undetermined means no config update has happened yet.
	Undetermined ConfigState = iota
	// Integrated means both an api key and host are known.
	Integrated
	// NotIntegrated means the project has no ODP integration.
	NotIntegrated
)

// Config atomically holds the ODP credentials and the segments referenced by
// the project. It transitions from Undetermined exactly once, on the first
// Update.
type Config struct {
	mutex           sync.RWMutex
	apiKey          string
	apiHost         string
	segmentsToCheck []string
	state           ConfigState
}

// NewConfig creates a config in the Undetermined state.
func NewConfig() *Config {
	return &Config{state: Undetermined}
}

// Update replaces the credentials and segment list, returning true iff any
// field changed. Both key and host present means Integrated; anything else
// means NotIntegrated.
func (c *Config) Update(apiKey, apiHost string, segmentsToCheck []string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	changed := c.state == Undetermined ||
		c.apiKey != apiKey ||
		c.apiHost != apiHost ||
		!equalSegments(c.segmentsToCheck, segmentsToCheck)
	c.apiKey = apiKey
	c.apiHost = apiHost
	c.segmentsToCheck = make([]string, len(segmentsToCheck))
	copy(c.segmentsToCheck, segmentsToCheck)
	if apiKey != "" && apiHost != "" {
		c.state = Integrated
	} else {
		c.state = NotIntegrated
	}
	return changed
}

// APIKey returns the current api key.
func (c *Config) APIKey() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.apiKey
}

// APIHost returns the current api host.
func (c *Config) APIHost() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.apiHost
}

// SegmentsToCheck returns a copy of the segments the project references.
func (c *Config) SegmentsToCheck() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	segments := make([]string, len(c.segmentsToCheck))
	copy(segments, c.segmentsToCheck)
	return segments
}

// State returns the current integration state.
func (c *Config) State() ConfigState {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

func (c *Config) snapshot() configSnapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return configSnapshot{apiKey: c.apiKey, apiHost: c.apiHost, state: c.state}
}

func equalSegments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
