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

	"go.uber.org/zap"
)

// Manager orchestrates the ODP subsystem: it owns the shared config, the
// segment manager, and the event manager, and exposes the identify/send/fetch
// surface the SDK calls into.
type Manager struct {
	config         *Config
	segmentManager *SegmentManager
	eventManager   *EventManager
	logger         *zap.SugaredLogger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSegmentManager overrides the segment manager.
func WithSegmentManager(segmentManager *SegmentManager) ManagerOption {
	return func(m *Manager) {
		m.segmentManager = segmentManager
	}
}

// WithEventManager overrides the event manager.
func WithEventManager(eventManager *EventManager) ManagerOption {
	return func(m *Manager) {
		m.eventManager = eventManager
	}
}

// WithManagerLogger attaches a logger.
func WithManagerLogger(logger *zap.SugaredLogger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates an ODP manager and starts its event consumer.
func NewManager(ctx context.Context, options ...ManagerOption) *Manager {
	manager := &Manager{
		config: NewConfig(),
		logger: zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(manager)
	}
	if manager.segmentManager == nil {
		manager.segmentManager = NewSegmentManager(manager.config, WithSegmentManagerLogger(manager.logger))
	}
	if manager.eventManager == nil {
		manager.eventManager = NewEventManager(WithEventManagerLogger(manager.logger))
	}
	manager.eventManager.Start(ctx)
	return manager
}

// IdentifyUser reports a user id to ODP. Dropped silently when the project is
// known to have no integration.
func (m *Manager) IdentifyUser(userID string) {
	if m.config.State() == NotIntegrated {
		m.logger.Debugf("ODP is not integrated; not identifying user %q.", userID)
		return
	}
	event, err := NewEvent(fullstackEventType, identifiedAction, map[string]string{FsUserIDKey: userID}, nil)
	if err != nil {
		m.logger.Errorf("Error building identify event: %v.", err)
		return
	}
	m.eventManager.Send(event)
}

// SendEvent validates and enqueues an arbitrary ODP event.
func (m *Manager) SendEvent(eventType, action string, identifiers map[string]string, data map[string]interface{}) error {
	if m.config.State() == NotIntegrated {
		m.logger.Debugf("ODP is not integrated; dropping event with action %q.", action)
		return nil
	}
	event, err := NewEvent(eventType, action, identifiers, data)
	if err != nil {
		return err
	}
	m.eventManager.Send(event)
	return nil
}

// FetchQualifiedSegments returns the ODP segments the user belongs to, keyed
// by the canonical fs_user_id identifier.
func (m *Manager) FetchQualifiedSegments(ctx context.Context, userID string, options ...SegmentOption) ([]string, error) {
	return m.segmentManager.FetchQualifiedSegments(ctx, FsUserIDKey, userID, options...)
}

// UpdateConfig installs new credentials and segments from a datafile. On a
// change the event manager flushes its in-flight batch under the old
// credentials and the segments cache is reset. Returns whether anything
// changed.
func (m *Manager) UpdateConfig(apiKey, apiHost string, segmentsToCheck []string) bool {
	if !m.config.Update(apiKey, apiHost, segmentsToCheck) {
		return false
	}
	m.segmentManager.ResetCache()
	m.eventManager.UpdateConfig(m.config)
	return true
}

// Stop flushes outstanding events and terminates the event consumer.
func (m *Manager) Stop() {
	m.eventManager.Stop()
}
