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

// Package config manages the datafile lifecycle: fetching it from the CDN,
// the management API, or a fixed string, parsing it into an immutable project
// snapshot, and swapping snapshots atomically with update notifications.
package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	optimizely "github.com/spothero/optimizely-fullstack-go"
)

// Manager supplies the current project snapshot.
type Manager interface {
	// Config returns the current snapshot, blocking up to the manager's
	// blocking timeout for the first successful fetch.
	Config(ctx context.Context) (*optimizely.Project, error)
}

// StaticManager holds a single project parsed from a fixed datafile.
type StaticManager struct {
	project *optimizely.Project
}

// NewStaticManager parses the datafile once; parse failures fail construction.
func NewStaticManager(datafileJSON []byte, options ...optimizely.ProjectOption) (*StaticManager, error) {
	project, err := optimizely.NewProjectFromDatafile(datafileJSON, options...)
	if err != nil {
		return nil, err
	}
	return &StaticManager{project: project}, nil
}

// Config returns the fixed project snapshot.
func (m *StaticManager) Config(ctx context.Context) (*optimizely.Project, error) {
	return m.project, nil
}

const (
	cdnURLTemplate  = "https://cdn.optimizely.com/datafiles/%s.json"
	authURLTemplate = "https://config.optimizely.com/datafiles/auth/%s.json"

	defaultPollingInterval = 5 * time.Minute
	defaultBlockingTimeout = 10 * time.Second
)

// fetcher retrieves the raw datafile. The conditional token is opaque to the
// polling loop: the fetcher returns the next token with each successful fetch
// and honors the previous one to report not-modified.
type fetcher interface {
	Fetch(ctx context.Context, conditionalToken string) (body []byte, nextToken string, notModified bool, err error)
}

// PollingManager periodically fetches the datafile, parses it, and atomically
// publishes new snapshots. A CONFIG_UPDATE notification fires on each revision
// change.
type PollingManager struct {
	fetcher         fetcher
	interval        time.Duration
	blockingTimeout time.Duration
	notifications   *optimizely.NotificationCenter
	projectOptions  []optimizely.ProjectOption
	logger          *zap.SugaredLogger

	current    atomic.Pointer[optimizely.Project]
	firstFetch chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
}

// PollingOption configures a PollingManager.
type PollingOption func(*PollingManager)

// WithPollingInterval sets the fetch interval; values below the default clamp
// to the default.
func WithPollingInterval(interval time.Duration) PollingOption {
	return func(m *PollingManager) {
		if interval >= defaultPollingInterval {
			m.interval = interval
		}
	}
}

// WithBlockingTimeout bounds how long Config waits for the first fetch.
func WithBlockingTimeout(timeout time.Duration) PollingOption {
	return func(m *PollingManager) {
		if timeout > 0 {
			m.blockingTimeout = timeout
		}
	}
}

// WithNotificationCenter attaches the hub that receives CONFIG_UPDATE
// notifications.
func WithNotificationCenter(center *optimizely.NotificationCenter) PollingOption {
	return func(m *PollingManager) {
		m.notifications = center
	}
}

// WithProjectOptions passes options through to datafile parsing.
func WithProjectOptions(options ...optimizely.ProjectOption) PollingOption {
	return func(m *PollingManager) {
		m.projectOptions = options
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.SugaredLogger) PollingOption {
	return func(m *PollingManager) {
		m.logger = logger
	}
}

// WithFetcher overrides the datafile fetcher; used by the authenticated and
// management-API constructors and by tests.
func WithFetcher(f fetcher) PollingOption {
	return func(m *PollingManager) {
		m.fetcher = f
	}
}

// NewPollingManager creates a manager that polls the public CDN for the sdk
// key's datafile. Start must be called to begin polling.
func NewPollingManager(sdkKey string, options ...PollingOption) (*PollingManager, error) {
	if sdkKey == "" {
		return nil, xerrors.New("sdk key is required")
	}
	manager := newPollingManager(options...)
	if manager.fetcher == nil {
		manager.fetcher = &httpFetcher{
			urlTemplate: cdnURLTemplate,
			sdkKey:      sdkKey,
			client:      newDatafileHTTPClient(),
		}
	}
	return manager, nil
}

// NewAuthenticatedPollingManager creates a manager that polls the
// authenticated datafile endpoint with a Bearer token. An empty token is a
// construction error.
func NewAuthenticatedPollingManager(sdkKey, token string, options ...PollingOption) (*PollingManager, error) {
	if sdkKey == "" {
		return nil, xerrors.New("sdk key is required")
	}
	if token == "" {
		return nil, xerrors.New("datafile access token is required")
	}
	manager := newPollingManager(options...)
	if manager.fetcher == nil {
		manager.fetcher = &httpFetcher{
			urlTemplate: authURLTemplate,
			sdkKey:      sdkKey,
			token:       token,
			client:      newDatafileHTTPClient(),
		}
	}
	return manager, nil
}

func newPollingManager(options ...PollingOption) *PollingManager {
	manager := &PollingManager{
		interval:        defaultPollingInterval,
		blockingTimeout: defaultBlockingTimeout,
		logger:          zap.NewNop().Sugar(),
		firstFetch:      make(chan struct{}),
		stop:            make(chan struct{}),
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// Start launches the polling goroutine. The first fetch happens immediately.
func (m *PollingManager) Start(ctx context.Context) {
	go m.poll(ctx)
}

// Stop signals the polling goroutine to exit. Calling Stop more than once has
// no effect.
func (m *PollingManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// Config blocks up to the blocking timeout for the first successful fetch and
// returns the current snapshot.
func (m *PollingManager) Config(ctx context.Context) (*optimizely.Project, error) {
	select {
	case <-m.firstFetch:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.blockingTimeout):
	}
	project := m.current.Load()
	if project == nil {
		return nil, xerrors.New("no datafile has been fetched yet")
	}
	return project, nil
}

func (m *PollingManager) poll(ctx context.Context) {
	conditionalToken := ""
	first := true
	for {
		conditionalToken = m.fetchOnce(ctx, conditionalToken)
		if first && m.current.Load() != nil {
			close(m.firstFetch)
			first = false
		}
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-time.After(m.interval):
		}
	}
}

// fetchOnce performs one fetch/parse/swap cycle and returns the conditional
// token for the next cycle. Failures keep the prior snapshot.
func (m *PollingManager) fetchOnce(ctx context.Context, conditionalToken string) string {
	body, nextToken, notModified, err := m.fetcher.Fetch(ctx, conditionalToken)
	if err != nil {
		m.logger.Errorf("Error fetching datafile: %v.", err)
		return conditionalToken
	}
	if notModified {
		return conditionalToken
	}
	project, err := optimizely.NewProjectFromDatafile(body, m.projectOptions...)
	if err != nil {
		m.logger.Errorf("Error parsing fetched datafile: %v.", err)
		return conditionalToken
	}
	previous := m.current.Load()
	if previous != nil && previous.Revision == project.Revision {
		return nextToken
	}
	m.current.Store(project)
	m.logger.Infof("New datafile revision %q is live.", project.Revision)
	if m.notifications != nil {
		m.notifications.Send(optimizely.ConfigUpdateNotification, project.Revision)
	}
	return nextToken
}
