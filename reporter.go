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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

const eventsEndpoint = "https://logx.optimizely.com/v1/events"

const defaultReporterTimeout = 10 * time.Second

// Reporter sends impression events to the Optimizely logging API.
type Reporter struct {
	client   *http.Client
	endpoint string
	logger   *zap.SugaredLogger
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithReporterClient overrides the http client, mostly for tests.
func WithReporterClient(client *http.Client) ReporterOption {
	return func(r *Reporter) {
		r.client = client
	}
}

// WithReporterEndpoint overrides the events endpoint.
func WithReporterEndpoint(endpoint string) ReporterOption {
	return func(r *Reporter) {
		r.endpoint = endpoint
	}
}

// WithReporterLogger attaches a logger for delivery failures.
func WithReporterLogger(logger *zap.SugaredLogger) ReporterOption {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// NewReporter creates a reporter with a bounded request timeout.
func NewReporter(options ...ReporterOption) *Reporter {
	reporter := &Reporter{
		client:   &http.Client{Timeout: defaultReporterTimeout},
		endpoint: eventsEndpoint,
		logger:   zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(reporter)
	}
	return reporter
}

// ReportEvents synchronously sends events to the Optimizely API for processing.
func (r *Reporter) ReportEvents(ctx context.Context, events Events) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return xerrors.Errorf("error encoding events: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewBuffer(eventsJSON))
	if err != nil {
		return xerrors.Errorf("error creating events request: %w", err)
	}
	request.Header.Set("content-type", "application/json")
	response, err := r.client.Do(request)
	if err != nil {
		return xerrors.Errorf("error sending events: %w", err)
	}
	defer func() {
		if err := response.Body.Close(); err != nil {
			r.logger.Errorf("Error closing events response body: %v.", err)
		}
	}()
	if response.StatusCode != http.StatusNoContent {
		return xerrors.Errorf("unexpected status code (%d) received from events API", response.StatusCode)
	}
	return nil
}

// ImpressionListener adapts the reporter into an activate-notification
// handler: each impression delivered by the decision service is reported
// synchronously. Delivery failures are logged and swallowed.
func (r *Reporter) ImpressionListener() NotificationHandler {
	return func(payload interface{}) {
		impression, ok := payload.(Impression)
		if !ok {
			return
		}
		events, err := NewEvents(ActivatedImpression(impression))
		if err != nil {
			r.logger.Errorf("Error building impression event: %v.", err)
			return
		}
		if err := r.ReportEvents(context.Background(), events); err != nil {
			r.logger.Errorf("Error reporting impression event: %v.", err)
		}
	}
}
