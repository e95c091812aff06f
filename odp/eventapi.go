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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

const eventsPath = "/v3/events"

const defaultAPITimeout = 10 * time.Second

// EventAPIClient POSTs event batches to the ODP REST ingest endpoint.
type EventAPIClient struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// EventAPIOption configures an EventAPIClient.
type EventAPIOption func(*EventAPIClient)

// WithEventAPIHTTPClient overrides the http client, mostly for tests.
func WithEventAPIHTTPClient(client *http.Client) EventAPIOption {
	return func(c *EventAPIClient) {
		c.client = client
	}
}

// WithEventAPILogger attaches a logger.
func WithEventAPILogger(logger *zap.SugaredLogger) EventAPIOption {
	return func(c *EventAPIClient) {
		c.logger = logger
	}
}

// NewEventAPIClient creates an event API client with a bounded request timeout.
func NewEventAPIClient(options ...EventAPIOption) *EventAPIClient {
	client := &EventAPIClient{
		client: &http.Client{Timeout: defaultAPITimeout},
		logger: zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// SendEvents posts a batch of events. The boolean reports whether the failure
// is retryable: network errors and 5xx responses are, 4xx responses are not.
func (c *EventAPIClient) SendEvents(ctx context.Context, apiKey, apiHost string, events []Event) (bool, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return false, xerrors.Errorf("error encoding odp events: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, apiHost+eventsPath, bytes.NewBuffer(body))
	if err != nil {
		return false, xerrors.Errorf("error creating odp events request: %w", err)
	}
	request.Header.Set("content-type", "application/json")
	request.Header.Set("x-api-key", apiKey)

	response, err := c.client.Do(request)
	if err != nil {
		return true, xerrors.Errorf("error sending odp events: %w", err)
	}
	defer func() {
		if err := response.Body.Close(); err != nil {
			c.logger.Errorf("Error closing odp events response body: %v.", err)
		}
	}()

	switch {
	case response.StatusCode >= http.StatusInternalServerError:
		return true, xerrors.Errorf("odp events API returned status %d", response.StatusCode)
	case response.StatusCode >= http.StatusBadRequest:
		return false, xerrors.Errorf("odp events API returned status %d", response.StatusCode)
	}
	return false, nil
}
