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

// Package cmab calls the contextual multi-armed bandit prediction service to
// allocate variations for experiments that delegate their traffic decisions.
package cmab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

const predictionEndpointTemplate = "https://prediction.cmab.optimizely.com/predict/%s"

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Client fetches variation predictions over HTTP with exponential-backoff
// retry. Each attempt is bounded by its own request timeout.
type Client struct {
	client           *http.Client
	endpointTemplate string
	maxRetries       uint
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	logger           *zap.SugaredLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the http client, mostly for tests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithEndpointTemplate overrides the prediction endpoint; the template must
// contain one %s verb for the rule id.
func WithEndpointTemplate(template string) ClientOption {
	return func(c *Client) {
		c.endpointTemplate = template
	}
}

// WithRetries sets how many additional attempts follow the initial try.
func WithRetries(maxRetries uint) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
	}
}

// WithBackoff sets the initial wait and its upper bound; the wait doubles
// after each failed attempt.
func WithBackoff(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithClientLogger attaches a logger.
func WithClientLogger(logger *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a prediction client.
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		client:           &http.Client{Timeout: defaultRequestTimeout},
		endpointTemplate: predictionEndpointTemplate,
		maxRetries:       defaultMaxRetries,
		initialBackoff:   defaultInitialBackoff,
		maxBackoff:       defaultMaxBackoff,
		logger:           zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(client)
	}
	return client
}

type predictionAttribute struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
	Type  string      `json:"type"`
}

type predictionInstance struct {
	VisitorID    string                `json:"visitorId"`
	ExperimentID string                `json:"experimentId"`
	Attributes   []predictionAttribute `json:"attributes"`
	CmabUUID     string                `json:"cmabUUID"`
}

type predictionRequest struct {
	Instances []predictionInstance `json:"instances"`
}

type predictionResponse struct {
	Predictions []struct {
		VariationID string `json:"variation_id"`
	} `json:"predictions"`
}

// FetchDecision posts a single prediction instance and returns the predicted
// variation id. Network failures, non-2xx statuses, and malformed responses
// are retried up to the configured cap; exhausting retries surfaces the last
// error.
func (c *Client) FetchDecision(ctx context.Context, ruleID, userID string, attributes map[string]interface{}, cmabUUID string) (string, error) {
	instance := predictionInstance{
		VisitorID:    userID,
		ExperimentID: ruleID,
		CmabUUID:     cmabUUID,
		Attributes:   make([]predictionAttribute, 0, len(attributes)),
	}
	for key, value := range attributes {
		instance.Attributes = append(instance.Attributes, predictionAttribute{
			ID:    key,
			Value: value,
			Type:  "custom_attribute",
		})
	}
	body, err := json.Marshal(predictionRequest{Instances: []predictionInstance{instance}})
	if err != nil {
		return "", xerrors.Errorf("error encoding prediction request: %w", err)
	}
	endpoint := fmt.Sprintf(c.endpointTemplate, ruleID)

	var variationID string
	err = retry.Do(
		func() error {
			fetched, err := c.fetchOnce(ctx, endpoint, body)
			if err != nil {
				c.logger.Warnf("Prediction attempt for rule %q failed: %v.", ruleID, err)
				return err
			}
			variationID = fetched
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.maxRetries+1),
		retry.Delay(c.initialBackoff),
		retry.MaxDelay(c.maxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", xerrors.Errorf("error fetching prediction for rule %v: %w", ruleID, err)
	}
	return variationID, nil
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string, body []byte) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", xerrors.Errorf("error creating prediction request: %w", err)
	}
	request.Header.Set("content-type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return "", xerrors.Errorf("error sending prediction request: %w", err)
	}
	defer func() {
		if err := response.Body.Close(); err != nil {
			c.logger.Errorf("Error closing prediction response body: %v.", err)
		}
	}()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return "", xerrors.Errorf("prediction API returned status %d", response.StatusCode)
	}

	var decoded predictionResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", xerrors.Errorf("error decoding prediction response: %w", err)
	}
	if len(decoded.Predictions) == 0 || decoded.Predictions[0].VariationID == "" {
		return "", xerrors.New("prediction response contained no variation")
	}
	return decoded.Predictions[0].VariationID, nil
}
