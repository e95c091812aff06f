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
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

const graphqlPath = "/v3/graphql"

// segment state that counts as membership
const qualifiedState = "qualified"

// GraphQL error code reported for an identifier ODP has never seen; an
// unknown user is not an error, it simply has no segments.
const invalidIdentifierCode = "INVALID_IDENTIFIER_EXCEPTION"

// SegmentAPIClient fetches a user's qualified segments from the ODP GraphQL
// endpoint.
type SegmentAPIClient struct {
	client *http.Client
	logger *zap.SugaredLogger
}

// SegmentAPIOption configures a SegmentAPIClient.
type SegmentAPIOption func(*SegmentAPIClient)

// WithSegmentAPIHTTPClient overrides the http client, mostly for tests.
func WithSegmentAPIHTTPClient(client *http.Client) SegmentAPIOption {
	return func(c *SegmentAPIClient) {
		c.client = client
	}
}

// WithSegmentAPILogger attaches a logger.
func WithSegmentAPILogger(logger *zap.SugaredLogger) SegmentAPIOption {
	return func(c *SegmentAPIClient) {
		c.logger = logger
	}
}

// NewSegmentAPIClient creates a segment API client with a bounded request
// timeout.
func NewSegmentAPIClient(options ...SegmentAPIOption) *SegmentAPIClient {
	client := &SegmentAPIClient{
		client: &http.Client{Timeout: defaultAPITimeout},
		logger: zap.NewNop().Sugar(),
	}
	for _, option := range options {
		option(client)
	}
	return client
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		Customer struct {
			Audiences struct {
				Edges []struct {
					Node struct {
						Name  string `json:"name"`
						State string `json:"state"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"audiences"`
		} `json:"customer"`
	} `json:"data"`
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			Code string `json:"code"`
		} `json:"extensions"`
	} `json:"errors"`
}

// FetchSegments queries ODP for the subset of segmentsToCheck the user
// currently qualifies for. An unknown identifier yields no segments and no
// error.
func (c *SegmentAPIClient) FetchSegments(ctx context.Context, apiKey, apiHost, userKey, userValue string, segmentsToCheck []string) ([]string, error) {
	query := fmt.Sprintf(
		"query($userId: String, $audiences: [String]) { customer(%s: $userId) { audiences(subset: $audiences) { edges { node { name state } } } } }",
		userKey,
	)
	body, err := json.Marshal(graphqlRequest{
		Query: query,
		Variables: map[string]interface{}{
			"userId":    userValue,
			"audiences": segmentsToCheck,
		},
	})
	if err != nil {
		return nil, xerrors.Errorf("error encoding segments query: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, apiHost+graphqlPath, bytes.NewBuffer(body))
	if err != nil {
		return nil, xerrors.Errorf("error creating segments request: %w", err)
	}
	request.Header.Set("content-type", "application/json")
	request.Header.Set("x-api-key", apiKey)

	response, err := c.client.Do(request)
	if err != nil {
		return nil, xerrors.Errorf("error fetching segments: %w", err)
	}
	defer func() {
		if err := response.Body.Close(); err != nil {
			c.logger.Errorf("Error closing segments response body: %v.", err)
		}
	}()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, xerrors.Errorf("segments API returned status %d", response.StatusCode)
	}

	var decoded graphqlResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Errorf("decode error reading segments response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		if decoded.Errors[0].Extensions.Code == invalidIdentifierCode {
			c.logger.Warnf("Audience segments fetch failed: identifier %q is unknown to ODP.", userValue)
			return []string{}, nil
		}
		return nil, xerrors.Errorf("segments API returned error: %v", decoded.Errors[0].Message)
	}

	segments := make([]string, 0, len(decoded.Data.Customer.Audiences.Edges))
	for _, edge := range decoded.Data.Customer.Audiences.Edges {
		if edge.Node.State == qualifiedState {
			segments = append(segments, edge.Node.Name)
		}
	}
	return segments, nil
}
