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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	optimizely "github.com/spothero/optimizely-fullstack-go"
)

const serviceTestDatafile = `
{
  "version": "4",
  "revision": "1",
  "projectId": "proj",
  "accountId": "acct",
  "experiments": [
    {
      "id": "exp_cmab",
      "key": "exp_cmab",
      "layerId": "layer_1",
      "status": "Running",
      "variations": [{"id": "var_a", "key": "a"}],
      "trafficAllocation": [{"entityId": "var_a", "endOfRange": 10000}],
      "cmab": {"attributeIds": ["attr_age", "attr_missing"], "trafficAllocation": 10000}
    },
    {
      "id": "exp_plain",
      "key": "exp_plain",
      "layerId": "layer_2",
      "status": "Running",
      "variations": [{"id": "var_b", "key": "b"}],
      "trafficAllocation": [{"entityId": "var_b", "endOfRange": 10000}]
    }
  ],
  "attributes": [
    {"id": "attr_age", "key": "age"},
    {"id": "attr_plan", "key": "plan"}
  ]
}
`

type fakePredictionClient struct {
	variationID    string
	err            error
	calls          int
	lastRuleID     string
	lastUserID     string
	lastAttributes map[string]interface{}
	lastUUID       string
}

func (f *fakePredictionClient) FetchDecision(ctx context.Context, ruleID, userID string, attributes map[string]interface{}, cmabUUID string) (string, error) {
	f.calls++
	f.lastRuleID = ruleID
	f.lastUserID = userID
	f.lastAttributes = attributes
	f.lastUUID = cmabUUID
	return f.variationID, f.err
}

func newServiceTestProject(t *testing.T) *optimizely.Project {
	t.Helper()
	project, err := optimizely.NewProjectFromDatafile([]byte(serviceTestDatafile))
	require.NoError(t, err)
	return project
}

func TestService_GetDecision(t *testing.T) {
	t.Run("prediction is fetched with filtered attributes", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(WithPredictionClient(client))

		attributes := map[string]interface{}{"age": 30, "plan": "gold", "undeclared": true}
		decision, err := service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, "var_a", decision.VariationID)
		assert.Equal(t, 1, client.calls)
		assert.Equal(t, "exp_cmab", client.lastRuleID)
		assert.Equal(t, "user-123", client.lastUserID)
		// only attributes the experiment declares are sent
		assert.Equal(t, map[string]interface{}{"age": 30}, client.lastAttributes)
		// the uuid travels with the prediction request and back in the decision
		_, err = uuid.Parse(decision.CmabUUID)
		assert.NoError(t, err)
		assert.Equal(t, client.lastUUID, decision.CmabUUID)
	})

	t.Run("second decision is served from the cache", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(WithPredictionClient(client))

		attributes := map[string]interface{}{"age": 30}
		first, err := service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		second, err := service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, client.calls)
	})

	t.Run("changed relevant attribute invalidates the cached decision", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(WithPredictionClient(client))

		first, err := service.GetDecision(project, "user-123", map[string]interface{}{"age": 30}, "exp_cmab", nil)
		require.NoError(t, err)
		second, err := service.GetDecision(project, "user-123", map[string]interface{}{"age": 31}, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, client.calls)
		assert.NotEqual(t, first.CmabUUID, second.CmabUUID)
	})

	t.Run("changed irrelevant attribute keeps the cached decision", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(WithPredictionClient(client))

		first, err := service.GetDecision(project, "user-123", map[string]interface{}{"age": 30, "plan": "gold"}, "exp_cmab", nil)
		require.NoError(t, err)
		second, err := service.GetDecision(project, "user-123", map[string]interface{}{"age": 30, "plan": "silver"}, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, client.calls)
	})

	t.Run("ignore-cache fetches fresh without saving", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(WithPredictionClient(client))

		attributes := map[string]interface{}{"age": 30}
		_, err := service.GetDecision(project, "user-123", attributes, "exp_cmab", &optimizely.DecideOptions{IgnoreCmabCache: true})
		require.NoError(t, err)
		_, err = service.GetDecision(project, "user-123", attributes, "exp_cmab", &optimizely.DecideOptions{IgnoreCmabCache: true})
		require.NoError(t, err)
		assert.Equal(t, 2, client.calls)

		// nothing was saved, so a normal decision fetches again
		_, err = service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, client.calls)
	})

	t.Run("reset-cache evicts every user", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(WithPredictionClient(client))

		attributes := map[string]interface{}{"age": 30}
		_, err := service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		_, err = service.GetDecision(project, "user-456", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, client.calls)

		_, err = service.GetDecision(project, "user-123", attributes, "exp_cmab", &optimizely.DecideOptions{ResetCmabCache: true})
		require.NoError(t, err)
		_, err = service.GetDecision(project, "user-456", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, 4, client.calls)
	})

	t.Run("invalidate-user evicts only that user", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(WithPredictionClient(client))

		attributes := map[string]interface{}{"age": 30}
		_, err := service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		_, err = service.GetDecision(project, "user-456", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, client.calls)

		_, err = service.GetDecision(project, "user-123", attributes, "exp_cmab", &optimizely.DecideOptions{InvalidateUserCmabCache: true})
		require.NoError(t, err)
		assert.Equal(t, 3, client.calls)
		_, err = service.GetDecision(project, "user-456", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, client.calls)
	})

	t.Run("prediction failures are not cached", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{err: xerrors.New("prediction unavailable")}
		service := NewService(WithPredictionClient(client))

		_, err := service.GetDecision(project, "user-123", nil, "exp_cmab", nil)
		assert.Error(t, err)

		client.err = nil
		client.variationID = "var_a"
		decision, err := service.GetDecision(project, "user-123", nil, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, "var_a", decision.VariationID)
		assert.Equal(t, 2, client.calls)
	})

	t.Run("cache entries respect the configured timeout", func(t *testing.T) {
		project := newServiceTestProject(t)
		client := &fakePredictionClient{variationID: "var_a"}
		service := NewService(
			WithPredictionClient(client),
			WithDecisionCache(10, 20*time.Millisecond),
		)

		attributes := map[string]interface{}{"age": 30}
		_, err := service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
		_, err = service.GetDecision(project, "user-123", attributes, "exp_cmab", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, client.calls)
	})
}

func TestDecisionCacheKey(t *testing.T) {
	assert.Equal(t, "8-user-123-exp_cmab", decisionCacheKey("user-123", "exp_cmab"))
	// the length prefix keeps shifted boundaries from colliding
	assert.NotEqual(t, decisionCacheKey("user-1", "23-exp"), decisionCacheKey("user-123", "exp"))
}

func TestFilterAttributes(t *testing.T) {
	project, err := optimizely.NewProjectFromDatafile([]byte(serviceTestDatafile))
	require.NoError(t, err)
	attributes := map[string]interface{}{"age": 30, "plan": "gold"}

	t.Run("declared attribute ids map to attribute keys", func(t *testing.T) {
		// attr_missing is declared by the experiment but absent from the
		// project's attributes, so it is skipped
		filtered := filterAttributes(project, attributes, "exp_cmab")
		assert.Equal(t, map[string]interface{}{"age": 30}, filtered)
	})

	t.Run("experiment without bandit config yields no attributes", func(t *testing.T) {
		assert.Empty(t, filterAttributes(project, attributes, "exp_plain"))
	})

	t.Run("unknown experiment yields no attributes", func(t *testing.T) {
		assert.Empty(t, filterAttributes(project, attributes, "exp_unknown"))
	})
}

func TestHashAttributes(t *testing.T) {
	first, err := hashAttributes(map[string]interface{}{"age": 30, "plan": "gold"})
	require.NoError(t, err)
	second, err := hashAttributes(map[string]interface{}{"plan": "gold", "age": 30})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	changed, err := hashAttributes(map[string]interface{}{"age": 31, "plan": "gold"})
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}
