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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

type fakeSegmentAPI struct {
	segments []string
	err      error
	calls    int
}

func (f *fakeSegmentAPI) FetchSegments(ctx context.Context, apiKey, apiHost, userKey, userValue string, segmentsToCheck []string) ([]string, error) {
	f.calls++
	return f.segments, f.err
}

func newTestSegmentManager(api segmentAPI, segmentsToCheck []string) *SegmentManager {
	config := NewConfig()
	config.Update("key", "https://odp.example.com", segmentsToCheck)
	return NewSegmentManager(
		config,
		WithSegmentAPI(api),
		WithSegmentManagerLogger(zap.NewNop().Sugar()),
	)
}

func TestSegmentManagerFetchQualifiedSegments(t *testing.T) {
	t.Run("missing credentials return the not-integrated error", func(t *testing.T) {
		config := NewConfig()
		manager := NewSegmentManager(config, WithSegmentAPI(&fakeSegmentAPI{}))
		_, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		assert.ErrorIs(t, err, ErrSegmentsNotIntegrated)
	})

	t.Run("no segments to check short-circuits without a fetch", func(t *testing.T) {
		api := &fakeSegmentAPI{}
		manager := newTestSegmentManager(api, nil)
		segments, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		require.NoError(t, err)
		assert.Equal(t, []string{}, segments)
		assert.Zero(t, api.calls)
	})

	t.Run("second fetch for the same user is served from the cache", func(t *testing.T) {
		api := &fakeSegmentAPI{segments: []string{"segment_a"}}
		manager := newTestSegmentManager(api, []string{"segment_a", "segment_b"})

		first, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		require.NoError(t, err)
		second, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, api.calls)

		// a different user misses the cache
		_, err = manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-456")
		require.NoError(t, err)
		assert.Equal(t, 2, api.calls)
	})

	t.Run("ignore-cache fetches fresh without touching the cache", func(t *testing.T) {
		api := &fakeSegmentAPI{segments: []string{"segment_a"}}
		manager := newTestSegmentManager(api, []string{"segment_a"})

		_, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		require.NoError(t, err)

		api.segments = []string{"segment_b"}
		fresh, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123", IgnoreCache)
		require.NoError(t, err)
		assert.Equal(t, []string{"segment_b"}, fresh)
		assert.Equal(t, 2, api.calls)

		// the cached value survives the ignored fetch
		cached, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		require.NoError(t, err)
		assert.Equal(t, []string{"segment_a"}, cached)
		assert.Equal(t, 2, api.calls)
	})

	t.Run("reset-cache clears every entry before fetching", func(t *testing.T) {
		api := &fakeSegmentAPI{segments: []string{"segment_a"}}
		manager := newTestSegmentManager(api, []string{"segment_a"})

		_, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		require.NoError(t, err)
		_, err = manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-456")
		require.NoError(t, err)
		assert.Equal(t, 2, api.calls)

		_, err = manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123", ResetCache)
		require.NoError(t, err)
		assert.Equal(t, 3, api.calls)

		// the other user's entry was cleared too
		_, err = manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-456")
		require.NoError(t, err)
		assert.Equal(t, 4, api.calls)
	})

	t.Run("failed fetches are not cached", func(t *testing.T) {
		api := &fakeSegmentAPI{err: xerrors.New("odp unavailable")}
		manager := newTestSegmentManager(api, []string{"segment_a"})

		_, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		assert.Error(t, err)

		api.err = nil
		api.segments = []string{"segment_a"}
		segments, err := manager.FetchQualifiedSegments(context.Background(), FsUserIDKey, "user-123")
		require.NoError(t, err)
		assert.Equal(t, []string{"segment_a"}, segments)
		assert.Equal(t, 2, api.calls)
	})
}
