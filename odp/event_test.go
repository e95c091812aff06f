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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Run("event is built with sdk data merged in", func(t *testing.T) {
		event, err := NewEvent("my_type", "my_action", map[string]string{"email": "user@example.com"}, map[string]interface{}{"count": 3})
		require.NoError(t, err)
		assert.Equal(t, "my_type", event.Type)
		assert.Equal(t, "my_action", event.Action)
		assert.Equal(t, map[string]string{"email": "user@example.com"}, event.Identifiers)
		assert.Equal(t, 3, event.Data["count"])
		assert.Equal(t, "sdk", event.Data["data_source_type"])
		assert.Equal(t, "go-sdk", event.Data["data_source"])
		assert.Equal(t, clientVersion, event.Data["data_source_version"])
		_, err = uuid.Parse(event.Data["idempotence_id"].(string))
		assert.NoError(t, err)
	})

	t.Run("empty type defaults to fullstack", func(t *testing.T) {
		event, err := NewEvent("", "my_action", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "fullstack", event.Type)
	})

	t.Run("missing action is an error", func(t *testing.T) {
		_, err := NewEvent("my_type", "", nil, nil)
		assert.Error(t, err)
	})

	t.Run("caller data may override the generated idempotence id", func(t *testing.T) {
		event, err := NewEvent("", "my_action", nil, map[string]interface{}{"idempotence_id": "fixed"})
		require.NoError(t, err)
		assert.Equal(t, "fixed", event.Data["idempotence_id"])
	})

	t.Run("invalid data values are rejected", func(t *testing.T) {
		for _, value := range []interface{}{
			[]string{"list"},
			map[string]string{"nested": "map"},
			struct{}{},
		} {
			_, err := NewEvent("", "my_action", nil, map[string]interface{}{"bad": value})
			assert.Error(t, err)
		}
	})

	t.Run("nil string bool and numeric data values are accepted", func(t *testing.T) {
		data := map[string]interface{}{
			"null":   nil,
			"string": "text",
			"bool":   true,
			"int":    int64(1),
			"float":  1.5,
		}
		event, err := NewEvent("", "my_action", nil, data)
		require.NoError(t, err)
		for key, value := range data {
			assert.Equal(t, value, event.Data[key])
		}
	})
}

func TestCanonicalIdentifierKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"fs_user_id", "fs_user_id"},
		{"FS_USER_ID", "fs_user_id"},
		{"fs-user-id", "fs_user_id"},
		{"FS-User-ID", "fs_user_id"},
		{"email", "email"},
		{"fs_user_id_extra", "fs_user_id_extra"},
	}
	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			assert.Equal(t, test.expected, canonicalIdentifierKey(test.key))
		})
	}
}

func TestNewEventIdentifierCanonicalization(t *testing.T) {
	event, err := NewEvent("", "my_action", map[string]string{"FS-USER-ID": "user-123", "email": "user@example.com"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"fs_user_id": "user-123",
		"email":      "user@example.com",
	}, event.Identifiers)
}
