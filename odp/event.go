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
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// FsUserIDKey is the canonical identifier key for an SDK user id.
const FsUserIDKey = "fs_user_id"

// default event type when the caller leaves it empty
const fullstackEventType = "fullstack"

// action of the event sent when a user is identified to ODP
const identifiedAction = "identified"

const (
	dataSourceType = "sdk"
	dataSource     = "go-sdk"
)

// Event is a single ODP event: a type/action pair, user identifiers, and
// free-form data. Construction merges SDK-identifying fields and a generated
// idempotence id into the data map.
type Event struct {
	Type        string                 `json:"type"`
	Action      string                 `json:"action"`
	Identifiers map[string]string      `json:"identifiers"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent validates and normalizes an ODP event. The action is required;
// identifier keys spelling fs_user_id with different casing or dashes are
// canonicalized; data values must be nil, string, bool, or numeric.
func NewEvent(eventType, action string, identifiers map[string]string, data map[string]interface{}) (Event, error) {
	if action == "" {
		return Event{}, xerrors.New("odp event action is required")
	}
	if eventType == "" {
		eventType = fullstackEventType
	}
	if err := validateEventData(data); err != nil {
		return Event{}, err
	}

	event := Event{
		Type:        eventType,
		Action:      action,
		Identifiers: make(map[string]string, len(identifiers)),
		Data: map[string]interface{}{
			"idempotence_id":      uuid.New().String(),
			"data_source_type":    dataSourceType,
			"data_source":         dataSource,
			"data_source_version": clientVersion,
		},
	}
	for key, value := range identifiers {
		event.Identifiers[canonicalIdentifierKey(key)] = value
	}
	for key, value := range data {
		event.Data[key] = value
	}
	return event, nil
}

// version of this library reported in event data
var clientVersion = "unset"

// canonicalIdentifierKey maps any case or dash spelling of fs_user_id to its
// canonical form; other keys pass through untouched.
func canonicalIdentifierKey(key string) string {
	normalized := strings.ReplaceAll(strings.ToLower(key), "-", "_")
	if normalized == FsUserIDKey {
		return FsUserIDKey
	}
	return key
}

func validateEventData(data map[string]interface{}) error {
	for key, value := range data {
		switch value.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return xerrors.Errorf("odp data value for key %q is not a string, number, boolean, or nil", key)
		}
	}
	return nil
}
