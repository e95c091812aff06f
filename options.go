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

package optimizely

// DecideOption adjusts the behavior of a single decide call.
type DecideOption string

const (
	// DisableDecisionEvent suppresses the impression emitted for the decision.
	DisableDecisionEvent DecideOption = "DISABLE_DECISION_EVENT"
	// EnabledFlagsOnly filters multi-flag decide results to enabled flags.
	EnabledFlagsOnly DecideOption = "ENABLED_FLAGS_ONLY"
	// IgnoreUserProfileService bypasses profile lookup and save.
	IgnoreUserProfileService DecideOption = "IGNORE_USER_PROFILE_SERVICE"
	// IncludeReasons populates Decision.Reasons with diagnostic strings.
	IncludeReasons DecideOption = "INCLUDE_REASONS"
	// ExcludeVariables elides variable values from the decision.
	ExcludeVariables DecideOption = "EXCLUDE_VARIABLES"
	// IgnoreCmabCache forces a fresh prediction without touching the cache.
	IgnoreCmabCache DecideOption = "IGNORE_CMAB_CACHE"
	// ResetCmabCache clears the whole prediction cache before deciding.
	ResetCmabCache DecideOption = "RESET_CMAB_CACHE"
	// InvalidateUserCmabCache evicts this user's cached prediction for the rule.
	InvalidateUserCmabCache DecideOption = "INVALIDATE_USER_CMAB_CACHE"
)

// DecideOptions is the parsed form of a decide call's option list.
type DecideOptions struct {
	DisableDecisionEvent     bool
	EnabledFlagsOnly         bool
	IgnoreUserProfileService bool
	IncludeReasons           bool
	ExcludeVariables         bool
	IgnoreCmabCache          bool
	ResetCmabCache           bool
	InvalidateUserCmabCache  bool
}

// NewDecideOptions converts an option list into its parsed form. Unknown
// options are ignored.
func NewDecideOptions(options []DecideOption) *DecideOptions {
	parsed := &DecideOptions{}
	for _, option := range options {
		switch option {
		case DisableDecisionEvent:
			parsed.DisableDecisionEvent = true
		case EnabledFlagsOnly:
			parsed.EnabledFlagsOnly = true
		case IgnoreUserProfileService:
			parsed.IgnoreUserProfileService = true
		case IncludeReasons:
			parsed.IncludeReasons = true
		case ExcludeVariables:
			parsed.ExcludeVariables = true
		case IgnoreCmabCache:
			parsed.IgnoreCmabCache = true
		case ResetCmabCache:
			parsed.ResetCmabCache = true
		case InvalidateUserCmabCache:
			parsed.InvalidateUserCmabCache = true
		}
	}
	return parsed
}
